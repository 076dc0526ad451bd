// Package tilecache maps quadtree nodes to slots of the GPU layer arrays.
//
// Every layer has its own fixed-size slot table and its own strict LRU. A
// node's generation state lives on its heights slot; losing any other layer
// only sends the node back to regenerate that layer, while losing the heights
// slot releases the node from every layer. Nodes required by the current
// frame (active nodes and their ancestors) are never evicted.
//
// The cache is driven from a single goroutine and takes no locks.
package tilecache

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/logger"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

var (
	// ErrNoEvictableSlot is returned when every slot of a layer belongs to a
	// node required this frame. The caller keeps rendering the nearest ready
	// ancestor until a slot frees up.
	ErrNoEvictableSlot = errors.New("tilecache: no evictable slot")

	// ErrStale is returned when progress is reported for a generation that
	// has since been evicted.
	ErrStale = errors.New("tilecache: stale generation")
)

// Enqueuer receives generation requests for nodes that are not ready.
// Enqueue must be idempotent per node.
type Enqueuer interface {
	Enqueue(node quadtree.NodeID, generation uint64)
}

// FenceChecker reports whether a submission has reached the queue.
type FenceChecker interface {
	Submitted(s gpu.Submission) bool
}

// Config describes the layer arrays the cache manages.
type Config struct {
	Layers []gpu.LayerDesc
	// PackedNormalsMinLevel is the shallowest level that gets a packed normal map.
	PackedNormalsMinLevel uint8
}

type table struct {
	layer gpu.Layer
	slots []Slot
	index map[quadtree.NodeID]int
	used  int
}

// Cache is the slot table of every layer.
type Cache struct {
	cfg       Config
	fences    FenceChecker
	queue     Enqueuer
	tables    [gpu.NumLayers]*table
	frame     uint64
	protected map[quadtree.NodeID]struct{}
	log       *zap.Logger
}

// New creates an empty cache. fences is usually the device.
func New(cfg Config, fences FenceChecker) (*Cache, error) {
	if len(cfg.Layers) != gpu.NumLayers {
		return nil, fmt.Errorf("tilecache: got %d layers, want %d", len(cfg.Layers), gpu.NumLayers)
	}
	c := &Cache{
		cfg:       cfg,
		fences:    fences,
		protected: make(map[quadtree.NodeID]struct{}),
		log:       logger.Named("tilecache"),
	}
	for i, desc := range cfg.Layers {
		if desc.Slots <= 0 {
			return nil, fmt.Errorf("tilecache: layer %v has no slots", desc.Layer)
		}
		c.tables[i] = &table{
			layer: gpu.Layer(i),
			slots: make([]Slot, desc.Slots),
			index: make(map[quadtree.NodeID]int),
		}
	}
	return c, nil
}

// SetEnqueuer connects the cache to the generation scheduler.
func (c *Cache) SetEnqueuer(q Enqueuer) {
	c.queue = q
}

// Needs reports whether node carries layer l.
func (c *Cache) Needs(node quadtree.NodeID, l gpu.Layer) bool {
	if l == gpu.LayerPackedNormals {
		return node.Level >= c.cfg.PackedNormalsMinLevel
	}
	return true
}

// BeginFrame starts a frame. Nodes in required are protected from eviction
// until the next BeginFrame.
func (c *Cache) BeginFrame(frame uint64, required []quadtree.NodeID) {
	c.frame = frame
	clear(c.protected)
	for _, n := range required {
		c.protected[n] = struct{}{}
	}
}

// Frame returns the current frame number.
func (c *Cache) Frame() uint64 {
	return c.frame
}

// IsProtected reports whether node is required this frame.
func (c *Cache) IsProtected(node quadtree.NodeID) bool {
	_, ok := c.protected[node]
	return ok
}

// Lookup returns node's residency without touching it.
func (c *Cache) Lookup(node quadtree.NodeID) (Handle, bool) {
	if _, ok := c.tables[gpu.LayerHeights].index[node]; !ok {
		return emptyHandle(node), false
	}
	return c.handle(node), true
}

func (c *Cache) handle(node quadtree.NodeID) Handle {
	h := emptyHandle(node)
	for _, t := range c.tables {
		i, ok := t.index[node]
		if !ok {
			continue
		}
		s := &t.slots[i]
		h.Slots[t.layer] = gpu.SlotRef{Layer: t.layer, Index: i}
		h.Valid[t.layer] = s.Valid
		if t.layer == gpu.LayerHeights {
			h.Generation = s.Generation
			h.State = s.State
		}
	}
	return h
}

// EnsureResident makes sure node holds a slot in every layer it needs.
//
// A ready node is returned as is. Otherwise missing slots are allocated,
// evicting the least recently used unprotected node of that layer, and a
// generation request is queued. If some layer has no evictable slot the
// returned error wraps ErrNoEvictableSlot; the handle then reflects the
// slots that could be allocated and generation proceeds for those.
func (c *Cache) EnsureResident(node quadtree.NodeID) (Handle, error) {
	c.Touch(node)
	if h, ok := c.Lookup(node); ok && h.Ready() {
		return h, nil
	}

	var stalled error
	for _, l := range gpu.AllLayers() {
		if !c.Needs(node, l) {
			continue
		}
		t := c.tables[l]
		if _, ok := t.index[node]; ok {
			continue
		}
		if err := c.allocate(t, node); err != nil {
			if l == gpu.LayerHeights {
				return emptyHandle(node), err
			}
			stalled = err
		}
	}

	hs := c.heightsSlot(node)
	c.refresh(node)
	if hs.State != StateReady && c.queue != nil {
		if !hs.queued {
			hs.queued = true
			c.refresh(node)
		}
		c.queue.Enqueue(node, hs.Generation)
	}
	return c.handle(node), stalled
}

func (c *Cache) heightsSlot(node quadtree.NodeID) *Slot {
	t := c.tables[gpu.LayerHeights]
	i, ok := t.index[node]
	if !ok {
		return nil
	}
	return &t.slots[i]
}

func (c *Cache) allocate(t *table, node quadtree.NodeID) error {
	idx := -1
	for i := range t.slots {
		if !t.slots[i].Occupied {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = c.victim(t, node)
		if idx < 0 {
			instrumentStall(t.layer)
			return fmt.Errorf("%w: layer %v, node %v", ErrNoEvictableSlot, t.layer, node)
		}
		c.evict(t, idx)
	}

	s := &t.slots[idx]
	s.Owner = node
	s.Occupied = true
	s.Valid = false
	s.queued = false
	s.LastUsed = c.frame
	s.Generation++
	t.index[node] = idx
	t.used++
	instrumentResident(t.layer, t.used)
	return nil
}

// victim picks the eligible slot with the oldest LastUsed, lowest index on
// ties. Eligible slots belong to unprotected nodes and have no unsubmitted
// writes. Heights slots of nodes with resident children are not eligible,
// so the resident set stays closed under ancestors.
func (c *Cache) victim(t *table, requester quadtree.NodeID) int {
	best := -1
	for i := range t.slots {
		s := &t.slots[i]
		if !s.Occupied || s.Owner == requester || c.IsProtected(s.Owner) {
			continue
		}
		if !c.submitted(s.Fence) {
			continue
		}
		if t.layer == gpu.LayerHeights && (!c.settled(s.Owner) || c.hasResidentChild(s.Owner)) {
			continue
		}
		if best < 0 || s.LastUsed < t.slots[best].LastUsed {
			best = i
		}
	}
	return best
}

func (c *Cache) submitted(f gpu.Submission) bool {
	return f == 0 || c.fences == nil || c.fences.Submitted(f)
}

func (c *Cache) hasResidentChild(node quadtree.NodeID) bool {
	if node.Level >= quadtree.MaxSupportedLevel {
		return false
	}
	index := c.tables[gpu.LayerHeights].index
	for _, child := range node.Children() {
		if _, ok := index[child]; ok {
			return true
		}
	}
	return false
}

// settled reports whether every slot of node has had its writes submitted.
func (c *Cache) settled(node quadtree.NodeID) bool {
	for _, t := range c.tables {
		if i, ok := t.index[node]; ok && !c.submitted(t.slots[i].Fence) {
			return false
		}
	}
	return true
}

func (c *Cache) evict(t *table, idx int) {
	owner := t.slots[idx].Owner
	c.release(t, idx)
	instrumentEviction(t.layer)
	c.log.Debug("slot evicted",
		zap.Stringer("layer", t.layer),
		zap.Int("slot", idx),
		zap.Stringer("node", owner))

	if t.layer == gpu.LayerHeights {
		// The node's state lives on its heights slot; without it the other
		// layers are orphaned.
		for _, other := range c.tables[1:] {
			if i, ok := other.index[owner]; ok {
				c.release(other, i)
			}
		}
		return
	}
	c.refresh(owner)
}

func (c *Cache) release(t *table, idx int) {
	s := &t.slots[idx]
	delete(t.index, s.Owner)
	s.Owner = quadtree.NodeID{}
	s.Occupied = false
	s.Valid = false
	s.queued = false
	s.State = StateEmpty
	t.used--
	instrumentResident(t.layer, t.used)
}

// refresh recomputes node's state from its layer validity and mirrors it on
// every slot the node holds.
func (c *Cache) refresh(node quadtree.NodeID) {
	hs := c.heightsSlot(node)
	if hs == nil {
		return
	}

	state := StateEmpty
	switch {
	case !hs.Valid && hs.queued:
		state = StateHeightPending
	case hs.Valid:
		all, some := true, false
		for _, t := range c.tables[1:] {
			if !c.Needs(node, t.layer) {
				continue
			}
			i, ok := t.index[node]
			valid := ok && t.slots[i].Valid
			all = all && valid
			some = some || valid
		}
		switch {
		case all:
			state = StateReady
		case some:
			state = StateNormalsAndAlbedoPending
		default:
			state = StateHeightReady
		}
	}

	for _, t := range c.tables {
		if i, ok := t.index[node]; ok {
			t.slots[i].State = state
		}
	}
}

// Touch marks node as used this frame without requesting generation.
func (c *Cache) Touch(node quadtree.NodeID) {
	for _, t := range c.tables {
		if i, ok := t.index[node]; ok {
			t.slots[i].LastUsed = c.frame
		}
	}
}

// MarkGenerated records that the given layers of node were written by
// submission s. It returns ErrStale if generation no longer matches the
// node's heights slot.
func (c *Cache) MarkGenerated(node quadtree.NodeID, generation uint64, layers []gpu.Layer, s gpu.Submission) error {
	hs := c.heightsSlot(node)
	if hs == nil || hs.Generation != generation {
		return fmt.Errorf("%w: node %v generation %d", ErrStale, node, generation)
	}
	for _, l := range layers {
		t := c.tables[l]
		i, ok := t.index[node]
		if !ok {
			return fmt.Errorf("tilecache: node %v holds no %v slot", node, l)
		}
		t.slots[i].Valid = true
		t.slots[i].Fence = s
	}
	c.refresh(node)
	if hs.State == StateReady {
		hs.queued = false
	}
	return nil
}

// MarkReady records that the remaining layers of node were written by
// submission s, completing its generation.
func (c *Cache) MarkReady(node quadtree.NodeID, generation uint64, s gpu.Submission) error {
	var layers []gpu.Layer
	for _, l := range gpu.AllLayers() {
		if !c.Needs(node, l) {
			continue
		}
		t := c.tables[l]
		i, ok := t.index[node]
		if !ok {
			return fmt.Errorf("tilecache: mark ready %v: no %v slot", node, l)
		}
		if !t.slots[i].Valid {
			layers = append(layers, l)
		}
	}
	return c.MarkGenerated(node, generation, layers, s)
}

// Invalidate empties every slot, as after a device reset. Generations keep
// counting so queued work for old owners is recognised as stale.
func (c *Cache) Invalidate() {
	for _, t := range c.tables {
		for i := range t.slots {
			if t.slots[i].Occupied {
				c.release(t, i)
			}
			t.slots[i].Fence = 0
		}
	}
	c.log.Info("cache invalidated")
}

// Slot returns a copy of a slot table entry.
func (c *Cache) Slot(ref gpu.SlotRef) Slot {
	return c.tables[ref.Layer].slots[ref.Index]
}

// Resident returns the number of occupied slots in layer l.
func (c *Cache) Resident(l gpu.Layer) int {
	return c.tables[l].used
}

// Capacity returns the number of slots in layer l.
func (c *Cache) Capacity(l gpu.Layer) int {
	return len(c.tables[l].slots)
}

// Nodes returns every node holding a heights slot.
func (c *Cache) Nodes() []quadtree.NodeID {
	t := c.tables[gpu.LayerHeights]
	out := make([]quadtree.NodeID, 0, t.used)
	for i := range t.slots {
		if t.slots[i].Occupied {
			out = append(out, t.slots[i].Owner)
		}
	}
	return out
}
