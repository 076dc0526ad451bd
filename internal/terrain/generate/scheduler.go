// Package generate schedules the compute passes that fill a node's layers.
//
// Every node that is resident but not ready has one job. Each frame the
// scheduler orders jobs by priority, records up to BatchBudget batches (one
// batch is the remaining stage chain of one node, in dependency order) into a
// single compute frame, submits it, and only then reports the written layers
// to the tile cache. A node is never dispatched before its parent is ready;
// such jobs are deferred and re-examined every frame until the parent is
// ready or the node's slot is reassigned, which cancels the job.
package generate

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/logger"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
	"github.com/Faultbox/terra/internal/terrain/tilecache"
)

// ErrDependencyViolation means a node was about to be generated or marked
// ready while its parent was not ready. It indicates broken top-down
// ordering and is not recoverable by retrying.
var ErrDependencyViolation = errors.New("generate: dependency violation")

// BaseLayers loads and stores persisted layers.
type BaseLayers interface {
	LoadBaseLayer(key string) ([]byte, bool, error)
	StoreBaseLayer(key string, data []byte) error
}

// Config controls scheduling.
type Config struct {
	// BatchBudget is the number of node batches dispatched per frame.
	BatchBudget int
	// PersistMaxLevel is the deepest level whose heights and albedo are
	// persisted and reloaded instead of regenerated. Negative disables
	// persistence beyond the source-filled roots.
	PersistMaxLevel int
}

// Job is a pending generation request.
type Job struct {
	Node       quadtree.NodeID
	Generation uint64
	// Deferred counts the frames the job waited on its parent or its source.
	Deferred int
}

// Report summarises one frame of scheduling.
type Report struct {
	Batches    int
	Dispatches int
	Deferred   int
	Cancelled  int
	// Completed lists the nodes that became ready, in dispatch order.
	Completed  []quadtree.NodeID
	Submission gpu.Submission
}

type batch struct {
	job      *Job
	layers   []gpu.Layer
	computed []gpu.Layer
	complete bool
}

type persistJob struct {
	node       quadtree.NodeID
	generation uint64
	layer      gpu.Layer
	submission gpu.Submission
}

// Scheduler turns pending nodes into compute dispatches.
type Scheduler struct {
	cfg     Config
	dev     gpu.Device
	cache   *tilecache.Cache
	base    BaseLayers
	jobs    map[quadtree.NodeID]*Job
	persist []persistJob
	missing map[quadtree.NodeID]bool
	log     *zap.Logger
}

// New creates a scheduler and registers it as the cache's enqueuer.
func New(cfg Config, dev gpu.Device, cache *tilecache.Cache, base BaseLayers) (*Scheduler, error) {
	if cfg.BatchBudget < 1 {
		return nil, fmt.Errorf("generate: batch budget must be at least 1, got %d", cfg.BatchBudget)
	}
	s := &Scheduler{
		cfg:     cfg,
		dev:     dev,
		cache:   cache,
		base:    base,
		jobs:    make(map[quadtree.NodeID]*Job),
		missing: make(map[quadtree.NodeID]bool),
		log:     logger.Named("generate"),
	}
	cache.SetEnqueuer(s)
	return s, nil
}

// Enqueue implements tilecache.Enqueuer.
func (s *Scheduler) Enqueue(node quadtree.NodeID, generation uint64) {
	if j, ok := s.jobs[node]; ok {
		j.Generation = generation
		return
	}
	s.jobs[node] = &Job{Node: node, Generation: generation}
	pendingJobs.Set(float64(len(s.jobs)))
}

// Pending returns the number of queued jobs.
func (s *Scheduler) Pending() int {
	return len(s.jobs)
}

// Job returns the pending job for node.
func (s *Scheduler) Job(node quadtree.NodeID) (Job, bool) {
	j, ok := s.jobs[node]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Reset drops every job and pending readback, as after a device reset.
func (s *Scheduler) Reset() {
	clear(s.jobs)
	clear(s.missing)
	s.persist = nil
	pendingJobs.Set(0)
}

// RunFrame records and submits up to BatchBudget batches. sel supplies the
// priorities; it may be nil. Errors wrapping gpu.ErrDeviceLost or
// ErrDependencyViolation leave the compute frame unfinished; the caller must
// reset the device and cache.
func (s *Scheduler) RunFrame(sel *quadtree.Selection) (Report, error) {
	var rep Report
	if err := s.drainPersist(); err != nil {
		return rep, err
	}

	candidates := s.candidates(sel, &rep)
	defer func() { pendingJobs.Set(float64(len(s.jobs))) }()
	if len(candidates) == 0 {
		return rep, nil
	}

	if err := s.dev.BeginComputeFrame(); err != nil {
		return rep, fmt.Errorf("begin compute frame: %w", err)
	}
	var batches []batch
	for _, j := range candidates {
		if len(batches) >= s.cfg.BatchBudget {
			break
		}
		b, reason, err := s.record(j, &rep)
		if err != nil {
			return rep, err
		}
		if reason != "" {
			j.Deferred++
			rep.Deferred++
			instrumentDeferred(reason)
			continue
		}
		batches = append(batches, b)
	}

	sub, err := s.dev.EndComputeFrame()
	if err != nil {
		return rep, fmt.Errorf("end compute frame: %w", err)
	}
	rep.Submission = sub
	rep.Batches = len(batches)
	batchesTotal.Add(float64(len(batches)))

	for _, b := range batches {
		if err := s.commit(b, sub, &rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

type priority struct {
	required bool
	ancestor bool
	ratio    float64
	minDist  float64
}

func priorityOf(sel *quadtree.Selection, n quadtree.NodeID) priority {
	if sel != nil {
		if r, ok := sel.Lookup(n); ok {
			return priority{required: true, ancestor: r.Ancestor, ratio: r.Ratio(), minDist: r.MinDistance}
		}
	}
	return priority{ratio: math.Inf(1), minDist: math.Inf(1)}
}

// before orders jobs: required nodes, then ancestors of active nodes, then
// nodes nearer their subdivision threshold, then finer nodes.
func before(a, b priority, na, nb quadtree.NodeID) bool {
	if a.required != b.required {
		return a.required
	}
	if a.ancestor != b.ancestor {
		return a.ancestor
	}
	if a.ratio != b.ratio {
		return a.ratio < b.ratio
	}
	if a.minDist != b.minDist {
		return a.minDist < b.minDist
	}
	return na.Less(nb)
}

// candidates drops cancelled and finished jobs and returns the rest in
// priority order.
func (s *Scheduler) candidates(sel *quadtree.Selection, rep *Report) []*Job {
	out := make([]*Job, 0, len(s.jobs))
	prio := make(map[quadtree.NodeID]priority, len(s.jobs))
	for n, j := range s.jobs {
		h, ok := s.cache.Lookup(n)
		if !ok || h.Generation != j.Generation {
			delete(s.jobs, n)
			rep.Cancelled++
			cancelledTotal.Inc()
			s.log.Debug("job cancelled", zap.Stringer("node", n))
			continue
		}
		if h.Ready() {
			delete(s.jobs, n)
			continue
		}
		out = append(out, j)
		prio[n] = priorityOf(sel, n)
	}
	sort.Slice(out, func(a, b int) bool {
		na, nb := out[a].Node, out[b].Node
		return before(prio[na], prio[nb], na, nb)
	})
	return out
}

// record dispatches the remaining stages of one job. A non-empty reason
// means the job was deferred and nothing was recorded.
func (s *Scheduler) record(j *Job, rep *Report) (batch, string, error) {
	node := j.Node
	h, _ := s.cache.Lookup(node)

	var parent tilecache.Handle
	if p, ok := node.Parent(); ok {
		ph, resident := s.cache.Lookup(p)
		if !resident || !ph.Ready() {
			return batch{}, reasonParent, nil
		}
		parent = ph
	}

	b := batch{job: j, complete: true}
	have := h.Valid
	for _, st := range Stages() {
		def := stageTable[st]
		if !s.cache.Needs(node, def.layer) || have[def.layer] {
			continue
		}
		if !h.Slots[def.layer].Valid() || (st != StageHeights && !have[def.input]) {
			b.complete = false
			continue
		}

		computed, ok, err := s.runStage(st, node, h, parent)
		if err != nil {
			return batch{}, "", err
		}
		if !ok {
			// Only the heights stage can lack input, and it runs first.
			return batch{}, reasonSource, nil
		}
		rep.Dispatches++
		instrumentDispatch(st)
		have[def.layer] = true
		b.layers = append(b.layers, def.layer)
		if computed {
			b.computed = append(b.computed, def.layer)
		}
	}
	if len(b.layers) == 0 {
		return batch{}, reasonSlots, nil
	}
	s.log.Debug("batch recorded",
		zap.Stringer("node", node),
		zap.Int("stages", len(b.layers)),
		zap.Bool("complete", b.complete))
	return b, "", nil
}

// runStage records one stage. computed is false when the layer was uploaded
// from the store instead of generated; ok is false when root heights have no
// source data yet.
func (s *Scheduler) runStage(st Stage, node quadtree.NodeID, h, parent tilecache.Handle) (computed, ok bool, err error) {
	def := stageTable[st]
	out := h.Slots[def.layer]
	d := gpu.NewDispatch(def.kernel, node, out)

	switch st {
	case StageHeights:
		if node.Level == 0 || s.persisted(node) {
			if data, found := s.load(node, def.layer); found {
				return false, true, s.upload(out, data)
			}
			if node.Level == 0 {
				if !s.missing[node] {
					s.missing[node] = true
					s.log.Warn("no source heights for root, waiting", zap.Stringer("node", node))
				}
				return false, false, nil
			}
		}
		if !parent.Valid[gpu.LayerHeights] {
			return false, false, fmt.Errorf("%w: refine %v without parent heights", ErrDependencyViolation, node)
		}
		d.Parent = parent.Slots[gpu.LayerHeights]

	case StageAlbedo:
		if node.Level == 0 || s.persisted(node) {
			if data, found := s.load(node, def.layer); found {
				return false, true, s.upload(out, data)
			}
		}
		d.Heights = h.Slots[gpu.LayerHeights]
		if node.Level > 0 {
			if !parent.Valid[gpu.LayerAlbedo] {
				return false, false, fmt.Errorf("%w: albedo %v without parent albedo", ErrDependencyViolation, node)
			}
			d.Parent = parent.Slots[gpu.LayerAlbedo]
		}

	case StagePackNormals:
		d.Normals = h.Slots[gpu.LayerNormals]

	default:
		d.Heights = h.Slots[gpu.LayerHeights]
	}

	if err := s.dev.Dispatch(d); err != nil {
		return false, false, fmt.Errorf("dispatch %s %v: %w", st, node, err)
	}
	return true, true, nil
}

func (s *Scheduler) persisted(node quadtree.NodeID) bool {
	return int(node.Level) <= s.cfg.PersistMaxLevel
}

func (s *Scheduler) load(node quadtree.NodeID, l gpu.Layer) ([]byte, bool) {
	if s.base == nil {
		return nil, false
	}
	data, ok, err := s.base.LoadBaseLayer(BaseLayerKey(node, l))
	if err != nil {
		s.log.Warn("load base layer failed", zap.Stringer("node", node), zap.Stringer("layer", l), zap.Error(err))
		return nil, false
	}
	if ok && len(data) != s.dev.Layers()[l].SlotBytes() {
		s.log.Warn("base layer has wrong size, regenerating",
			zap.Stringer("node", node), zap.Stringer("layer", l), zap.Int("bytes", len(data)))
		return nil, false
	}
	return data, ok
}

func (s *Scheduler) upload(ref gpu.SlotRef, data []byte) error {
	if err := s.dev.Upload(ref, data); err != nil {
		return fmt.Errorf("upload %v: %w", ref, err)
	}
	return nil
}

func (s *Scheduler) commit(b batch, sub gpu.Submission, rep *Report) error {
	node := b.job.Node
	if p, ok := node.Parent(); ok {
		if ph, resident := s.cache.Lookup(p); !resident || !ph.Ready() {
			return fmt.Errorf("%w: %v submitted while parent %v is %v", ErrDependencyViolation, node, p, ph.State)
		}
	}

	var err error
	if b.complete {
		err = s.cache.MarkReady(node, b.job.Generation, sub)
	} else {
		err = s.cache.MarkGenerated(node, b.job.Generation, b.layers, sub)
	}
	if errors.Is(err, tilecache.ErrStale) {
		delete(s.jobs, node)
		rep.Cancelled++
		cancelledTotal.Inc()
		return nil
	}
	if err != nil {
		return err
	}

	if s.base != nil && s.persisted(node) {
		for _, l := range b.computed {
			if l == gpu.LayerHeights || l == gpu.LayerAlbedo {
				s.persist = append(s.persist, persistJob{node: node, generation: b.job.Generation, layer: l, submission: sub})
			}
		}
	}

	if h, _ := s.cache.Lookup(node); h.Ready() {
		delete(s.jobs, node)
		rep.Completed = append(rep.Completed, node)
	}
	return nil
}

// drainPersist reads back layers whose submission has completed and writes
// them to the store. Readback failures other than device loss are logged and
// dropped; the layer is simply regenerated next time.
func (s *Scheduler) drainPersist() error {
	keep := s.persist[:0]
	for _, p := range s.persist {
		if !s.dev.Completed(p.submission) {
			keep = append(keep, p)
			continue
		}
		h, ok := s.cache.Lookup(p.node)
		if !ok || h.Generation != p.generation || !h.Valid[p.layer] {
			continue
		}
		ref := h.Slots[p.layer]
		if s.cache.Slot(ref).Fence != p.submission {
			continue
		}
		data, err := s.dev.ReadSlot(ref)
		if err != nil {
			if errors.Is(err, gpu.ErrDeviceLost) {
				return fmt.Errorf("read back %v: %w", p.node, err)
			}
			s.log.Warn("read back failed", zap.Stringer("node", p.node), zap.Error(err))
			continue
		}
		if err := s.base.StoreBaseLayer(BaseLayerKey(p.node, p.layer), data); err != nil {
			s.log.Warn("store base layer failed", zap.Stringer("node", p.node), zap.Error(err))
			continue
		}
		instrumentPersisted(StageOf(p.layer))
	}
	s.persist = keep
	return nil
}
