package tilecache

import (
	"errors"
	"testing"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

type recordingQueue struct {
	requests []quadtree.NodeID
}

func (q *recordingQueue) Enqueue(n quadtree.NodeID, _ uint64) {
	q.requests = append(q.requests, n)
}

type fakeFences struct {
	submitted gpu.Submission
}

func (f *fakeFences) Submitted(s gpu.Submission) bool {
	return s <= f.submitted
}

func newTestCache(t *testing.T, slots [gpu.NumLayers]int) (*Cache, *recordingQueue, *fakeFences) {
	t.Helper()
	fences := &fakeFences{submitted: 1 << 30}
	c, err := New(Config{Layers: gpu.LayerDescs(9, 5, slots), PackedNormalsMinLevel: 2}, fences)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	q := &recordingQueue{}
	c.SetEnqueuer(q)
	return c, q, fences
}

func uniform(n int) [gpu.NumLayers]int {
	return [gpu.NumLayers]int{n, n, n, n, n}
}

// frame runs one frame in which only the given nodes are required.
func frame(t *testing.T, c *Cache, f uint64, nodes ...quadtree.NodeID) {
	t.Helper()
	c.BeginFrame(f, nodes)
	for _, n := range nodes {
		if _, err := c.EnsureResident(n); err != nil {
			t.Fatalf("frame %d: EnsureResident(%v) error = %v", f, n, err)
		}
	}
}

func ready(t *testing.T, c *Cache, n quadtree.NodeID, s gpu.Submission) {
	t.Helper()
	h, ok := c.Lookup(n)
	if !ok {
		t.Fatalf("%v not resident", n)
	}
	if err := c.MarkReady(n, h.Generation, s); err != nil {
		t.Fatalf("MarkReady(%v) error = %v", n, err)
	}
}

func TestEnsureResidentIdempotent(t *testing.T) {
	c, q, _ := newTestCache(t, uniform(4))
	root := quadtree.Root(quadtree.FacePosY)

	frame(t, c, 1, root)
	ready(t, c, root, 1)
	first, _ := c.Lookup(root)
	if !first.Ready() {
		t.Fatalf("state = %v, want ready", first.State)
	}
	requests := len(q.requests)

	for f := uint64(2); f < 5; f++ {
		c.BeginFrame(f, []quadtree.NodeID{root})
		h, err := c.EnsureResident(root)
		if err != nil {
			t.Fatal(err)
		}
		if h.Slots != first.Slots || h.Generation != first.Generation {
			t.Errorf("frame %d: handle changed from %+v to %+v", f, first, h)
		}
	}
	if len(q.requests) != requests {
		t.Errorf("ready node was re-enqueued %d times", len(q.requests)-requests)
	}
	if got := c.Slot(first.Slots[gpu.LayerHeights]).LastUsed; got != 4 {
		t.Errorf("LastUsed = %d, want 4", got)
	}
}

func TestStateTransitions(t *testing.T) {
	c, _, _ := newTestCache(t, uniform(4))
	n := quadtree.NodeID{Face: quadtree.FaceNegX, Level: 2, X: 1, Y: 3}

	c.BeginFrame(1, []quadtree.NodeID{n})
	h, err := c.EnsureResident(n)
	if err != nil {
		t.Fatal(err)
	}
	if h.State != StateHeightPending {
		t.Fatalf("after allocation state = %v", h.State)
	}
	if !h.Slots[gpu.LayerPackedNormals].Valid() {
		t.Error("level 2 node should hold a packed normals slot")
	}

	steps := []struct {
		layers []gpu.Layer
		want   State
	}{
		{[]gpu.Layer{gpu.LayerHeights}, StateHeightReady},
		{[]gpu.Layer{gpu.LayerNormals, gpu.LayerAlbedo}, StateNormalsAndAlbedoPending},
		{[]gpu.Layer{gpu.LayerPackedNormals, gpu.LayerDisplacements}, StateReady},
	}
	for i, st := range steps {
		if err := c.MarkGenerated(n, h.Generation, st.layers, gpu.Submission(i+1)); err != nil {
			t.Fatal(err)
		}
		got, _ := c.Lookup(n)
		if got.State != st.want {
			t.Errorf("step %d: state = %v, want %v", i, got.State, st.want)
		}
		for _, l := range st.layers {
			if f := c.Slot(got.Slots[l]).Fence; f != gpu.Submission(i+1) {
				t.Errorf("step %d: %v fence = %d", i, l, f)
			}
		}
	}
}

func TestPackedNormalsOnlyAtFineLevels(t *testing.T) {
	c, _, _ := newTestCache(t, uniform(4))
	root := quadtree.Root(quadtree.FacePosX)
	frame(t, c, 1, root)
	h, _ := c.Lookup(root)
	if h.Slots[gpu.LayerPackedNormals].Valid() {
		t.Error("root should not hold a packed normals slot")
	}
	ready(t, c, root, 1)
	if h, _ := c.Lookup(root); !h.Ready() {
		t.Error("root should be ready without packed normals")
	}
}

func TestLRUEvictionIsDeterministic(t *testing.T) {
	c, _, _ := newTestCache(t, [gpu.NumLayers]int{3, 8, 8, 8, 8})
	a, b, cc, d := quadtree.Root(0), quadtree.Root(1), quadtree.Root(2), quadtree.Root(3)

	frame(t, c, 1, a)
	frame(t, c, 2, b)
	frame(t, c, 3, cc)
	c.BeginFrame(4, nil)
	c.Touch(a)
	frame(t, c, 5, d)

	if _, ok := c.Lookup(b); ok {
		t.Error("b was least recently used and should have been evicted")
	}
	for _, n := range []quadtree.NodeID{a, cc, d} {
		if _, ok := c.Lookup(n); !ok {
			t.Errorf("%v should still be resident", n)
		}
	}
	// The heights eviction releases b from every layer.
	for _, l := range gpu.AllLayers() {
		if got := c.Resident(l); l != gpu.LayerPackedNormals && got != 3 {
			t.Errorf("%v resident = %d, want 3", l, got)
		}
	}
}

func TestSlotPressureEvictsExactlyOne(t *testing.T) {
	const k = 5
	c, _, _ := newTestCache(t, uniform(k))

	roots := quadtree.Roots()
	for i, r := range roots[:k+1] {
		frame(t, c, uint64(i+1), r)
	}

	evicted := 0
	for _, r := range roots[:k] {
		if _, ok := c.Lookup(r); !ok {
			evicted++
			if r != roots[0] {
				t.Errorf("evicted %v, want least recently touched %v", r, roots[0])
			}
		}
	}
	if evicted != 1 {
		t.Errorf("evicted %d nodes, want 1", evicted)
	}
	if got := c.Resident(gpu.LayerHeights); got != k {
		t.Errorf("resident = %d, want %d", got, k)
	}
}

func TestParentOutlivesResidentChildren(t *testing.T) {
	c, _, _ := newTestCache(t, uniform(3))
	a, b, d, e := quadtree.Root(0), quadtree.Root(1), quadtree.Root(2), quadtree.Root(3)
	child := a.Children()[0]

	frame(t, c, 1, a, child)
	frame(t, c, 2, b)
	// a and child are equally old and a holds the lower index, but a still
	// has a resident child.
	frame(t, c, 3, d)

	if _, ok := c.Lookup(child); ok {
		t.Errorf("%v should have been evicted before its parent", child)
	}
	if _, ok := c.Lookup(a); !ok {
		t.Fatalf("%v evicted while %v was resident", a, child)
	}

	frame(t, c, 4, e)
	if _, ok := c.Lookup(a); ok {
		t.Errorf("%v should be evicted once it has no resident children", a)
	}
}

func TestRequiredNodesAreNeverEvicted(t *testing.T) {
	c, _, _ := newTestCache(t, uniform(2))
	a, b, n := quadtree.Root(0), quadtree.Root(1), quadtree.Root(2)

	c.BeginFrame(1, []quadtree.NodeID{a, b, n})
	for _, x := range []quadtree.NodeID{a, b} {
		if _, err := c.EnsureResident(x); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.EnsureResident(n); !errors.Is(err, ErrNoEvictableSlot) {
		t.Fatalf("EnsureResident() error = %v, want ErrNoEvictableSlot", err)
	}
	if _, ok := c.Lookup(n); ok {
		t.Error("stalled node should not be resident")
	}

	// Once a is no longer required it becomes the victim.
	c.BeginFrame(2, []quadtree.NodeID{b, n})
	if _, err := c.EnsureResident(n); err != nil {
		t.Fatalf("EnsureResident() error = %v", err)
	}
	if _, ok := c.Lookup(a); ok {
		t.Error("a should have been evicted")
	}
}

func TestLayerEvictionRegressesState(t *testing.T) {
	c, q, _ := newTestCache(t, [gpu.NumLayers]int{4, 4, 1, 4, 4})
	a, b := quadtree.Root(0), quadtree.Root(1)

	frame(t, c, 1, a)
	ready(t, c, a, 1)

	c.BeginFrame(2, []quadtree.NodeID{b})
	h, err := c.EnsureResident(b)
	if err != nil {
		t.Fatal(err)
	}
	if !h.Slots[gpu.LayerAlbedo].Valid() {
		t.Fatal("b should have taken a's albedo slot")
	}
	ha, ok := c.Lookup(a)
	if !ok {
		t.Fatal("losing albedo must not release a's heights")
	}
	if ha.State != StateNormalsAndAlbedoPending || ha.Slots[gpu.LayerAlbedo].Valid() {
		t.Errorf("a state = %v albedo = %v", ha.State, ha.Slots[gpu.LayerAlbedo])
	}

	before := len(q.requests)
	c.BeginFrame(3, []quadtree.NodeID{a})
	h, err = c.EnsureResident(a)
	if err != nil {
		t.Fatal(err)
	}
	if h.Ready() || !h.Valid[gpu.LayerHeights] || h.Valid[gpu.LayerAlbedo] {
		t.Errorf("a handle = %+v, want heights valid and albedo pending", h)
	}
	if len(q.requests) != before+1 || q.requests[before] != a {
		t.Error("a should be re-enqueued to regenerate its albedo")
	}
}

func TestStaleGenerationRejected(t *testing.T) {
	c, _, _ := newTestCache(t, uniform(1))
	a, b := quadtree.Root(0), quadtree.Root(1)

	frame(t, c, 1, a)
	ha, _ := c.Lookup(a)
	frame(t, c, 2, b)

	if err := c.MarkReady(a, ha.Generation, 2); err == nil {
		t.Error("MarkReady for an evicted node should fail")
	}
	hb, _ := c.Lookup(b)
	if hb.Generation == ha.Generation {
		t.Error("slot reuse must bump the generation")
	}
	if err := c.MarkGenerated(b, ha.Generation, []gpu.Layer{gpu.LayerHeights}, 2); !errors.Is(err, ErrStale) {
		t.Errorf("MarkGenerated() with old generation error = %v, want ErrStale", err)
	}
}

func TestUnsubmittedFenceDefersReuse(t *testing.T) {
	c, _, fences := newTestCache(t, uniform(1))
	a, b := quadtree.Root(0), quadtree.Root(1)

	frame(t, c, 1, a)
	ready(t, c, a, 7)
	fences.submitted = 6

	c.BeginFrame(2, []quadtree.NodeID{b})
	if _, err := c.EnsureResident(b); !errors.Is(err, ErrNoEvictableSlot) {
		t.Fatalf("error = %v, want ErrNoEvictableSlot while a's writes are in flight", err)
	}

	fences.submitted = 7
	if _, err := c.EnsureResident(b); err != nil {
		t.Fatalf("EnsureResident() after submission error = %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	c, _, _ := newTestCache(t, uniform(4))
	a := quadtree.Root(0)
	frame(t, c, 1, a)
	h, _ := c.Lookup(a)
	ready(t, c, a, 1)

	c.Invalidate()
	for _, l := range gpu.AllLayers() {
		if c.Resident(l) != 0 {
			t.Errorf("%v resident = %d after invalidate", l, c.Resident(l))
		}
	}
	if len(c.Nodes()) != 0 {
		t.Error("Nodes() should be empty")
	}

	frame(t, c, 2, a)
	h2, _ := c.Lookup(a)
	if h2.State != StateHeightPending {
		t.Errorf("state after reallocation = %v", h2.State)
	}
	if h2.Generation == h.Generation {
		t.Error("generation should advance across invalidation")
	}
}
