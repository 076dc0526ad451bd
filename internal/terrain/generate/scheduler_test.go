package generate

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/gpu/soft"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
	"github.com/Faultbox/terra/internal/terrain/tilecache"
	tmath "github.com/Faultbox/terra/pkg/math"
)

type memBase struct {
	data   map[string][]byte
	stores int
}

func (m *memBase) LoadBaseLayer(key string) ([]byte, bool, error) {
	d, ok := m.data[key]
	return d, ok, nil
}

func (m *memBase) StoreBaseLayer(key string, data []byte) error {
	m.data[key] = data
	m.stores++
	return nil
}

type fixture struct {
	dev   *soft.Device
	cache *tilecache.Cache
	base  *memBase
	sched *Scheduler
	frame uint64
}

const testRes = 9

func newFixture(t *testing.T, cfg Config, slots int) *fixture {
	t.Helper()
	layers := gpu.LayerDescs(testRes, 5, [gpu.NumLayers]int{slots, slots, slots, slots, slots})
	params := gpu.DefaultParams()
	params.NoiseMin, params.NoiseMax = 0, 0

	dev, err := soft.New(layers, params)
	require.NoError(t, err)
	cache, err := tilecache.New(tilecache.Config{Layers: layers, PackedNormalsMinLevel: 2}, dev)
	require.NoError(t, err)

	base := &memBase{data: make(map[string][]byte)}
	for _, r := range quadtree.Roots() {
		base.data[BaseLayerKey(r, gpu.LayerHeights)] = gpu.Float32Bytes(make([]float32, testRes*testRes))
	}
	s, err := New(cfg, dev, cache, base)
	require.NoError(t, err)
	return &fixture{dev: dev, cache: cache, base: base, sched: s}
}

// request starts a frame requiring nodes and makes them resident.
func (f *fixture) request(t *testing.T, nodes ...quadtree.NodeID) {
	t.Helper()
	f.frame++
	f.cache.BeginFrame(f.frame, nodes)
	for _, n := range nodes {
		_, err := f.cache.EnsureResident(n)
		require.NoError(t, err)
	}
}

func (f *fixture) run(t *testing.T) Report {
	t.Helper()
	rep, err := f.sched.RunFrame(nil)
	require.NoError(t, err)
	return rep
}

func (f *fixture) recordsFor(n quadtree.NodeID) []soft.Record {
	var out []soft.Record
	for _, r := range f.dev.Records() {
		if r.Upload && f.ownerOf(r.Dispatch.Out) == n || !r.Upload && r.Dispatch.Node == n {
			out = append(out, r)
		}
	}
	return out
}

func (f *fixture) ownerOf(ref gpu.SlotRef) quadtree.NodeID {
	return f.cache.Slot(ref).Owner
}

func TestRootStageOrder(t *testing.T) {
	f := newFixture(t, Config{BatchBudget: 4, PersistMaxLevel: -1}, 4)
	root := quadtree.Root(quadtree.FacePosZ)
	f.request(t, root)

	rep := f.run(t)
	assert.Equal(t, 1, rep.Batches)
	assert.Equal(t, []quadtree.NodeID{root}, rep.Completed)

	recs := f.recordsFor(root)
	require.Len(t, recs, 4)
	assert.True(t, recs[0].Upload, "root heights come from the source")
	assert.Equal(t, gpu.LayerHeights, recs[0].Dispatch.Out.Layer)

	want := []gpu.Kernel{gpu.KernelNormals, gpu.KernelAlbedo, gpu.KernelDisplacements}
	for i, k := range want {
		r := recs[i+1]
		assert.False(t, r.Upload)
		assert.Equal(t, k, r.Dispatch.Kernel)
		assert.Equal(t, rep.Submission, r.Submission)
	}
	assert.False(t, recs[2].Dispatch.Parent.Valid(), "root albedo has no parent")

	h, ok := f.cache.Lookup(root)
	require.True(t, ok)
	assert.True(t, h.Ready())
	assert.Zero(t, f.sched.Pending())
}

func TestChildWaitsForParent(t *testing.T) {
	f := newFixture(t, Config{BatchBudget: 4, PersistMaxLevel: -1}, 8)
	root := quadtree.Root(quadtree.FaceNegY)
	child := root.Children()[2]
	grandchild := child.Children()[1]

	f.request(t, root, child, grandchild)
	rep := f.run(t)
	assert.Equal(t, []quadtree.NodeID{root}, rep.Completed)
	assert.Equal(t, 2, rep.Deferred)
	assert.Empty(t, f.recordsFor(child))

	job, ok := f.sched.Job(child)
	require.True(t, ok)
	assert.Equal(t, 1, job.Deferred)

	f.request(t, root, child, grandchild)
	rep = f.run(t)
	assert.Equal(t, []quadtree.NodeID{child}, rep.Completed)

	rh, _ := f.cache.Lookup(root)
	recs := f.recordsFor(child)
	require.NotEmpty(t, recs)
	assert.Equal(t, gpu.KernelRefineHeights, recs[0].Dispatch.Kernel)
	assert.Equal(t, rh.Slots[gpu.LayerHeights], recs[0].Dispatch.Parent)
	for _, r := range recs {
		if r.Dispatch.Kernel == gpu.KernelAlbedo {
			assert.Equal(t, rh.Slots[gpu.LayerAlbedo], r.Dispatch.Parent)
		}
	}

	f.request(t, root, child, grandchild)
	rep = f.run(t)
	assert.Equal(t, []quadtree.NodeID{grandchild}, rep.Completed)

	var kernels []gpu.Kernel
	for _, r := range f.recordsFor(grandchild) {
		kernels = append(kernels, r.Dispatch.Kernel)
	}
	assert.Equal(t, []gpu.Kernel{
		gpu.KernelRefineHeights,
		gpu.KernelNormals,
		gpu.KernelAlbedo,
		gpu.KernelPackNormals,
		gpu.KernelDisplacements,
	}, kernels, "level 2 carries packed normals")
}

func TestMissingSourceDefers(t *testing.T) {
	f := newFixture(t, Config{BatchBudget: 4, PersistMaxLevel: -1}, 4)
	root := quadtree.Root(quadtree.FacePosX)
	delete(f.base.data, BaseLayerKey(root, gpu.LayerHeights))

	f.request(t, root)
	rep := f.run(t)
	assert.Zero(t, rep.Batches)
	assert.Equal(t, 1, rep.Deferred)
	assert.Empty(t, f.dev.Records())
	assert.Equal(t, 1, f.sched.Pending())

	f.base.data[BaseLayerKey(root, gpu.LayerHeights)] = gpu.Float32Bytes(make([]float32, testRes*testRes))
	f.request(t, root)
	rep = f.run(t)
	assert.Equal(t, []quadtree.NodeID{root}, rep.Completed)
}

func TestWrongSizedSourceIsIgnored(t *testing.T) {
	f := newFixture(t, Config{BatchBudget: 4, PersistMaxLevel: -1}, 4)
	root := quadtree.Root(quadtree.FacePosX)
	f.base.data[BaseLayerKey(root, gpu.LayerHeights)] = []byte{1, 2, 3}

	f.request(t, root)
	rep := f.run(t)
	assert.Equal(t, 1, rep.Deferred)
	assert.Empty(t, f.dev.Records())
}

func TestBatchBudget(t *testing.T) {
	f := newFixture(t, Config{BatchBudget: 2, PersistMaxLevel: -1}, 8)
	roots := quadtree.Roots()
	f.request(t, roots[:]...)

	rep := f.run(t)
	assert.Equal(t, 2, rep.Batches)
	assert.Equal(t, []quadtree.NodeID{roots[0], roots[1]}, rep.Completed)
	assert.Equal(t, 4, f.sched.Pending())

	for f.sched.Pending() > 0 {
		f.request(t, roots[:]...)
		rep = f.run(t)
		assert.LessOrEqual(t, rep.Batches, 2)
	}
	for _, r := range roots {
		h, _ := f.cache.Lookup(r)
		assert.True(t, h.Ready(), "%v", r)
	}
}

func TestPriorityOrder(t *testing.T) {
	a := quadtree.NodeID{Face: 1, Level: 3}
	b := quadtree.NodeID{Face: 2, Level: 3}
	far := priority{ratio: math.Inf(1), minDist: math.Inf(1)}

	tests := []struct {
		name string
		x, y priority
		want bool
	}{
		{"required first", priority{required: true, ratio: 5}, far, true},
		{"ancestor first", priority{required: true, ancestor: true, ratio: 5}, priority{required: true, ratio: 1}, true},
		{"smaller ratio", priority{required: true, ratio: 0.5}, priority{required: true, ratio: 0.7}, true},
		{"larger ratio", priority{required: true, ratio: 0.9}, priority{required: true, ratio: 0.7}, false},
		{"smaller threshold", priority{required: true, ratio: 1, minDist: 10}, priority{required: true, ratio: 1, minDist: 20}, true},
		{"tie breaks on node", far, far, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, before(tt.x, tt.y, a, b))
		})
	}
}

func TestSelectionPriority(t *testing.T) {
	f := newFixture(t, Config{BatchBudget: 1, PersistMaxLevel: -1}, 8)
	qt, err := quadtree.New(quadtree.DefaultConfig())
	require.NoError(t, err)

	sel := qt.Select(tmath.Vec3{X: qt.Config().Radius * 1.5})
	rep, err := f.sched.RunFrame(sel)
	require.NoError(t, err)
	assert.Zero(t, rep.Batches)

	roots := quadtree.Roots()
	f.request(t, roots[:]...)
	rep, err = f.sched.RunFrame(sel)
	require.NoError(t, err)
	require.Len(t, rep.Completed, 1)
	assert.Equal(t, quadtree.Root(quadtree.FacePosX), rep.Completed[0], "the root under the camera goes first")
}

func TestStaleJobCancelled(t *testing.T) {
	f := newFixture(t, Config{BatchBudget: 4, PersistMaxLevel: -1}, 1)
	a, b := quadtree.Root(0), quadtree.Root(1)

	f.request(t, a)
	f.request(t, b)
	rep := f.run(t)
	assert.Equal(t, 1, rep.Cancelled)
	assert.Equal(t, []quadtree.NodeID{b}, rep.Completed)
	_, ok := f.sched.Job(a)
	assert.False(t, ok)
}

func TestPersistAndReload(t *testing.T) {
	f := newFixture(t, Config{BatchBudget: 4, PersistMaxLevel: 1}, 8)
	root := quadtree.Root(quadtree.FacePosY)
	child := root.Children()[0]

	f.request(t, root, child)
	f.run(t)
	f.request(t, root, child)
	f.run(t)
	f.request(t, root, child)
	f.run(t)

	// Root albedo plus child heights and albedo; source heights are not rewritten.
	assert.Equal(t, 3, f.base.stores)
	for _, key := range []string{
		BaseLayerKey(root, gpu.LayerAlbedo),
		BaseLayerKey(child, gpu.LayerHeights),
		BaseLayerKey(child, gpu.LayerAlbedo),
	} {
		data, ok := f.base.data[key]
		if assert.True(t, ok, key) {
			assert.NotEmpty(t, data)
		}
	}

	// After a reset persisted layers are uploaded instead of recomputed.
	require.NoError(t, f.dev.Reset())
	f.cache.Invalidate()
	f.sched.Reset()
	f.dev.ClearRecords()

	f.request(t, root, child)
	f.run(t)
	f.request(t, root, child)
	f.run(t)

	for _, r := range f.recordsFor(child) {
		if r.Dispatch.Out.Layer == gpu.LayerHeights || r.Dispatch.Out.Layer == gpu.LayerAlbedo {
			assert.True(t, r.Upload, "%v should be reloaded", r.Dispatch.Out.Layer)
		}
	}
	h, _ := f.cache.Lookup(child)
	assert.True(t, h.Ready())
}

func TestPersistWaitsForCompletion(t *testing.T) {
	f := newFixture(t, Config{BatchBudget: 4, PersistMaxLevel: 0}, 4)
	f.dev.SetCompletionLag(1)
	a, b := quadtree.Root(0), quadtree.Root(1)

	f.request(t, a)
	f.run(t)
	f.run(t)
	assert.Zero(t, f.base.stores, "submission 1 has not completed")

	f.request(t, a, b)
	f.run(t)
	f.run(t)
	assert.Equal(t, 1, f.base.stores)
}

func TestDeviceLossPropagates(t *testing.T) {
	f := newFixture(t, Config{BatchBudget: 4, PersistMaxLevel: -1}, 4)
	f.request(t, quadtree.Root(0))
	f.dev.Lose()

	_, err := f.sched.RunFrame(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gpu.ErrDeviceLost))
}

func TestCommitWithoutReadyParentIsFatal(t *testing.T) {
	f := newFixture(t, Config{BatchBudget: 4, PersistMaxLevel: -1}, 4)
	root := quadtree.Root(0)
	child := root.Children()[0]
	f.request(t, root, child)
	h, _ := f.cache.Lookup(child)

	var rep Report
	err := f.sched.commit(batch{
		job:    &Job{Node: child, Generation: h.Generation},
		layers: []gpu.Layer{gpu.LayerHeights},
	}, 1, &rep)
	assert.ErrorIs(t, err, ErrDependencyViolation)
}

func TestNewRejectsZeroBudget(t *testing.T) {
	layers := gpu.LayerDescs(testRes, 5, [gpu.NumLayers]int{1, 1, 1, 1, 1})
	dev, err := soft.New(layers, gpu.DefaultParams())
	require.NoError(t, err)
	cache, err := tilecache.New(tilecache.Config{Layers: layers}, dev)
	require.NoError(t, err)

	_, err = New(Config{}, dev, cache, nil)
	assert.Error(t, err)
}

func TestBaseLayerKey(t *testing.T) {
	n := quadtree.NodeID{Face: quadtree.FaceNegZ, Level: 4, X: 3, Y: 11}
	assert.Equal(t, "5/4/3_11.heights", BaseLayerKey(n, gpu.LayerHeights))
	assert.Equal(t, StageAlbedo, StageOf(gpu.LayerAlbedo))
	assert.Equal(t, gpu.LayerPackedNormals, StagePackNormals.Layer())
}
