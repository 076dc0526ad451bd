package soft

import (
	"errors"
	"testing"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	params := gpu.DefaultParams()
	params.NoiseMin, params.NoiseMax = 0, 0
	d, err := New(gpu.LayerDescs(9, 5, [gpu.NumLayers]int{4, 4, 4, 4, 4}), params)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func ref(l gpu.Layer, i int) gpu.SlotRef {
	return gpu.SlotRef{Layer: l, Index: i}
}

func TestDispatchChain(t *testing.T) {
	d := newTestDevice(t)
	root := quadtree.Root(quadtree.FacePosX)
	child := root.Children()[3]

	heights := make([]float32, 81)
	for i := range heights {
		heights[i] = float32(i)
	}

	if err := d.BeginComputeFrame(); err != nil {
		t.Fatal(err)
	}
	if err := d.Upload(ref(gpu.LayerHeights, 0), gpu.Float32Bytes(heights)); err != nil {
		t.Fatal(err)
	}
	refine := gpu.NewDispatch(gpu.KernelRefineHeights, child, ref(gpu.LayerHeights, 1))
	refine.Parent = ref(gpu.LayerHeights, 0)
	if err := d.Dispatch(refine); err != nil {
		t.Fatal(err)
	}
	normals := gpu.NewDispatch(gpu.KernelNormals, child, ref(gpu.LayerNormals, 2))
	normals.Heights = ref(gpu.LayerHeights, 1)
	if err := d.Dispatch(normals); err != nil {
		t.Fatal(err)
	}
	pack := gpu.NewDispatch(gpu.KernelPackNormals, child, ref(gpu.LayerPackedNormals, 0))
	pack.Normals = ref(gpu.LayerNormals, 2)
	if err := d.Dispatch(pack); err != nil {
		t.Fatal(err)
	}
	disp := gpu.NewDispatch(gpu.KernelDisplacements, child, ref(gpu.LayerDisplacements, 3))
	disp.Heights = ref(gpu.LayerHeights, 1)
	if err := d.Dispatch(disp); err != nil {
		t.Fatal(err)
	}

	s, err := d.EndComputeFrame()
	if err != nil {
		t.Fatal(err)
	}
	if s != 1 || !d.Submitted(s) || !d.Completed(s) {
		t.Errorf("submission %d: submitted=%v completed=%v", s, d.Submitted(s), d.Completed(s))
	}

	recs := d.Records()
	if len(recs) != 5 || !recs[0].Upload {
		t.Fatalf("records = %+v", recs)
	}
	want := []gpu.Kernel{gpu.KernelRefineHeights, gpu.KernelNormals, gpu.KernelPackNormals, gpu.KernelDisplacements}
	for i, k := range want {
		if recs[i+1].Dispatch.Kernel != k || recs[i+1].Submission != 1 {
			t.Errorf("record %d = %v in %d, want %v", i+1, recs[i+1].Dispatch.Kernel, recs[i+1].Submission, k)
		}
	}

	// Child (1,1) of the root starts at parent texel (4,4).
	out, err := d.ReadSlot(ref(gpu.LayerHeights, 1))
	if err != nil {
		t.Fatal(err)
	}
	if got := gpu.Float32s(out)[0]; got != 40 {
		t.Errorf("refined corner = %v, want parent value 40", got)
	}
	disps, _ := d.ReadSlot(ref(gpu.LayerDisplacements, 3))
	if got, want := gpu.Float32s(disps)[0], gpu.Float32s(out)[0]; got != want {
		t.Errorf("displacement corner = %v, want %v", got, want)
	}
}

func TestFrameDiscipline(t *testing.T) {
	d := newTestDevice(t)
	dp := gpu.NewDispatch(gpu.KernelNormals, quadtree.Root(0), ref(gpu.LayerNormals, 0))
	dp.Heights = ref(gpu.LayerHeights, 0)
	if err := d.Dispatch(dp); err == nil {
		t.Error("dispatch outside a frame should fail")
	}
	if _, err := d.EndComputeFrame(); err == nil {
		t.Error("end without begin should fail")
	}
	if err := d.BeginComputeFrame(); err != nil {
		t.Fatal(err)
	}
	if err := d.BeginComputeFrame(); err == nil {
		t.Error("nested frames should fail")
	}
	if err := d.Upload(ref(gpu.LayerHeights, 0), []byte{1, 2, 3}); err == nil {
		t.Error("short upload should fail")
	}
	if err := d.Upload(ref(gpu.LayerHeights, 9), make([]byte, 81*4)); err == nil {
		t.Error("upload to missing slot should fail")
	}
}

func TestCompletionLag(t *testing.T) {
	d := newTestDevice(t)
	d.SetCompletionLag(2)

	var subs []gpu.Submission
	for range 3 {
		if err := d.BeginComputeFrame(); err != nil {
			t.Fatal(err)
		}
		s, err := d.EndComputeFrame()
		if err != nil {
			t.Fatal(err)
		}
		subs = append(subs, s)
	}
	if !d.Completed(subs[0]) {
		t.Error("first submission should have completed after two more")
	}
	if d.Completed(subs[1]) || d.Completed(subs[2]) {
		t.Error("later submissions should still be in flight")
	}
	if !d.Submitted(subs[2]) || d.Submitted(subs[2]+1) {
		t.Error("Submitted reports the wrong boundary")
	}
}

func TestDeviceLoss(t *testing.T) {
	d := newTestDevice(t)
	if err := d.BeginComputeFrame(); err != nil {
		t.Fatal(err)
	}
	d.Lose()

	if _, err := d.EndComputeFrame(); !errors.Is(err, gpu.ErrDeviceLost) {
		t.Errorf("EndComputeFrame() error = %v, want ErrDeviceLost", err)
	}
	if err := d.BeginComputeFrame(); !errors.Is(err, gpu.ErrDeviceLost) {
		t.Errorf("BeginComputeFrame() error = %v, want ErrDeviceLost", err)
	}
	if _, err := d.ReadSlot(ref(gpu.LayerHeights, 0)); !errors.Is(err, gpu.ErrDeviceLost) {
		t.Errorf("ReadSlot() error = %v, want ErrDeviceLost", err)
	}

	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := d.BeginComputeFrame(); err != nil {
		t.Errorf("BeginComputeFrame() after reset error = %v", err)
	}
}
