package gpu

import (
	"testing"

	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

func TestLayerDescs(t *testing.T) {
	descs := LayerDescs(65, 33, [NumLayers]int{8, 7, 6, 5, 4})
	if len(descs) != NumLayers {
		t.Fatalf("len = %d, want %d", len(descs), NumLayers)
	}
	for i, d := range descs {
		if d.Layer != Layer(i) {
			t.Errorf("descs[%d].Layer = %v", i, d.Layer)
		}
	}
	if got := descs[LayerPackedNormals].Resolution; got != 17 {
		t.Errorf("packed resolution = %d, want 17", got)
	}
	if got := descs[LayerHeights].SlotBytes(); got != 65*65*4 {
		t.Errorf("heights slot bytes = %d", got)
	}
	if got := descs[LayerPackedNormals].SlotBytes(); got != 17*17*16 {
		t.Errorf("packed slot bytes = %d", got)
	}
	if descs[LayerDisplacements].Slots != 4 {
		t.Errorf("displacement slots = %d, want 4", descs[LayerDisplacements].Slots)
	}
}

func TestDispatchValidate(t *testing.T) {
	n := quadtree.NodeID{Face: quadtree.FacePosZ, Level: 2, X: 1, Y: 3}
	tests := []struct {
		name    string
		d       Dispatch
		wantErr bool
	}{
		{
			name: "refine",
			d: Dispatch{Kernel: KernelRefineHeights, Node: n,
				Out: SlotRef{LayerHeights, 2}, Parent: SlotRef{LayerHeights, 0}, Heights: NoSlot, Normals: NoSlot},
		},
		{
			name: "refine without parent",
			d: Dispatch{Kernel: KernelRefineHeights, Node: n,
				Out: SlotRef{LayerHeights, 2}, Parent: NoSlot, Heights: NoSlot, Normals: NoSlot},
			wantErr: true,
		},
		{
			name: "albedo at root without parent",
			d: Dispatch{Kernel: KernelAlbedo, Node: quadtree.Root(0),
				Out: SlotRef{LayerAlbedo, 0}, Parent: NoSlot, Heights: SlotRef{LayerHeights, 0}, Normals: NoSlot},
		},
		{
			name: "albedo with wrong parent layer",
			d: Dispatch{Kernel: KernelAlbedo, Node: n,
				Out: SlotRef{LayerAlbedo, 0}, Parent: SlotRef{LayerHeights, 1}, Heights: SlotRef{LayerHeights, 0}, Normals: NoSlot},
			wantErr: true,
		},
		{
			name: "pack output in wrong layer",
			d: Dispatch{Kernel: KernelPackNormals, Node: n,
				Out: SlotRef{LayerNormals, 0}, Parent: NoSlot, Heights: NoSlot, Normals: SlotRef{LayerNormals, 0}},
			wantErr: true,
		},
		{
			name:    "unknown kernel",
			d:       Dispatch{Kernel: 42, Out: SlotRef{LayerHeights, 0}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTexelEncoding(t *testing.T) {
	f := []float32{0, -1.5, 8848.86, 1e-7}
	got := Float32s(Float32Bytes(f))
	for i := range f {
		if got[i] != f[i] {
			t.Errorf("float %d = %v, want %v", i, got[i], f[i])
		}
	}
	b := Float32Bytes([]float32{1})
	if b[3] != 0x3f || b[2] != 0x80 {
		t.Errorf("Float32Bytes(1) = %x, want little-endian 0000803f", b)
	}

	w := []uint32{0xdeadbeef, 7}
	if got := Uint32s(Uint32Bytes(w)); got[0] != w[0] || got[1] != w[1] {
		t.Errorf("Uint32s = %x", got)
	}
}

func TestNodeSpacing(t *testing.T) {
	root := NodeSpacing(1000, 0, 65)
	if got := NodeSpacing(1000, 3, 65); got*8 != root {
		t.Errorf("spacing at level 3 = %v, want %v", got, root/8)
	}
}
