// Package gpu defines the compute device the terrain pipeline generates tiles on.
//
// A device owns one texture array per layer. Each array holds a fixed number
// of slots; the tile cache decides which node occupies which slot and passes
// slot references explicitly into every upload and dispatch. Work is recorded
// between BeginComputeFrame and EndComputeFrame and submitted as one batch on
// a single in-order queue.
package gpu

import (
	"errors"
	"fmt"
	"math"

	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

// ErrDeviceLost is returned once the device context is gone. Every slot's
// contents are undefined until Reset succeeds.
var ErrDeviceLost = errors.New("gpu: device lost")

// Layer identifies one of the per-node texture arrays.
type Layer uint8

// Layers, in the order their stages run.
const (
	LayerHeights Layer = iota
	LayerNormals
	LayerAlbedo
	LayerPackedNormals
	LayerDisplacements
)

// NumLayers is the number of layer arrays.
const NumLayers = 5

var layerNames = [NumLayers]string{"heights", "normals", "albedo", "packed_normals", "displacements"}

func (l Layer) String() string {
	if int(l) < NumLayers {
		return layerNames[l]
	}
	return fmt.Sprintf("layer(%d)", uint8(l))
}

// AllLayers returns every layer in stage order.
func AllLayers() []Layer {
	return []Layer{LayerHeights, LayerNormals, LayerAlbedo, LayerPackedNormals, LayerDisplacements}
}

// Format is a texel format.
type Format uint8

// Texel formats.
const (
	FormatR32F Format = iota
	FormatRGBA8
	FormatRGBA32UI
)

// BytesPerTexel returns the size of one texel.
func (f Format) BytesPerTexel() int {
	switch f {
	case FormatR32F, FormatRGBA8:
		return 4
	case FormatRGBA32UI:
		return 16
	default:
		return 0
	}
}

func (f Format) String() string {
	switch f {
	case FormatR32F:
		return "r32f"
	case FormatRGBA8:
		return "rgba8"
	case FormatRGBA32UI:
		return "rgba32ui"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// LayerDesc describes one texture array.
type LayerDesc struct {
	Layer      Layer
	Resolution int
	Format     Format
	Slots      int
}

// SlotBytes returns the size of one slot's data.
func (d LayerDesc) SlotBytes() int {
	return d.Resolution * d.Resolution * d.Format.BytesPerTexel()
}

// PackedResolution is the packed-normal block grid for a normal map resolution.
func PackedResolution(normals int) int {
	return (normals + 3) / 4
}

// LayerDescs derives the layer arrays from the heights and displacement
// resolutions. Normals and albedo share the heights grid; packed normals
// store one 4x4 block per texel.
func LayerDescs(heights, displacements int, slots [NumLayers]int) []LayerDesc {
	return []LayerDesc{
		{Layer: LayerHeights, Resolution: heights, Format: FormatR32F, Slots: slots[LayerHeights]},
		{Layer: LayerNormals, Resolution: heights, Format: FormatRGBA8, Slots: slots[LayerNormals]},
		{Layer: LayerAlbedo, Resolution: heights, Format: FormatRGBA8, Slots: slots[LayerAlbedo]},
		{Layer: LayerPackedNormals, Resolution: PackedResolution(heights), Format: FormatRGBA32UI, Slots: slots[LayerPackedNormals]},
		{Layer: LayerDisplacements, Resolution: displacements, Format: FormatR32F, Slots: slots[LayerDisplacements]},
	}
}

// SlotRef addresses one slot of one layer array.
type SlotRef struct {
	Layer Layer
	Index int
}

// NoSlot is the zero reference for an absent input.
var NoSlot = SlotRef{Index: -1}

// Valid reports whether r points at a slot.
func (r SlotRef) Valid() bool {
	return r.Index >= 0
}

func (r SlotRef) String() string {
	if !r.Valid() {
		return "none"
	}
	return fmt.Sprintf("%s[%d]", r.Layer, r.Index)
}

// Submission identifies one submitted compute frame. Submissions increase
// monotonically; zero means "never submitted".
type Submission uint64

// Kernel names a compute program.
type Kernel uint8

// Compute kernels.
const (
	KernelRefineHeights Kernel = iota
	KernelNormals
	KernelAlbedo
	KernelPackNormals
	KernelDisplacements
)

var kernelNames = []string{"refine_heights", "normals", "albedo", "pack_normals", "displacements"}

func (k Kernel) String() string {
	if int(k) < len(kernelNames) {
		return kernelNames[k]
	}
	return fmt.Sprintf("kernel(%d)", uint8(k))
}

// Dispatch is one compute pass for one node. Inputs that a kernel does not
// read are NoSlot.
type Dispatch struct {
	Kernel Kernel
	Node   quadtree.NodeID
	Out    SlotRef
	// Parent is the parent's heights for KernelRefineHeights and the
	// parent's albedo for KernelAlbedo (optional at level 0).
	Parent SlotRef
	// Heights is the node's own heightmap for normals, albedo and displacements.
	Heights SlotRef
	// Normals is the node's own normal map for KernelPackNormals.
	Normals SlotRef
}

// NewDispatch returns a dispatch with every input unset.
func NewDispatch(k Kernel, node quadtree.NodeID, out SlotRef) Dispatch {
	return Dispatch{Kernel: k, Node: node, Out: out, Parent: NoSlot, Heights: NoSlot, Normals: NoSlot}
}

// Validate checks that the dispatch names the slots its kernel needs.
func (d Dispatch) Validate() error {
	need := func(r SlotRef, l Layer, what string) error {
		if !r.Valid() {
			return fmt.Errorf("%s %v: missing %s", d.Kernel, d.Node, what)
		}
		if r.Layer != l {
			return fmt.Errorf("%s %v: %s is %v, want layer %v", d.Kernel, d.Node, what, r, l)
		}
		return nil
	}

	var out Layer
	var err error
	switch d.Kernel {
	case KernelRefineHeights:
		out, err = LayerHeights, need(d.Parent, LayerHeights, "parent heights")
	case KernelNormals:
		out, err = LayerNormals, need(d.Heights, LayerHeights, "heights")
	case KernelAlbedo:
		out, err = LayerAlbedo, need(d.Heights, LayerHeights, "heights")
		if err == nil && d.Parent.Valid() {
			err = need(d.Parent, LayerAlbedo, "parent albedo")
		}
	case KernelPackNormals:
		out, err = LayerPackedNormals, need(d.Normals, LayerNormals, "normals")
	case KernelDisplacements:
		out, err = LayerDisplacements, need(d.Heights, LayerHeights, "heights")
	default:
		return fmt.Errorf("unknown kernel %d", d.Kernel)
	}
	if err != nil {
		return err
	}
	return need(d.Out, out, "output")
}

// Params are the generation constants shared by every kernel.
type Params struct {
	// Radius of the planet in metres.
	Radius float64
	// NoiseMin and NoiseMax bound the refinement noise amplitude, in texel spacings.
	NoiseMin float64
	NoiseMax float64
	// NoiseSlopeGain maps local slope to noise amplitude before clamping.
	NoiseSlopeGain float64
	NoiseSeed      int64
	// RockSlope is the slope (rise over run) above which a texel is rock.
	RockSlope float64
	// DitherWidth is the slope range over which noise blurs the rock/grass boundary.
	DitherWidth float64
	// AlbedoRefine is the weight of the new classification against the
	// parent's albedo.
	AlbedoRefine float64
	// Datum is the reference height subtracted for displacements.
	Datum float64
}

// DefaultParams returns Earth-like generation constants.
func DefaultParams() Params {
	return Params{
		Radius:         6371000,
		NoiseMin:       0.001,
		NoiseMax:       0.08,
		NoiseSlopeGain: 0.5,
		NoiseSeed:      1,
		RockSlope:      0.6,
		DitherWidth:    0.2,
		AlbedoRefine:   0.35,
		Datum:          0,
	}
}

// Device is a compute device holding the layer arrays.
type Device interface {
	// Layers returns the array descriptions indexed by Layer.
	Layers() []LayerDesc
	// BeginComputeFrame starts recording a batch of uploads and dispatches.
	BeginComputeFrame() error
	// Upload replaces a slot's contents. len(data) must equal the slot size.
	Upload(ref SlotRef, data []byte) error
	// Dispatch records a compute pass. Passes run in recording order.
	Dispatch(d Dispatch) error
	// EndComputeFrame submits the recorded batch.
	EndComputeFrame() (Submission, error)
	// Submitted reports whether s has been handed to the queue.
	Submitted(s Submission) bool
	// Completed reports whether s has finished executing. It never blocks.
	Completed(s Submission) bool
	// ReadSlot copies a slot's contents back to host memory. The caller must
	// only read slots whose last writing submission has completed.
	ReadSlot(ref SlotRef) ([]byte, error)
	// Reset recreates the device context after a loss. All slots are undefined afterwards.
	Reset() error
	Close() error
}

// NodeSpacing returns the distance in metres between adjacent texels of a
// node's grid, where res texels span the node's edge corner to corner.
func NodeSpacing(radius float64, level uint8, res int) float64 {
	side := radius * (math.Pi / 2) / float64(uint64(1)<<level)
	if res <= 1 {
		return side
	}
	return side / float64(res-1)
}
