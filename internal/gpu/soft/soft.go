// Package soft is a CPU implementation of gpu.Device.
//
// Dispatches execute synchronously in recording order using the reference
// kernels, which makes the device deterministic. Every upload and dispatch is
// recorded so tests can check stage ordering. Completion can be delayed by a
// fixed number of submissions to exercise fence handling, and device loss can
// be simulated.
package soft

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/gpu/kernels"
	"github.com/Faultbox/terra/internal/logger"
)

// Record is one recorded command.
type Record struct {
	Submission gpu.Submission
	// Upload is set for slot uploads; Dispatch.Kernel is meaningless then.
	Upload   bool
	Dispatch gpu.Dispatch
}

// Device is a CPU compute device.
type Device struct {
	layers  []gpu.LayerDesc
	kernels *kernels.Kernels
	slots   [gpu.NumLayers][][]byte

	recording bool
	submitted gpu.Submission
	lag       uint64
	lost      bool

	records []Record
	log     *zap.Logger
}

var _ gpu.Device = (*Device)(nil)

// New creates a device with the given layer arrays.
func New(layers []gpu.LayerDesc, params gpu.Params) (*Device, error) {
	if len(layers) != gpu.NumLayers {
		return nil, fmt.Errorf("soft: got %d layer descriptions, want %d", len(layers), gpu.NumLayers)
	}
	d := &Device{
		layers:  layers,
		kernels: kernels.New(params),
		log:     logger.Named("gpu.soft"),
	}
	for i, desc := range layers {
		if desc.Layer != gpu.Layer(i) {
			return nil, fmt.Errorf("soft: layer %d described as %v", i, desc.Layer)
		}
		if desc.Slots <= 0 || desc.Resolution <= 0 {
			return nil, fmt.Errorf("soft: layer %v needs slots and resolution", desc.Layer)
		}
	}
	d.allocate()
	return d, nil
}

func (d *Device) allocate() {
	for i, desc := range d.layers {
		d.slots[i] = make([][]byte, desc.Slots)
		for s := range d.slots[i] {
			d.slots[i][s] = make([]byte, desc.SlotBytes())
		}
	}
}

// SetCompletionLag makes a submission report completed only after n later
// submissions have been made.
func (d *Device) SetCompletionLag(n uint64) {
	d.lag = n
}

// Lose simulates a device loss. Every call fails with gpu.ErrDeviceLost until Reset.
func (d *Device) Lose() {
	d.lost = true
	d.recording = false
}

// Records returns every recorded command since the last ClearRecords.
func (d *Device) Records() []Record {
	return d.records
}

// ClearRecords drops the command history.
func (d *Device) ClearRecords() {
	d.records = nil
}

// Layers implements gpu.Device.
func (d *Device) Layers() []gpu.LayerDesc {
	return d.layers
}

// BeginComputeFrame implements gpu.Device.
func (d *Device) BeginComputeFrame() error {
	if d.lost {
		return gpu.ErrDeviceLost
	}
	if d.recording {
		return fmt.Errorf("soft: compute frame already open")
	}
	d.recording = true
	return nil
}

func (d *Device) slot(ref gpu.SlotRef) ([]byte, error) {
	if !ref.Valid() || int(ref.Layer) >= gpu.NumLayers || ref.Index >= len(d.slots[ref.Layer]) {
		return nil, fmt.Errorf("soft: invalid slot %v", ref)
	}
	return d.slots[ref.Layer][ref.Index], nil
}

// Upload implements gpu.Device.
func (d *Device) Upload(ref gpu.SlotRef, data []byte) error {
	if d.lost {
		return gpu.ErrDeviceLost
	}
	if !d.recording {
		return fmt.Errorf("soft: upload outside compute frame")
	}
	dst, err := d.slot(ref)
	if err != nil {
		return err
	}
	if len(data) != len(dst) {
		return fmt.Errorf("soft: upload %v: got %d bytes, want %d", ref, len(data), len(dst))
	}
	copy(dst, data)
	d.records = append(d.records, Record{Submission: d.submitted + 1, Upload: true, Dispatch: gpu.Dispatch{Out: ref}})
	return nil
}

// Dispatch implements gpu.Device.
func (d *Device) Dispatch(dp gpu.Dispatch) error {
	if d.lost {
		return gpu.ErrDeviceLost
	}
	if !d.recording {
		return fmt.Errorf("soft: dispatch outside compute frame")
	}
	if err := dp.Validate(); err != nil {
		return err
	}
	if err := d.run(dp); err != nil {
		return fmt.Errorf("soft: %s %v: %w", dp.Kernel, dp.Node, err)
	}
	d.records = append(d.records, Record{Submission: d.submitted + 1, Dispatch: dp})
	return nil
}

func (d *Device) run(dp gpu.Dispatch) error {
	out, err := d.slot(dp.Out)
	if err != nil {
		return err
	}
	heightsRes := d.layers[gpu.LayerHeights].Resolution

	switch dp.Kernel {
	case gpu.KernelRefineHeights:
		parent, err := d.slot(dp.Parent)
		if err != nil {
			return err
		}
		dst := make([]float32, heightsRes*heightsRes)
		if err := d.kernels.RefineHeights(dst, gpu.Float32s(parent), heightsRes, dp.Node); err != nil {
			return err
		}
		copy(out, gpu.Float32Bytes(dst))

	case gpu.KernelNormals:
		heights, err := d.slot(dp.Heights)
		if err != nil {
			return err
		}
		return d.kernels.Normals(out, gpu.Float32s(heights), heightsRes, dp.Node)

	case gpu.KernelAlbedo:
		heights, err := d.slot(dp.Heights)
		if err != nil {
			return err
		}
		var parent []byte
		if dp.Parent.Valid() {
			if parent, err = d.slot(dp.Parent); err != nil {
				return err
			}
			// Parent and output share a layer array.
			parent = append([]byte(nil), parent...)
		}
		return d.kernels.Albedo(out, gpu.Float32s(heights), parent, heightsRes, dp.Node)

	case gpu.KernelPackNormals:
		normals, err := d.slot(dp.Normals)
		if err != nil {
			return err
		}
		packed := make([]uint32, len(out)/4)
		if err := kernels.PackNormals(packed, normals, d.layers[gpu.LayerNormals].Resolution); err != nil {
			return err
		}
		copy(out, gpu.Uint32Bytes(packed))

	case gpu.KernelDisplacements:
		heights, err := d.slot(dp.Heights)
		if err != nil {
			return err
		}
		meshRes := d.layers[gpu.LayerDisplacements].Resolution
		dst := make([]float32, meshRes*meshRes)
		if err := d.kernels.Displacements(dst, gpu.Float32s(heights), heightsRes, meshRes); err != nil {
			return err
		}
		copy(out, gpu.Float32Bytes(dst))

	default:
		return fmt.Errorf("unknown kernel %d", dp.Kernel)
	}
	return nil
}

// EndComputeFrame implements gpu.Device.
func (d *Device) EndComputeFrame() (gpu.Submission, error) {
	if d.lost {
		return 0, gpu.ErrDeviceLost
	}
	if !d.recording {
		return 0, fmt.Errorf("soft: no compute frame open")
	}
	d.recording = false
	d.submitted++
	return d.submitted, nil
}

// Submitted implements gpu.Device.
func (d *Device) Submitted(s gpu.Submission) bool {
	return s <= d.submitted
}

// Completed implements gpu.Device.
func (d *Device) Completed(s gpu.Submission) bool {
	if d.lost {
		return false
	}
	return uint64(s)+d.lag <= uint64(d.submitted)
}

// ReadSlot implements gpu.Device.
func (d *Device) ReadSlot(ref gpu.SlotRef) ([]byte, error) {
	if d.lost {
		return nil, gpu.ErrDeviceLost
	}
	src, err := d.slot(ref)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), src...), nil
}

// Reset implements gpu.Device. Slot contents are cleared; submission
// numbering continues so stale fences never match new work.
func (d *Device) Reset() error {
	d.lost = false
	d.recording = false
	d.allocate()
	d.log.Info("device reset", zap.Uint64("submission", uint64(d.submitted)))
	return nil
}

// Close implements gpu.Device.
func (d *Device) Close() error {
	for i := range d.slots {
		d.slots[i] = nil
	}
	return nil
}
