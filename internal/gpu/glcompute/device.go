// Package glcompute is an OpenGL 4.3 implementation of gpu.Device.
//
// Each layer is one 2D texture array with a layer per slot. Kernels are
// compute shaders reading and writing slots through image load/store, with
// a memory barrier between passes so they run in recording order. Each
// compute frame ends with a fence that Completed polls without blocking.
//
// GL is single-threaded: every method must be called from the thread that
// created the device.
package glcompute

import (
	"fmt"

	"github.com/go-gl/gl/v4.3-core/gl"
	"go.uber.org/zap"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/logger"
)

type fence struct {
	submission gpu.Submission
	sync       uintptr
}

// Device is a GL compute device.
type Device struct {
	layers []gpu.LayerDesc
	params gpu.Params

	surface  *surface
	textures [gpu.NumLayers]uint32
	programs map[gpu.Kernel]*program
	readFBO  uint32

	recording bool
	submitted gpu.Submission
	completed gpu.Submission
	fences    []fence
	lost      bool

	log *zap.Logger
}

var _ gpu.Device = (*Device)(nil)

// New creates a GL context and allocates the layer arrays.
func New(layers []gpu.LayerDesc, params gpu.Params) (*Device, error) {
	if len(layers) != gpu.NumLayers {
		return nil, fmt.Errorf("glcompute: got %d layer descriptions, want %d", len(layers), gpu.NumLayers)
	}
	for i, desc := range layers {
		if desc.Layer != gpu.Layer(i) {
			return nil, fmt.Errorf("glcompute: layer %d described as %v", i, desc.Layer)
		}
		if desc.Slots <= 0 || desc.Resolution <= 0 {
			return nil, fmt.Errorf("glcompute: layer %v needs slots and resolution", desc.Layer)
		}
		if _, ok := formats[desc.Format]; !ok {
			return nil, fmt.Errorf("glcompute: layer %v has unsupported format %v", desc.Layer, desc.Format)
		}
	}

	d := &Device{
		layers: layers,
		params: params,
		log:    logger.Named("gpu.gl"),
	}
	if err := d.create(); err != nil {
		d.release()
		return nil, err
	}
	return d, nil
}

func (d *Device) create() error {
	s, err := newSurface(d.log)
	if err != nil {
		return err
	}
	d.surface = s

	var maxLayers int32
	gl.GetIntegerv(gl.MAX_ARRAY_TEXTURE_LAYERS, &maxLayers)
	for _, desc := range d.layers {
		if int32(desc.Slots) > maxLayers {
			return fmt.Errorf("glcompute: %v wants %d slots, device allows %d", desc.Layer, desc.Slots, maxLayers)
		}
		f := formats[desc.Format]
		res := int32(desc.Resolution)

		var tex uint32
		gl.GenTextures(1, &tex)
		gl.BindTexture(gl.TEXTURE_2D_ARRAY, tex)
		gl.TexStorage3D(gl.TEXTURE_2D_ARRAY, 1, f.internal, res, res, int32(desc.Slots))
		gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_MIN_FILTER, gl.NEAREST)
		gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_MAG_FILTER, gl.NEAREST)
		d.textures[desc.Layer] = tex
	}
	gl.BindTexture(gl.TEXTURE_2D_ARRAY, 0)

	d.programs = make(map[gpu.Kernel]*program, len(kernelSources))
	for k := range kernelSources {
		p, err := compileProgram(k)
		if err != nil {
			return fmt.Errorf("glcompute: %w", err)
		}
		p.setParams(d.params)
		d.programs[k] = p
	}
	gl.UseProgram(0)

	gl.GenFramebuffers(1, &d.readFBO)

	if err := d.check("allocating layers"); err != nil {
		return err
	}
	d.log.Info("layer arrays allocated", zap.Int("layers", len(d.layers)))
	return nil
}

// release frees every GL object and the context.
func (d *Device) release() {
	for _, f := range d.fences {
		gl.DeleteSync(f.sync)
	}
	d.fences = nil
	for _, p := range d.programs {
		p.destroy()
	}
	d.programs = nil
	for i, tex := range d.textures {
		if tex != 0 {
			gl.DeleteTextures(1, &d.textures[i])
		}
	}
	d.textures = [gpu.NumLayers]uint32{}
	if d.readFBO != 0 {
		gl.DeleteFramebuffers(1, &d.readFBO)
		d.readFBO = 0
	}
	if d.surface != nil {
		d.surface.close()
		d.surface = nil
	}
}

// check turns a pending GL error into a Go error. Out-of-memory leaves the
// context in an undefined state and is reported as device loss.
func (d *Device) check(op string) error {
	switch e := gl.GetError(); e {
	case gl.NO_ERROR:
		return nil
	case gl.OUT_OF_MEMORY:
		d.markLost(op)
		return gpu.ErrDeviceLost
	default:
		return fmt.Errorf("glcompute: %s: gl error 0x%x", op, e)
	}
}

func (d *Device) markLost(op string) {
	if !d.lost {
		d.log.Error("device lost", zap.String("op", op), zap.Uint64("submission", uint64(d.submitted)))
	}
	d.lost = true
	d.recording = false
}

func (d *Device) desc(ref gpu.SlotRef) (gpu.LayerDesc, error) {
	if !ref.Valid() || int(ref.Layer) >= gpu.NumLayers || ref.Index >= d.layers[ref.Layer].Slots {
		return gpu.LayerDesc{}, fmt.Errorf("glcompute: invalid slot %v", ref)
	}
	return d.layers[ref.Layer], nil
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
		return fmt.Errorf("glcompute: compute frame already open")
	}
	d.recording = true
	return nil
}

// Upload implements gpu.Device.
func (d *Device) Upload(ref gpu.SlotRef, data []byte) error {
	if d.lost {
		return gpu.ErrDeviceLost
	}
	if !d.recording {
		return fmt.Errorf("glcompute: upload outside compute frame")
	}
	desc, err := d.desc(ref)
	if err != nil {
		return err
	}
	if len(data) != desc.SlotBytes() {
		return fmt.Errorf("glcompute: upload %v: got %d bytes, want %d", ref, len(data), desc.SlotBytes())
	}

	f := formats[desc.Format]
	res := int32(desc.Resolution)
	// Earlier image stores to the array must land before the copy.
	gl.MemoryBarrier(gl.TEXTURE_UPDATE_BARRIER_BIT)
	gl.BindTexture(gl.TEXTURE_2D_ARRAY, d.textures[ref.Layer])
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	gl.TexSubImage3D(gl.TEXTURE_2D_ARRAY, 0, 0, 0, int32(ref.Index), res, res, 1, f.upload, f.uploadType, gl.Ptr(data))
	gl.BindTexture(gl.TEXTURE_2D_ARRAY, 0)
	return d.check("upload")
}

// Dispatch implements gpu.Device.
func (d *Device) Dispatch(dp gpu.Dispatch) error {
	if d.lost {
		return gpu.ErrDeviceLost
	}
	if !d.recording {
		return fmt.Errorf("glcompute: dispatch outside compute frame")
	}
	if err := dp.Validate(); err != nil {
		return err
	}
	for _, ref := range []gpu.SlotRef{dp.Out, dp.Parent, dp.Heights, dp.Normals} {
		if ref.Valid() {
			if _, err := d.desc(ref); err != nil {
				return err
			}
		}
	}

	p := d.programs[dp.Kernel]
	heightsRes := d.layers[gpu.LayerHeights].Resolution
	gl.UseProgram(p.id)
	p.setInt("u_res", int32(heightsRes))
	gl.Uniform4i(p.uniform("u_node"), int32(dp.Node.Face), int32(dp.Node.Level), int32(dp.Node.X), int32(dp.Node.Y))
	p.setInt("u_out", int32(dp.Out.Index))
	p.setInt("u_parent", int32(dp.Parent.Index))
	p.setInt("u_heights", int32(dp.Heights.Index))
	p.setInt("u_normals", int32(dp.Normals.Index))
	p.setFloat("u_spacing", gpu.NodeSpacing(d.params.Radius, dp.Node.Level, heightsRes))
	if dp.Node.Level > 0 {
		p.setFloat("u_parentSpacing", gpu.NodeSpacing(d.params.Radius, dp.Node.Level-1, heightsRes))
	}

	grid := heightsRes
	switch dp.Kernel {
	case gpu.KernelRefineHeights:
		d.bindImage(0, gpu.LayerHeights, gl.READ_ONLY)
		d.bindImage(1, gpu.LayerHeights, gl.WRITE_ONLY)
	case gpu.KernelNormals:
		d.bindImage(0, gpu.LayerHeights, gl.READ_ONLY)
		d.bindImage(1, gpu.LayerNormals, gl.WRITE_ONLY)
	case gpu.KernelAlbedo:
		d.bindImage(0, gpu.LayerHeights, gl.READ_ONLY)
		d.bindImage(1, gpu.LayerAlbedo, gl.READ_ONLY)
		d.bindImage(2, gpu.LayerAlbedo, gl.WRITE_ONLY)
	case gpu.KernelPackNormals:
		d.bindImage(0, gpu.LayerNormals, gl.READ_ONLY)
		d.bindImage(1, gpu.LayerPackedNormals, gl.WRITE_ONLY)
		grid = d.layers[gpu.LayerPackedNormals].Resolution
	case gpu.KernelDisplacements:
		d.bindImage(0, gpu.LayerHeights, gl.READ_ONLY)
		d.bindImage(1, gpu.LayerDisplacements, gl.WRITE_ONLY)
		grid = d.layers[gpu.LayerDisplacements].Resolution
		p.setInt("u_meshRes", int32(grid))
	}

	gl.DispatchCompute(workGroups(grid), workGroups(grid), 1)
	// The next pass may read what this one wrote.
	gl.MemoryBarrier(gl.SHADER_IMAGE_ACCESS_BARRIER_BIT)
	return d.check(dp.Kernel.String())
}

func (d *Device) bindImage(unit uint32, l gpu.Layer, access uint32) {
	f := formats[d.layers[l].Format]
	gl.BindImageTexture(unit, d.textures[l], 0, true, 0, access, f.internal)
}

// EndComputeFrame implements gpu.Device.
func (d *Device) EndComputeFrame() (gpu.Submission, error) {
	if d.lost {
		return 0, gpu.ErrDeviceLost
	}
	if !d.recording {
		return 0, fmt.Errorf("glcompute: no compute frame open")
	}
	d.recording = false
	gl.UseProgram(0)

	sync := gl.FenceSync(gl.SYNC_GPU_COMMANDS_COMPLETE, 0)
	gl.Flush()
	if err := d.check("submit"); err != nil {
		return 0, err
	}
	d.submitted++
	d.fences = append(d.fences, fence{submission: d.submitted, sync: sync})
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
	d.poll()
	return s <= d.completed
}

// poll retires signalled fences in submission order.
func (d *Device) poll() {
	for len(d.fences) > 0 {
		f := d.fences[0]
		switch gl.ClientWaitSync(f.sync, 0, 0) {
		case gl.ALREADY_SIGNALED, gl.CONDITION_SATISFIED:
			gl.DeleteSync(f.sync)
			d.completed = f.submission
			d.fences = d.fences[1:]
		case gl.WAIT_FAILED:
			d.markLost("fence")
			return
		default:
			return
		}
	}
}

// ReadSlot implements gpu.Device.
func (d *Device) ReadSlot(ref gpu.SlotRef) ([]byte, error) {
	if d.lost {
		return nil, gpu.ErrDeviceLost
	}
	desc, err := d.desc(ref)
	if err != nil {
		return nil, err
	}
	out, err := d.readLayer(desc, ref.Index)
	if err != nil {
		return nil, err
	}
	return out, d.check("read slot")
}

// Reset implements gpu.Device. The context is recreated; slot contents are
// undefined and submission numbering continues so stale fences never match
// new work.
func (d *Device) Reset() error {
	d.release()
	d.lost = false
	d.recording = false
	d.completed = d.submitted
	if err := d.create(); err != nil {
		d.lost = true
		return err
	}
	d.log.Info("device reset", zap.Uint64("submission", uint64(d.submitted)))
	return nil
}

// Close implements gpu.Device.
func (d *Device) Close() error {
	d.release()
	return nil
}
