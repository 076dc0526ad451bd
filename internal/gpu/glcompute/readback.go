package glcompute

import (
	"fmt"

	"github.com/go-gl/gl/v4.3-core/gl"

	"github.com/Faultbox/terra/internal/gpu"
)

// texelFormat maps a gpu.Format to the GL enums for storage, uploads and
// reads.
type texelFormat struct {
	internal   uint32
	upload     uint32
	uploadType uint32
	// read and readType are what ReadPixels is guaranteed to accept for the
	// attachment. R32F is read as RGBA and narrowed.
	read       uint32
	readType   uint32
	components int
}

var formats = map[gpu.Format]texelFormat{
	gpu.FormatR32F: {
		internal: gl.R32F, upload: gl.RED, uploadType: gl.FLOAT,
		read: gl.RGBA, readType: gl.FLOAT, components: 4,
	},
	gpu.FormatRGBA8: {
		internal: gl.RGBA8, upload: gl.RGBA, uploadType: gl.UNSIGNED_BYTE,
		read: gl.RGBA, readType: gl.UNSIGNED_BYTE, components: 4,
	},
	gpu.FormatRGBA32UI: {
		internal: gl.RGBA32UI, upload: gl.RGBA_INTEGER, uploadType: gl.UNSIGNED_INT,
		read: gl.RGBA_INTEGER, readType: gl.UNSIGNED_INT, components: 4,
	},
}

// readLayer reads one slot of a layer array by attaching it to the read
// framebuffer. Rows come back in upload order, so no flip is needed.
func (d *Device) readLayer(desc gpu.LayerDesc, index int) ([]byte, error) {
	f := formats[desc.Format]
	res := int32(desc.Resolution)
	texels := desc.Resolution * desc.Resolution

	// Image stores must be visible to framebuffer reads.
	gl.MemoryBarrier(gl.FRAMEBUFFER_BARRIER_BIT)

	var prevFBO int32
	gl.GetIntegerv(gl.READ_FRAMEBUFFER_BINDING, &prevFBO)
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, d.readFBO)
	defer gl.BindFramebuffer(gl.READ_FRAMEBUFFER, uint32(prevFBO))

	gl.FramebufferTextureLayer(gl.READ_FRAMEBUFFER, gl.COLOR_ATTACHMENT0, d.textures[desc.Layer], 0, int32(index))
	gl.ReadBuffer(gl.COLOR_ATTACHMENT0)
	if status := gl.CheckFramebufferStatus(gl.READ_FRAMEBUFFER); status != gl.FRAMEBUFFER_COMPLETE {
		return nil, fmt.Errorf("glcompute: read framebuffer for %v incomplete: 0x%x", desc.Layer, status)
	}
	gl.PixelStorei(gl.PACK_ALIGNMENT, 1)

	switch desc.Format {
	case gpu.FormatR32F:
		rgba := make([]float32, texels*f.components)
		gl.ReadPixels(0, 0, res, res, f.read, f.readType, gl.Ptr(rgba))
		return gpu.Float32Bytes(narrow(rgba, f.components)), nil
	case gpu.FormatRGBA32UI:
		words := make([]uint32, texels*f.components)
		gl.ReadPixels(0, 0, res, res, f.read, f.readType, gl.Ptr(words))
		return gpu.Uint32Bytes(words), nil
	default:
		out := make([]byte, desc.SlotBytes())
		gl.ReadPixels(0, 0, res, res, f.read, f.readType, gl.Ptr(out))
		return out, nil
	}
}

// narrow keeps the first component of every texel.
func narrow(v []float32, components int) []float32 {
	out := make([]float32, len(v)/components)
	for i := range out {
		out[i] = v[i*components]
	}
	return out
}
