package gpu

import (
	"encoding/binary"
	"math"
)

// Slot data crosses the host/device boundary as little-endian bytes, the
// layout GL uses for R32F and RGBA32UI texels on every platform we target.

// Float32s decodes R32F texels.
func Float32s(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// Float32Bytes encodes R32F texels.
func Float32Bytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// Uint32s decodes RGBA32UI texels into their component words.
func Uint32s(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

// Uint32Bytes encodes RGBA32UI component words.
func Uint32Bytes(v []uint32) []byte {
	out := make([]byte, len(v)*4)
	for i, w := range v {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}
