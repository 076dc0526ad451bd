package kernels

import (
	"fmt"

	"github.com/Faultbox/terra/internal/gpu"
)

const (
	blockSize   = 4
	paletteSize = 4
)

// PackNormals compresses an RGBA8 normal map into 4x4 blocks. Each block is
// one RGBA32UI texel: word 0 holds per-block min/max of the X and Z channels,
// words 1 and 2 hold a 2-bit palette index per texel for X and Z. Y is
// reconstructed from X and Z when unpacking. Blocks overhanging the map edge
// repeat the last row and column.
func PackNormals(dst []uint32, normals []byte, res int) error {
	blocks := gpu.PackedResolution(res)
	if err := checkLen("pack normals src", len(normals)/4, res*res); err != nil {
		return err
	}
	if len(dst) != blocks*blocks*4 {
		return fmt.Errorf("pack normals dst: got %d words, want %d", len(dst), blocks*blocks*4)
	}

	var xs, zs [blockSize * blockSize]byte
	for by := 0; by < blocks; by++ {
		for bx := 0; bx < blocks; bx++ {
			for t := 0; t < blockSize*blockSize; t++ {
				x := clampInt(bx*blockSize+t%blockSize, 0, res-1)
				y := clampInt(by*blockSize+t/blockSize, 0, res-1)
				o := (y*res + x) * 4
				xs[t], zs[t] = normals[o], normals[o+2]
			}
			xmin, xmax, xidx := quantize(xs)
			zmin, zmax, zidx := quantize(zs)

			w := (by*blocks + bx) * 4
			dst[w] = uint32(xmin) | uint32(xmax)<<8 | uint32(zmin)<<16 | uint32(zmax)<<24
			dst[w+1] = xidx
			dst[w+2] = zidx
			dst[w+3] = 0
		}
	}
	return nil
}

func quantize(v [blockSize * blockSize]byte) (lo, hi byte, indices uint32) {
	lo, hi = v[0], v[0]
	for _, c := range v[1:] {
		lo = min(lo, c)
		hi = max(hi, c)
	}
	if hi == lo {
		return lo, hi, 0
	}
	span := int(hi) - int(lo)
	for t, c := range v {
		idx := ((int(c)-int(lo))*(paletteSize-1)*2 + span) / (2 * span)
		indices |= uint32(idx) << (2 * t)
	}
	return lo, hi, indices
}

// UnpackNormal returns the quantized X and Z bytes of texel (x, y) from a
// packed normal map built for resolution res.
func UnpackNormal(packed []uint32, res, x, y int) (nx, nz byte) {
	blocks := gpu.PackedResolution(res)
	w := ((y/blockSize)*blocks + x/blockSize) * 4
	t := (y%blockSize)*blockSize + x%blockSize

	header := packed[w]
	nx = paletteValue(byte(header), byte(header>>8), (packed[w+1]>>(2*t))&3)
	nz = paletteValue(byte(header>>16), byte(header>>24), (packed[w+2]>>(2*t))&3)
	return nx, nz
}

func paletteValue(lo, hi byte, idx uint32) byte {
	span := int(hi) - int(lo)
	return byte(int(lo) + (span*int(idx)*2+paletteSize-1)/(2*(paletteSize-1)))
}
