package kernels

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

// RefineHeights fills dst with node's heightmap, derived from its parent's.
//
// Both maps are res x res vertex grids where res-1 is even, so every second
// child texel lands exactly on a parent texel. Heights between parent texels
// come from a bicubic Hermite patch built from the parent heights and their
// central-difference slopes. Slope-modulated detail noise is added on top.
func (k *Kernels) RefineHeights(dst, parent []float32, res int, node quadtree.NodeID) error {
	if node.Level == 0 {
		return fmt.Errorf("refine heights %v: root heights come from source data", node)
	}
	if res < 3 || (res-1)%2 != 0 {
		return fmt.Errorf("refine heights: resolution %d must be odd and at least 3", res)
	}
	if err := checkLen("refine heights dst", len(dst), res*res); err != nil {
		return err
	}
	if err := checkLen("refine heights parent", len(parent), res*res); err != nil {
		return err
	}

	parentSpacing := float32(gpu.NodeSpacing(k.params.Radius, node.Level-1, res))
	spacing := parentSpacing / 2
	qx, qy := node.Quadrant()
	half := (res - 1) / 2
	baseX := float32(int(qx) * half)
	baseY := float32(int(qy) * half)

	for j := 0; j < res; j++ {
		py := baseY + float32(j)/2
		for i := 0; i < res; i++ {
			px := baseX + float32(i)/2
			h, sx, sy := hermite(parent, res, px, py)

			slope := math32.Sqrt(sx*sx+sy*sy) / parentSpacing
			amp := clamp32(slope*float32(k.params.NoiseSlopeGain), float32(k.params.NoiseMin), float32(k.params.NoiseMax))
			gx, gy := globalTexel(node, res, i, j)
			n := float32(k.detail.Noise2D(gx*detailFrequency, gy*detailFrequency))

			dst[j*res+i] = h + n*amp*spacing
		}
	}
	return nil
}

// hermite samples a bicubic Hermite patch of h at fractional texel (px, py).
// It returns the height and the interpolated slopes in height per texel.
func hermite(h []float32, res int, px, py float32) (value, sx, sy float32) {
	ix := clampInt(int(math32.Floor(px)), 0, res-2)
	iy := clampInt(int(math32.Floor(py)), 0, res-2)
	fx := px - float32(ix)
	fy := py - float32(iy)

	at := func(x, y int) float32 {
		return h[clampInt(y, 0, res-1)*res+clampInt(x, 0, res-1)]
	}
	slopeX := func(x, y int) float32 { return (at(x+1, y) - at(x-1, y)) / 2 }
	slopeY := func(x, y int) float32 { return (at(x, y+1) - at(x, y-1)) / 2 }

	h00, h10, h01, h11 := hermiteBasis(fx)
	row := func(y int) (v, dy, dx float32) {
		v = h00*at(ix, y) + h10*slopeX(ix, y) + h01*at(ix+1, y) + h11*slopeX(ix+1, y)
		dy = slopeY(ix, y)*(1-fx) + slopeY(ix+1, y)*fx
		dx = slopeX(ix, y)*(1-fx) + slopeX(ix+1, y)*fx
		return v, dy, dx
	}
	v0, dy0, dx0 := row(iy)
	v1, dy1, dx1 := row(iy + 1)

	g00, g10, g01, g11 := hermiteBasis(fy)
	value = g00*v0 + g10*dy0 + g01*v1 + g11*dy1
	sx = dx0*(1-fy) + dx1*fy
	sy = dy0*(1-fy) + dy1*fy
	return value, sx, sy
}

// hermiteBasis returns the cubic Hermite basis functions at t.
func hermiteBasis(t float32) (h00, h10, h01, h11 float32) {
	t2 := t * t
	t3 := t2 * t
	return 2*t3 - 3*t2 + 1, t3 - 2*t2 + t, -2*t3 + 3*t2, t3 - t2
}
