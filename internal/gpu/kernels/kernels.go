// Package kernels is the CPU reference implementation of the terrain compute
// programs. The soft device runs these directly. The GL backend's shaders
// implement the same arithmetic with a hashed gradient noise in place of
// go-perlin, so noisy outputs differ between backends.
package kernels

import (
	"fmt"

	"github.com/aquilax/go-perlin"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

const (
	// Noise is sampled off the integer lattice, where gradient noise is zero.
	detailFrequency = 0.37
	ditherFrequency = 0.11

	// Faces are offset in noise space so they do not repeat each other.
	faceNoiseOffset = 1 << 20
)

// Kernels holds the noise generators and constants for one planet.
type Kernels struct {
	params gpu.Params
	detail *perlin.Perlin
	dither *perlin.Perlin
}

// New creates the kernels for p.
func New(p gpu.Params) *Kernels {
	return &Kernels{
		params: p,
		detail: perlin.NewPerlin(2, 2, 3, p.NoiseSeed),
		dither: perlin.NewPerlin(1.5, 2, 2, p.NoiseSeed+1),
	}
}

// Params returns the generation constants.
func (k *Kernels) Params() gpu.Params {
	return k.params
}

// globalTexel returns the noise-space coordinate of texel (i, j) of node n.
// Texels on shared node edges map to the same coordinate.
func globalTexel(n quadtree.NodeID, res, i, j int) (float64, float64) {
	span := float64(res - 1)
	off := float64(n.Face) * faceNoiseOffset
	return off + float64(n.X)*span + float64(i), float64(n.Y)*span + float64(j)
}

func checkLen(what string, got, want int) error {
	if got != want {
		return fmt.Errorf("%s: got %d texels, want %d", what, got, want)
	}
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// gradient returns the height change per metre along u and v at texel (i, j).
func gradient(h []float32, res, i, j int, spacing float32) (dx, dy float32) {
	i0, i1 := clampInt(i-1, 0, res-1), clampInt(i+1, 0, res-1)
	j0, j1 := clampInt(j-1, 0, res-1), clampInt(j+1, 0, res-1)
	dx = (h[j*res+i1] - h[j*res+i0]) / (float32(i1-i0) * spacing)
	dy = (h[j1*res+i] - h[j0*res+i]) / (float32(j1-j0) * spacing)
	return dx, dy
}
