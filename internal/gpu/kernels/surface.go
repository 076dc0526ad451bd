package kernels

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

// Albedo palette, linear RGB.
var (
	rockColor  = [3]float32{0.42, 0.38, 0.35}
	grassColor = [3]float32{0.24, 0.36, 0.14}
)

// Normals fills dst (RGBA8) with tangent-space normals of a res x res
// heightmap: X along the face's u axis, Y up, Z along v.
func (k *Kernels) Normals(dst []byte, heights []float32, res int, node quadtree.NodeID) error {
	if res < 2 {
		return fmt.Errorf("normals: resolution %d too small", res)
	}
	if err := checkLen("normals heights", len(heights), res*res); err != nil {
		return err
	}
	if err := checkLen("normals dst", len(dst)/4, res*res); err != nil {
		return err
	}

	spacing := float32(gpu.NodeSpacing(k.params.Radius, node.Level, res))
	for j := 0; j < res; j++ {
		for i := 0; i < res; i++ {
			dx, dy := gradient(heights, res, i, j, spacing)
			l := math32.Sqrt(dx*dx + 1 + dy*dy)
			o := (j*res + i) * 4
			dst[o] = EncodeUnit(-dx / l)
			dst[o+1] = EncodeUnit(1 / l)
			dst[o+2] = EncodeUnit(-dy / l)
			dst[o+3] = 255
		}
	}
	return nil
}

// Albedo classifies each texel as rock or grass by slope, with a noise
// dither around the boundary. When parent is non-nil the classification only
// refines the parent's albedo instead of replacing it, so coarse colour
// decisions carry down the tree.
func (k *Kernels) Albedo(dst []byte, heights []float32, parent []byte, res int, node quadtree.NodeID) error {
	if res < 3 || (res-1)%2 != 0 {
		return fmt.Errorf("albedo: resolution %d must be odd and at least 3", res)
	}
	if err := checkLen("albedo heights", len(heights), res*res); err != nil {
		return err
	}
	if err := checkLen("albedo dst", len(dst)/4, res*res); err != nil {
		return err
	}
	if parent != nil {
		if node.Level == 0 {
			return fmt.Errorf("albedo %v: root has no parent", node)
		}
		if err := checkLen("albedo parent", len(parent)/4, res*res); err != nil {
			return err
		}
	}

	spacing := float32(gpu.NodeSpacing(k.params.Radius, node.Level, res))
	rock := float32(k.params.RockSlope)
	width := float32(k.params.DitherWidth)
	refine := float32(k.params.AlbedoRefine)

	qx, qy := node.Quadrant()
	half := (res - 1) / 2

	for j := 0; j < res; j++ {
		for i := 0; i < res; i++ {
			dx, dy := gradient(heights, res, i, j, spacing)
			slope := math32.Sqrt(dx*dx + dy*dy)
			gx, gy := globalTexel(node, res, i, j)
			dither := float32(k.dither.Noise2D(gx*ditherFrequency, gy*ditherFrequency)) * width

			c := grassColor
			if slope+dither > rock {
				c = rockColor
			}

			o := (j*res + i) * 4
			if parent != nil {
				p := bilinearRGB(parent, res, float32(int(qx)*half)+float32(i)/2, float32(int(qy)*half)+float32(j)/2)
				for ch := range c {
					c[ch] = p[ch] + (c[ch]-p[ch])*refine
				}
			}
			dst[o] = EncodeColor(c[0])
			dst[o+1] = EncodeColor(c[1])
			dst[o+2] = EncodeColor(c[2])
			dst[o+3] = 255
		}
	}
	return nil
}

func bilinearRGB(img []byte, res int, px, py float32) [3]float32 {
	ix := clampInt(int(math32.Floor(px)), 0, res-2)
	iy := clampInt(int(math32.Floor(py)), 0, res-2)
	fx := px - float32(ix)
	fy := py - float32(iy)

	var out [3]float32
	for ch := 0; ch < 3; ch++ {
		at := func(x, y int) float32 { return float32(img[(y*res+x)*4+ch]) / 255 }
		top := at(ix, iy)*(1-fx) + at(ix+1, iy)*fx
		bottom := at(ix, iy+1)*(1-fx) + at(ix+1, iy+1)*fx
		out[ch] = top*(1-fy) + bottom*fy
	}
	return out
}

// Displacements samples the heightmap at the mesh grid and subtracts the datum.
func (k *Kernels) Displacements(dst, heights []float32, heightsRes, meshRes int) error {
	if meshRes < 2 || (heightsRes-1)%(meshRes-1) != 0 {
		return fmt.Errorf("displacements: mesh resolution %d does not divide heights resolution %d", meshRes, heightsRes)
	}
	if err := checkLen("displacements heights", len(heights), heightsRes*heightsRes); err != nil {
		return err
	}
	if err := checkLen("displacements dst", len(dst), meshRes*meshRes); err != nil {
		return err
	}

	step := (heightsRes - 1) / (meshRes - 1)
	datum := float32(k.params.Datum)
	for j := 0; j < meshRes; j++ {
		for i := 0; i < meshRes; i++ {
			dst[j*meshRes+i] = heights[(j*step)*heightsRes+i*step] - datum
		}
	}
	return nil
}

// EncodeUnit maps [-1, 1] to a byte.
func EncodeUnit(v float32) byte {
	return byte(math32.Floor((clamp32(v, -1, 1)*0.5+0.5)*255 + 0.5))
}

// DecodeUnit is the inverse of EncodeUnit.
func DecodeUnit(b byte) float32 {
	return float32(b)/255*2 - 1
}

// EncodeColor maps [0, 1] to a byte.
func EncodeColor(v float32) byte {
	return byte(math32.Floor(clamp32(v, 0, 1)*255 + 0.5))
}
