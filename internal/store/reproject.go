package store

import (
	"math"

	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

// LatLon returns the latitude and longitude in degrees of a unit direction.
// +Y is the north pole and longitude 0 lies along +X, increasing towards +Z.
func LatLon(x, y, z float64) (lat, lon float64) {
	lat = math.Asin(math.Max(-1, math.Min(1, y))) * 180 / math.Pi
	lon = math.Atan2(z, x) * 180 / math.Pi
	return lat, lon
}

// reproject samples a raster over the res x res vertex grid of a face root.
// Vertex (i, j) sits at uniform face parameters spanning [-1, 1] edge to
// edge, matching the vertex layout of generated nodes.
func reproject(face quadtree.Face, res int, sample func(lat, lon float64)) {
	root := quadtree.Root(face)
	u0, v0, u1, v1 := quadtree.NodeRange(root)
	step := 1 / float64(res-1)
	for j := range res {
		v := v0 + (v1-v0)*float64(j)*step
		for i := range res {
			u := u0 + (u1-u0)*float64(i)*step
			dir := quadtree.SpherePoint(face, u, v)
			sample(LatLon(dir.X, dir.Y, dir.Z))
		}
	}
}

// ReprojectHeights returns the level-0 heights of a face in metres.
func ReprojectHeights(r *Raster, face quadtree.Face, res int) []float32 {
	out := make([]float32, 0, res*res)
	reproject(face, res, func(lat, lon float64) {
		out = append(out, float32(r.Sample(lat, lon, 0)))
	})
	return out
}

// ReprojectAlbedo returns the level-0 RGBA8 albedo of a face. Single-band
// imagery is treated as grey.
func ReprojectAlbedo(r *Raster, face quadtree.Face, res int) []byte {
	out := make([]byte, 0, res*res*4)
	reproject(face, res, func(lat, lon float64) {
		for c := range 3 {
			band := c
			if r.Bands < 3 {
				band = 0
			}
			v := math.Round(r.Sample(lat, lon, band))
			out = append(out, byte(math.Max(0, math.Min(255, v))))
		}
		out = append(out, 255)
	})
	return out
}
