package quadtree

import (
	gomath "math"

	"github.com/Faultbox/terra/pkg/math"
)

// faceFrame holds the outward normal and the two in-plane axes of a face.
// A cube point is N + a*U + b*V with a, b in [-1, 1].
type faceFrame struct {
	N, U, V math.Vec3
}

var faceFrames = [NumFaces]faceFrame{
	FacePosX: {N: math.Vec3{X: 1}, U: math.Vec3{Z: -1}, V: math.Vec3{Y: 1}},
	FaceNegX: {N: math.Vec3{X: -1}, U: math.Vec3{Z: 1}, V: math.Vec3{Y: 1}},
	FacePosY: {N: math.Vec3{Y: 1}, U: math.Vec3{X: 1}, V: math.Vec3{Z: -1}},
	FaceNegY: {N: math.Vec3{Y: -1}, U: math.Vec3{X: 1}, V: math.Vec3{Z: 1}},
	FacePosZ: {N: math.Vec3{Z: 1}, U: math.Vec3{X: 1}, V: math.Vec3{Y: 1}},
	FaceNegZ: {N: math.Vec3{Z: -1}, U: math.Vec3{X: -1}, V: math.Vec3{Y: 1}},
}

// Warp maps a uniform face parameter u in [-1, 1] to a cube-plane coordinate.
// The equi-angular warp spreads texels evenly in angle, which keeps texel area
// on the sphere within ~30% across a face instead of the 5x spread of a plain
// gnomonic cube map.
func Warp(u float64) float64 {
	return gomath.Tan(u * gomath.Pi / 4)
}

// Unwarp is the inverse of Warp.
func Unwarp(a float64) float64 {
	return gomath.Atan(a) * 4 / gomath.Pi
}

// CubePoint returns the point on the unit cube surface for uniform face
// parameters (u, v) in [-1, 1].
func CubePoint(face Face, u, v float64) math.Vec3 {
	f := faceFrames[face]
	return f.N.Add(f.U.Scale(Warp(u))).Add(f.V.Scale(Warp(v)))
}

// SpherePoint returns the unit-sphere direction for uniform face parameters.
func SpherePoint(face Face, u, v float64) math.Vec3 {
	return CubePoint(face, u, v).Normalize()
}

// FaceCoords maps a direction to its face and uniform parameters (u, v).
func FaceCoords(dir math.Vec3) (face Face, u, v float64) {
	ax, ay, az := gomath.Abs(dir.X), gomath.Abs(dir.Y), gomath.Abs(dir.Z)
	switch {
	case ax >= ay && ax >= az:
		face = FacePosX
		if dir.X < 0 {
			face = FaceNegX
		}
	case ay >= az:
		face = FacePosY
		if dir.Y < 0 {
			face = FaceNegY
		}
	default:
		face = FacePosZ
		if dir.Z < 0 {
			face = FaceNegZ
		}
	}

	f := faceFrames[face]
	t := dir.Dot(f.N)
	if t <= 0 {
		return face, 0, 0
	}
	a := dir.Dot(f.U) / t
	b := dir.Dot(f.V) / t
	return face, Unwarp(a), Unwarp(b)
}

// CubeSpace maps a planet-centred position to warped cube space: the cube
// point under the position's direction, scaled by its radial distance in
// planet radii. On the surface this is a point of the unit cube.
func CubeSpace(position math.Vec3, radius float64) math.Vec3 {
	r := position.Length()
	if r == 0 {
		return math.Vec3{}
	}
	face, u, v := FaceCoords(position)
	return CubePoint(face, u, v).Scale(r / radius)
}

// NodeRange returns the uniform face parameter range [u0, u1] x [v0, v1]
// covered by a node.
func NodeRange(n NodeID) (u0, v0, u1, v1 float64) {
	size := float64(uint32(1) << n.Level)
	u0 = -1 + 2*float64(n.X)/size
	v0 = -1 + 2*float64(n.Y)/size
	u1 = -1 + 2*float64(n.X+1)/size
	v1 = -1 + 2*float64(n.Y+1)/size
	return u0, v0, u1, v1
}

// CubeBounds returns the axis-aligned box spanned by a node's footprint in
// warped cube space.
func CubeBounds(n NodeID) (lo, hi math.Vec3) {
	u0, v0, u1, v1 := NodeRange(n)
	corners := [4]math.Vec3{
		CubePoint(n.Face, u0, v0),
		CubePoint(n.Face, u1, v0),
		CubePoint(n.Face, u0, v1),
		CubePoint(n.Face, u1, v1),
	}
	lo, hi = corners[0], corners[0]
	for _, c := range corners[1:] {
		lo = math.Vec3{X: gomath.Min(lo.X, c.X), Y: gomath.Min(lo.Y, c.Y), Z: gomath.Min(lo.Z, c.Z)}
		hi = math.Vec3{X: gomath.Max(hi.X, c.X), Y: gomath.Max(hi.Y, c.Y), Z: gomath.Max(hi.Z, c.Z)}
	}
	return lo, hi
}

// Center returns the unit-sphere direction through the middle of a node.
func Center(n NodeID) math.Vec3 {
	u0, v0, u1, v1 := NodeRange(n)
	return SpherePoint(n.Face, (u0+u1)/2, (v0+v1)/2)
}
