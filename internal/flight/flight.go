// Package flight scripts the camera that drives the frame loop.
package flight

import (
	gomath "math"

	"github.com/Faultbox/terra/pkg/math"
)

// Path is a descending orbit around the planet centre.
type Path struct {
	// Radius of the planet
	Radius float64

	// Altitude above Radius at the first and last frame. Descent is
	// geometric, so each frame closes the same fraction of the distance.
	StartAltitude float64
	EndAltitude   float64

	// Orbits is how many times the camera circles the planet over the flight.
	Orbits float64
	// Inclination tilts the orbit plane away from the equator (radians).
	Inclination float64

	Frames int
}

// progress maps a frame to [0, 1]. Frames past the end hold the last position.
func (p Path) progress(frame int) float64 {
	if p.Frames <= 1 {
		return 1
	}
	t := float64(frame) / float64(p.Frames-1)
	return gomath.Max(0, gomath.Min(1, t))
}

// Altitude returns the height above the surface at frame.
func (p Path) Altitude(frame int) float64 {
	t := p.progress(frame)
	start := gomath.Max(p.StartAltitude, 1)
	end := gomath.Max(p.EndAltitude, 1)
	return start * gomath.Pow(end/start, t)
}

// Position returns the planet-centred camera position at frame. +Y is north.
func (p Path) Position(frame int) math.Vec3 {
	angle := 2 * gomath.Pi * p.Orbits * p.progress(frame)
	sinA, cosA := gomath.Sincos(angle)
	sinI, cosI := gomath.Sincos(p.Inclination)

	dir := math.Vec3{
		X: cosA,
		Y: sinA * sinI,
		Z: sinA * cosI,
	}
	return dir.Scale(p.Radius + p.Altitude(frame))
}

// Done reports whether frame is past the scripted flight.
func (p Path) Done(frame int) bool {
	return frame >= p.Frames
}
