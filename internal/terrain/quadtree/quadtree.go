// Package quadtree selects the level of detail of a cube-mapped planet.
//
// Each of the six cube faces is the root of a quadtree. Nodes are identified
// by value (NodeID) and all relations are computed from coordinates. The only
// state held by a QuadTree is the per-level subdivision threshold table,
// fixed at construction from the planet radius and the screen-space error
// tolerance.
package quadtree

import (
	"errors"
	"fmt"
	gomath "math"

	"github.com/Faultbox/terra/pkg/math"
)

// Config controls LOD selection.
type Config struct {
	// Radius of the planet in metres.
	Radius float64
	// MaxLevel is the deepest level the selector subdivides to.
	MaxLevel uint8
	// MeshResolution is the number of grid cells along one side of a node's mesh.
	MeshResolution int
	// ViewportHeight in pixels and vertical FieldOfView in radians project
	// geometric error to screen space.
	ViewportHeight int
	FieldOfView    float64
	// MaxScreenSpaceError is the largest allowed on-screen size of one mesh cell, in pixels.
	MaxScreenSpaceError float64
	// MorphStart is the distance/min_distance ratio where morphing towards the
	// parent's geometry begins. Morphing completes at 2, the parent's threshold.
	MorphStart float64
}

// DefaultConfig returns an Earth-sized planet viewed through a 1080p, 60° viewport.
func DefaultConfig() Config {
	return Config{
		Radius:              6371000,
		MaxLevel:            16,
		MeshResolution:      32,
		ViewportHeight:      1080,
		FieldOfView:         gomath.Pi / 3,
		MaxScreenSpaceError: 2,
		MorphStart:          1.5,
	}
}

// Validate checks the configuration for values the selector cannot use.
func (c Config) Validate() error {
	switch {
	case c.Radius <= 0:
		return errors.New("quadtree: radius must be positive")
	case c.MaxLevel > MaxSupportedLevel:
		return fmt.Errorf("quadtree: max level %d exceeds %d", c.MaxLevel, MaxSupportedLevel)
	case c.MeshResolution <= 0:
		return errors.New("quadtree: mesh resolution must be positive")
	case c.ViewportHeight <= 0:
		return errors.New("quadtree: viewport height must be positive")
	case c.FieldOfView <= 0 || c.FieldOfView >= gomath.Pi:
		return errors.New("quadtree: field of view must be in (0, pi)")
	case c.MaxScreenSpaceError <= 0:
		return errors.New("quadtree: max screen-space error must be positive")
	case c.MorphStart < 1 || c.MorphStart >= 2:
		return errors.New("quadtree: morph start must be in [1, 2)")
	}
	return nil
}

// QuadTree holds the per-level thresholds for one planet.
type QuadTree struct {
	cfg         Config
	metresPer   float64
	minDistance []float64
}

// New builds the threshold table for cfg.
func New(cfg Config) (*QuadTree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &QuadTree{
		cfg:         cfg,
		metresPer:   cfg.Radius * gomath.Pi / 4,
		minDistance: make([]float64, int(cfg.MaxLevel)+1),
	}

	// A node whose mesh cells span side/MeshResolution metres must stay farther
	// than this for a cell to cover at most MaxScreenSpaceError pixels.
	pixelsPerRadian := float64(cfg.ViewportHeight) / (2 * gomath.Tan(cfg.FieldOfView/2))
	for level := range t.minDistance {
		side := cfg.Radius * (gomath.Pi / 2) / float64(uint64(1)<<level)
		cell := side / float64(cfg.MeshResolution)
		t.minDistance[level] = cell * pixelsPerRadian / cfg.MaxScreenSpaceError
	}
	return t, nil
}

// Config returns the configuration the tree was built with.
func (t *QuadTree) Config() Config {
	return t.cfg
}

// MaxLevel returns the deepest selectable level.
func (t *QuadTree) MaxLevel() uint8 {
	return t.cfg.MaxLevel
}

// MinDistance returns the subdivision threshold of a level, in metres.
func (t *QuadTree) MinDistance(level uint8) float64 {
	if int(level) >= len(t.minDistance) {
		return t.minDistance[0] / float64(uint64(1)<<level)
	}
	return t.minDistance[level]
}

// CameraPoint converts a planet-centred camera position into the warped cube
// space used by Distance.
func (t *QuadTree) CameraPoint(camera math.Vec3) math.Vec3 {
	return CubeSpace(camera, t.cfg.Radius)
}

// Distance returns the distance in metres between a camera point in warped
// cube space and the node's footprint.
func (t *QuadTree) Distance(n NodeID, cameraPoint math.Vec3) float64 {
	lo, hi := CubeBounds(n)
	return cameraPoint.Distance(cameraPoint.Clamp(lo, hi)) * t.metresPer
}

// Morph returns the blend factor between a node's own geometry (0) and its
// parent's geometry (1). It is continuous in distance: 0 up to
// MorphStart*minDistance and 1 from 2*minDistance, where the parent would
// stop subdividing.
func (t *QuadTree) Morph(distance, minDistance float64) float64 {
	return Morph(distance, minDistance, t.cfg.MorphStart)
}

// Morph is the smooth-threshold blend used by QuadTree.Morph.
func Morph(distance, minDistance, start float64) float64 {
	if minDistance <= 0 {
		return 0
	}
	return math.Smoothstep(start, 2, distance/minDistance)
}
