// Package config handles terra configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/logger"
	"github.com/Faultbox/terra/internal/store"
	"github.com/Faultbox/terra/internal/terrain"
	"github.com/Faultbox/terra/internal/terrain/generate"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

// Backends accepted by DeviceConfig.Backend.
const (
	BackendGL   = "gl"
	BackendSoft = "soft"
)

// Config holds all settings. Everything is fixed at startup.
type Config struct {
	Planet     PlanetConfig     `yaml:"planet"`
	Cache      CacheConfig      `yaml:"cache"`
	Generation GenerationConfig `yaml:"generation"`
	Data       DataConfig       `yaml:"data"`
	Device     DeviceConfig     `yaml:"device"`
	Flight     FlightConfig     `yaml:"flight"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// PlanetConfig describes the planet and its tiling.
type PlanetConfig struct {
	Radius            float64 `yaml:"radius"`             // metres
	MaxLevel          int     `yaml:"max_level"`          // deepest LOD level
	MeshResolution    int     `yaml:"mesh_resolution"`    // cells per node edge
	HeightsResolution int     `yaml:"heights_resolution"` // heightmap texels per node edge
	Seed              int64   `yaml:"seed"`               // detail noise seed
}

// CacheConfig holds the cache directory and slot counts.
type CacheConfig struct {
	Dir                   string `yaml:"dir"`
	HeightsSlots          int    `yaml:"heights_slots"`
	NormalsSlots          int    `yaml:"normals_slots"`
	AlbedoSlots           int    `yaml:"albedo_slots"`
	PackedNormalsSlots    int    `yaml:"packed_normals_slots"`
	DisplacementsSlots    int    `yaml:"displacements_slots"`
	PackedNormalsMinLevel int    `yaml:"packed_normals_min_level"`
}

// GenerationConfig holds scheduling and kernel settings.
type GenerationConfig struct {
	BatchBudget       int     `yaml:"batch_budget"`
	PersistMaxLevel   int     `yaml:"persist_max_level"`
	SourceRetryFrames int     `yaml:"source_retry_frames"`
	NoiseMin          float64 `yaml:"noise_min"`
	NoiseMax          float64 `yaml:"noise_max"`
}

// DataConfig holds the source datasets.
type DataConfig struct {
	Heights store.Dataset  `yaml:"heights"`
	Imagery *store.Dataset `yaml:"imagery,omitempty"`
}

// DeviceConfig selects the compute backend and the viewport used for LOD.
type DeviceConfig struct {
	Backend             string  `yaml:"backend"`
	ViewportHeight      int     `yaml:"viewport_height"`
	FieldOfView         float64 `yaml:"field_of_view"` // degrees
	MaxScreenSpaceError float64 `yaml:"max_screen_space_error"`
}

// FlightConfig scripts the camera of the frame driver.
type FlightConfig struct {
	Frames        int           `yaml:"frames"`
	StartAltitude float64       `yaml:"start_altitude"` // metres
	EndAltitude   float64       `yaml:"end_altitude"`
	Orbits        float64       `yaml:"orbits"`
	Inclination   float64       `yaml:"inclination"` // degrees
	FrameInterval time.Duration `yaml:"frame_interval"`
}

// MetricsConfig holds the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables /metrics
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Planet: PlanetConfig{
			Radius:            6371000,
			MaxLevel:          16,
			MeshResolution:    32,
			HeightsResolution: 129,
			Seed:              1,
		},
		Cache: CacheConfig{
			Dir:                   "cache",
			HeightsSlots:          512,
			NormalsSlots:          512,
			AlbedoSlots:           512,
			PackedNormalsSlots:    256,
			DisplacementsSlots:    512,
			PackedNormalsMinLevel: 6,
		},
		Generation: GenerationConfig{
			BatchBudget:       16,
			PersistMaxLevel:   4,
			SourceRetryFrames: 120,
			NoiseMin:          0.001,
			NoiseMax:          0.08,
		},
		Data: DataConfig{
			Heights: store.Dataset{
				Name:   "heights",
				URL:    "data/heights.i16be",
				Width:  43200,
				Height: 21600,
				Format: store.FormatI16BE,
				Bands:  1,
			},
		},
		Device: DeviceConfig{
			Backend:             BackendGL,
			ViewportHeight:      1080,
			FieldOfView:         60,
			MaxScreenSpaceError: 2,
		},
		Flight: FlightConfig{
			Frames:        600,
			StartAltitude: 2e7,
			EndAltitude:   500,
			Orbits:        0.25,
			Inclination:   30,
			FrameInterval: 16 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}

// Validate checks the values the pipeline cannot run with.
func (c *Config) Validate() error {
	p := c.Planet
	switch {
	case c.Device.Backend != BackendGL && c.Device.Backend != BackendSoft:
		return fmt.Errorf("config: unknown backend %q", c.Device.Backend)
	case p.MaxLevel < 0 || p.MaxLevel > quadtree.MaxSupportedLevel:
		return fmt.Errorf("config: max_level %d out of range", p.MaxLevel)
	case p.MeshResolution < 1:
		return errors.New("config: mesh_resolution must be positive")
	case p.HeightsResolution < 3:
		return fmt.Errorf("config: heights_resolution %d must be at least 3", p.HeightsResolution)
	case p.HeightsResolution%2 == 0 || (p.HeightsResolution-1)%p.MeshResolution != 0:
		return fmt.Errorf("config: heights_resolution %d must be odd and a multiple of mesh_resolution plus one", p.HeightsResolution)
	case c.Generation.BatchBudget < 1:
		return errors.New("config: batch_budget must be at least 1")
	case c.Generation.NoiseMin < 0 || c.Generation.NoiseMax < c.Generation.NoiseMin:
		return errors.New("config: noise bounds must satisfy 0 <= noise_min <= noise_max")
	case c.Cache.Dir == "":
		return errors.New("config: cache dir is required")
	case c.Cache.PackedNormalsMinLevel < 0 || c.Cache.PackedNormalsMinLevel > math.MaxUint8:
		return errors.New("config: packed_normals_min_level out of range")
	}
	for l, n := range c.slots() {
		if n < 1 {
			return fmt.Errorf("config: %v needs at least one slot", gpu.Layer(l))
		}
	}
	if err := c.Data.Heights.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Data.Imagery != nil {
		if err := c.Data.Imagery.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if _, err := quadtree.New(c.QuadTree()); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c *Config) slots() [gpu.NumLayers]int {
	return [gpu.NumLayers]int{
		gpu.LayerHeights:       c.Cache.HeightsSlots,
		gpu.LayerNormals:       c.Cache.NormalsSlots,
		gpu.LayerAlbedo:        c.Cache.AlbedoSlots,
		gpu.LayerPackedNormals: c.Cache.PackedNormalsSlots,
		gpu.LayerDisplacements: c.Cache.DisplacementsSlots,
	}
}

// Layers returns the layer arrays to allocate on the device.
func (c *Config) Layers() []gpu.LayerDesc {
	return gpu.LayerDescs(c.Planet.HeightsResolution, c.Planet.MeshResolution+1, c.slots())
}

// Params returns the kernel constants.
func (c *Config) Params() gpu.Params {
	p := gpu.DefaultParams()
	p.Radius = c.Planet.Radius
	p.NoiseMin = c.Generation.NoiseMin
	p.NoiseMax = c.Generation.NoiseMax
	p.NoiseSeed = c.Planet.Seed
	return p
}

// QuadTree returns the LOD selector settings.
func (c *Config) QuadTree() quadtree.Config {
	q := quadtree.DefaultConfig()
	q.Radius = c.Planet.Radius
	q.MaxLevel = uint8(c.Planet.MaxLevel)
	q.MeshResolution = c.Planet.MeshResolution
	q.ViewportHeight = c.Device.ViewportHeight
	q.FieldOfView = c.Device.FieldOfView * math.Pi / 180
	q.MaxScreenSpaceError = c.Device.MaxScreenSpaceError
	return q
}

// Terrain returns the pipeline settings.
func (c *Config) Terrain() terrain.Config {
	return terrain.Config{
		QuadTree: c.QuadTree(),
		Generation: generate.Config{
			BatchBudget:     c.Generation.BatchBudget,
			PersistMaxLevel: c.Generation.PersistMaxLevel,
		},
		PackedNormalsMinLevel: uint8(c.Cache.PackedNormalsMinLevel),
		SourceRetryFrames:     uint64(max(c.Generation.SourceRetryFrames, 1)),
	}
}

// Store returns the cache directory settings.
func (c *Config) Store() store.Options {
	return store.Options{
		Dir:        c.Cache.Dir,
		Heights:    c.Data.Heights,
		Imagery:    c.Data.Imagery,
		Resolution: c.Planet.HeightsResolution,
	}
}
