// Package terrain drives the per-frame pipeline: LOD selection, cache
// residency, generation and the render list handed to the renderer.
package terrain

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/logger"
	"github.com/Faultbox/terra/internal/store"
	"github.com/Faultbox/terra/internal/terrain/generate"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
	"github.com/Faultbox/terra/internal/terrain/tilecache"
	"github.com/Faultbox/terra/pkg/math"
)

// Store supplies level-0 source data and persists base layers.
// FetchSource must leave the face's level-0 base layers loadable through
// LoadBaseLayer. store.Disk implements it.
type Store interface {
	generate.BaseLayers
	FetchSource(ctx context.Context, face quadtree.Face) (store.Source, error)
}

// Config assembles the pipeline.
type Config struct {
	QuadTree              quadtree.Config
	Generation            generate.Config
	PackedNormalsMinLevel uint8
	// SourceRetryFrames is how many frames pass between attempts to fetch a
	// face whose source was unavailable.
	SourceRetryFrames uint64
}

// DefaultConfig returns defaults matching the default quadtree.
func DefaultConfig() Config {
	return Config{
		QuadTree:              quadtree.DefaultConfig(),
		Generation:            generate.Config{BatchBudget: 16, PersistMaxLevel: 4},
		PackedNormalsMinLevel: 6,
		SourceRetryFrames:     120,
	}
}

// Terrain owns the quadtree, cache and scheduler for one device.
type Terrain struct {
	cfg   Config
	tree  *quadtree.QuadTree
	dev   gpu.Device
	store Store
	cache *tilecache.Cache
	sched *generate.Scheduler

	frame     uint64
	sourced   [quadtree.NumFaces]bool
	nextFetch uint64
	log       *zap.Logger
}

// New wires the pipeline. The device's displacement layer must match the
// quadtree's mesh resolution.
func New(cfg Config, dev gpu.Device, st Store) (*Terrain, error) {
	tree, err := quadtree.New(cfg.QuadTree)
	if err != nil {
		return nil, err
	}
	layers := dev.Layers()
	if len(layers) != gpu.NumLayers {
		return nil, fmt.Errorf("terrain: device has %d layers, want %d", len(layers), gpu.NumLayers)
	}
	heights := layers[gpu.LayerHeights].Resolution
	mesh := layers[gpu.LayerDisplacements].Resolution
	if mesh != cfg.QuadTree.MeshResolution+1 {
		return nil, fmt.Errorf("terrain: displacement resolution %d does not fit mesh resolution %d", mesh, cfg.QuadTree.MeshResolution)
	}
	if heights%2 == 0 || (heights-1)%(mesh-1) != 0 {
		return nil, fmt.Errorf("terrain: heights resolution %d must be odd and a multiple of the mesh plus one", heights)
	}

	cache, err := tilecache.New(tilecache.Config{Layers: layers, PackedNormalsMinLevel: cfg.PackedNormalsMinLevel}, dev)
	if err != nil {
		return nil, err
	}
	sched, err := generate.New(cfg.Generation, dev, cache, st)
	if err != nil {
		return nil, err
	}
	return &Terrain{
		cfg:   cfg,
		tree:  tree,
		dev:   dev,
		store: st,
		cache: cache,
		sched: sched,
		log:   logger.Named("terrain"),
	}, nil
}

// Tree returns the LOD selector.
func (t *Terrain) Tree() *quadtree.QuadTree { return t.tree }

// Cache returns the tile cache.
func (t *Terrain) Cache() *tilecache.Cache { return t.cache }

// Scheduler returns the generation scheduler.
func (t *Terrain) Scheduler() *generate.Scheduler { return t.sched }

// Prepare fetches the level-0 source of every face, blocking until done.
// Unavailable faces are logged and retried by later frames; only
// cancellation is returned.
func (t *Terrain) Prepare(ctx context.Context) error {
	for _, root := range quadtree.Roots() {
		if err := t.fetchSource(ctx, root.Face); err != nil && !errors.Is(err, store.ErrSourceUnavailable) {
			return err
		}
	}
	return nil
}

func (t *Terrain) fetchSource(ctx context.Context, face quadtree.Face) error {
	if t.sourced[face] {
		return nil
	}
	if _, err := t.store.FetchSource(ctx, face); err != nil {
		t.log.Warn("source unavailable", zap.Stringer("face", face), zap.Error(err))
		return err
	}
	t.sourced[face] = true
	return nil
}

// retrySources re-attempts missing faces at most every SourceRetryFrames.
func (t *Terrain) retrySources(ctx context.Context) error {
	if t.frame < t.nextFetch {
		return nil
	}
	for f := range quadtree.Face(quadtree.NumFaces) {
		if t.sourced[f] {
			continue
		}
		t.nextFetch = t.frame + max(t.cfg.SourceRetryFrames, 1)
		if err := t.fetchSource(ctx, f); err != nil && !errors.Is(err, store.ErrSourceUnavailable) {
			return err
		}
	}
	return nil
}

// Frame is the outcome of one Update.
type Frame struct {
	Number    uint64
	Selection *quadtree.Selection
	// Nodes is the render list.
	Nodes      []RenderNode
	Generation generate.Report
	// Stalls counts required nodes that could not get a slot in every layer.
	Stalls int
}

// Update runs one frame for a planet-centred camera position. Slot
// exhaustion and unavailable sources degrade the render list; errors
// wrapping gpu.ErrDeviceLost or generate.ErrDependencyViolation are
// returned and leave the pipeline needing Reset.
func (t *Terrain) Update(ctx context.Context, camera math.Vec3) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.frame++
	sel := t.tree.Select(camera)
	f := &Frame{Number: t.frame, Selection: sel}

	t.cache.BeginFrame(t.frame, sel.Nodes())
	for _, r := range sel.Required {
		// Required is ordered ancestors first, so a missing parent has
		// already stalled this frame.
		if parent, ok := r.Node.Parent(); ok {
			if _, resident := t.cache.Lookup(parent); !resident {
				f.Stalls++
				continue
			}
		}
		if _, err := t.cache.EnsureResident(r.Node); err != nil {
			if !errors.Is(err, tilecache.ErrNoEvictableSlot) {
				return nil, err
			}
			f.Stalls++
			t.log.Debug("slot stall", zap.Stringer("node", r.Node), zap.Error(err))
		}
	}

	if err := t.retrySources(ctx); err != nil {
		return nil, err
	}

	rep, err := t.sched.RunFrame(sel)
	f.Generation = rep
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", t.frame, err)
	}

	f.Nodes = t.renderList(sel)
	return f, nil
}

// Reset recovers from device loss: the device is reset, every slot is
// emptied and pending jobs are dropped. Generation resumes from persisted
// base layers on the next Update.
func (t *Terrain) Reset() error {
	if err := t.dev.Reset(); err != nil {
		return fmt.Errorf("resetting device: %w", err)
	}
	t.cache.Invalidate()
	t.sched.Reset()
	t.log.Info("terrain reset", zap.Uint64("frame", t.frame))
	return nil
}

// Close releases the device.
func (t *Terrain) Close() error {
	return t.dev.Close()
}
