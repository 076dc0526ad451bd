// Package driver runs the frame loop: it flies the scripted camera and
// feeds its position to the terrain pipeline once per frame.
package driver

import (
	"context"
	"errors"
	"fmt"
	gomath "math"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/terra/internal/config"
	"github.com/Faultbox/terra/internal/flight"
	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/logger"
	"github.com/Faultbox/terra/internal/store"
	"github.com/Faultbox/terra/internal/terrain"
)

// maxResets bounds device-loss recovery so a broken driver does not loop forever.
const maxResets = 3

// Stats summarises a run.
type Stats struct {
	Frames    int
	Completed int
	Deferred  int
	Stalls    int
	Resets    int
	// Rendered is the size of the last render list.
	Rendered int
}

// Driver owns the pipeline for one run.
type Driver struct {
	cfg     *config.Config
	store   *store.Disk
	terrain *terrain.Terrain
	path    flight.Path
	log     *zap.Logger
}

// New opens the cache directory and wires the pipeline onto dev. The driver
// takes ownership of dev.
func New(cfg *config.Config, dev gpu.Device) (*Driver, error) {
	st, err := store.Open(cfg.Store())
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	tr, err := terrain.New(cfg.Terrain(), dev, st)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("creating terrain: %w", err)
	}

	return &Driver{
		cfg:     cfg,
		store:   st,
		terrain: tr,
		path: flight.Path{
			Radius:        cfg.Planet.Radius,
			StartAltitude: cfg.Flight.StartAltitude,
			EndAltitude:   cfg.Flight.EndAltitude,
			Orbits:        cfg.Flight.Orbits,
			Inclination:   cfg.Flight.Inclination * gomath.Pi / 180,
			Frames:        cfg.Flight.Frames,
		},
		log: logger.Named("driver"),
	}, nil
}

// Terrain returns the pipeline.
func (d *Driver) Terrain() *terrain.Terrain {
	return d.terrain
}

// Run fetches the level-0 sources and flies the whole path. Device loss is
// recovered with a reset; any other pipeline error ends the run.
func (d *Driver) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	d.log.Info("preparing sources", zap.String("cache", d.store.Dir()))
	if err := d.terrain.Prepare(ctx); err != nil {
		return stats, err
	}

	var tick <-chan time.Time
	if d.cfg.Flight.FrameInterval > 0 {
		ticker := time.NewTicker(d.cfg.Flight.FrameInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	d.log.Info("starting flight", zap.Int("frames", d.path.Frames))
	reportTimer := time.Now()
	for frame := 0; !d.path.Done(frame); frame++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		f, err := d.terrain.Update(ctx, d.path.Position(frame))
		if err != nil {
			if !errors.Is(err, gpu.ErrDeviceLost) || stats.Resets >= maxResets {
				return stats, err
			}
			d.log.Warn("device lost, resetting", zap.Int("frame", frame), zap.Error(err))
			if err := d.terrain.Reset(); err != nil {
				return stats, err
			}
			stats.Resets++
			// Replay the lost frame from the same camera position.
			frame--
			continue
		}

		stats.Frames++
		stats.Completed += len(f.Generation.Completed)
		stats.Deferred += f.Generation.Deferred
		stats.Stalls += f.Stalls
		stats.Rendered = len(f.Nodes)

		if time.Since(reportTimer) >= time.Second {
			d.log.Debug("frame",
				zap.Uint64("number", f.Number),
				zap.Float64("altitude", d.path.Altitude(frame)),
				zap.Int("active", len(f.Selection.Active)),
				zap.Int("rendered", len(f.Nodes)),
				zap.Int("pending", d.terrain.Scheduler().Pending()),
			)
			reportTimer = time.Now()
		}

		if tick != nil {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-tick:
			}
		}
	}

	d.log.Info("flight finished",
		zap.Int("frames", stats.Frames),
		zap.Int("completed", stats.Completed),
		zap.Int("stalls", stats.Stalls),
		zap.Int("resets", stats.Resets),
	)
	return stats, nil
}

// Close releases the device.
func (d *Driver) Close() error {
	return d.terrain.Close()
}
