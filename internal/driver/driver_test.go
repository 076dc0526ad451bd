package driver

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/terra/internal/config"
	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/gpu/soft"
	"github.com/Faultbox/terra/internal/store"
)

func serveDEM(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < 16*8; i++ {
		binary.Write(&buf, binary.BigEndian, int16(i%16))
	}
	body := buf.Bytes()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "dem.bin", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/dem.bin"
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Planet = config.PlanetConfig{Radius: 1000, MaxLevel: 3, MeshResolution: 4, HeightsResolution: 9, Seed: 1}
	cfg.Cache.Dir = t.TempDir()
	cfg.Cache.HeightsSlots = 64
	cfg.Cache.NormalsSlots = 64
	cfg.Cache.AlbedoSlots = 64
	cfg.Cache.PackedNormalsSlots = 64
	cfg.Cache.DisplacementsSlots = 64
	cfg.Cache.PackedNormalsMinLevel = 2
	cfg.Generation.BatchBudget = 64
	cfg.Generation.PersistMaxLevel = 1
	cfg.Generation.NoiseMin = 0
	cfg.Generation.NoiseMax = 0
	cfg.Data.Heights = store.Dataset{
		Name:   "dem",
		URL:    serveDEM(t),
		Width:  16,
		Height: 8,
		Format: store.FormatI16BE,
		Bands:  1,
	}
	cfg.Device = config.DeviceConfig{Backend: config.BackendSoft, ViewportHeight: 2, FieldOfView: 90, MaxScreenSpaceError: 1}
	cfg.Flight = config.FlightConfig{Frames: 8, StartAltitude: 3000, EndAltitude: 5}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newDriver(t *testing.T, cfg *config.Config, wrap func(*soft.Device) gpu.Device) *Driver {
	t.Helper()
	dev, err := soft.New(cfg.Layers(), cfg.Params())
	require.NoError(t, err)
	var d gpu.Device = dev
	if wrap != nil {
		d = wrap(dev)
	}
	drv, err := New(cfg, d)
	require.NoError(t, err)
	t.Cleanup(func() { drv.Close() })
	return drv
}

func TestRunFliesWholePath(t *testing.T) {
	cfg := testConfig(t)
	drv := newDriver(t, cfg, nil)

	stats, err := drv.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, stats.Frames)
	assert.Zero(t, stats.Resets)
	assert.Zero(t, stats.Stalls)
	assert.NotZero(t, stats.Completed)
	assert.NotZero(t, stats.Rendered)
}

// lossyDevice loses the device on its nth submission.
type lossyDevice struct {
	*soft.Device
	loseAt int
	ends   int
}

func (d *lossyDevice) EndComputeFrame() (gpu.Submission, error) {
	d.ends++
	if d.ends == d.loseAt {
		d.Lose()
		return 0, gpu.ErrDeviceLost
	}
	return d.Device.EndComputeFrame()
}

func TestRunRecoversFromDeviceLoss(t *testing.T) {
	cfg := testConfig(t)
	drv := newDriver(t, cfg, func(d *soft.Device) gpu.Device {
		return &lossyDevice{Device: d, loseAt: 1}
	})

	stats, err := drv.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resets)
	assert.Equal(t, 8, stats.Frames, "the lost frame is replayed")
	assert.NotZero(t, stats.Rendered)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Flight.Frames = 1 << 20
	cfg.Flight.FrameInterval = 5 * time.Millisecond
	drv := newDriver(t, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stats, err := drv.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotZero(t, stats.Frames)
	assert.Less(t, stats.Frames, cfg.Flight.Frames)
}

func TestNewRejectsMismatchedDevice(t *testing.T) {
	cfg := testConfig(t)
	dev, err := soft.New(gpu.LayerDescs(9, 3, [gpu.NumLayers]int{4, 4, 4, 4, 4}), cfg.Params())
	require.NoError(t, err)
	_, err = New(cfg, dev)
	assert.Error(t, err)
}
