// Package main is the entry point for the terra tile pipeline. It flies a
// scripted camera over the planet and generates tiles on the chosen device.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Faultbox/terra/internal/config"
	"github.com/Faultbox/terra/internal/driver"
	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/gpu/glcompute"
	"github.com/Faultbox/terra/internal/gpu/soft"
	"github.com/Faultbox/terra/internal/logger"
)

func main() {
	// Parse CLI flags first
	config.ParseFlags()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("=== Terra ===")
	logger.Sugar.Debugf("Config: %+v", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen)
	}

	dev, err := newDevice(cfg)
	if err != nil {
		logger.Error("failed to create device", zap.String("backend", cfg.Device.Backend), zap.Error(err))
		os.Exit(1)
	}

	drv, err := driver.New(cfg, dev)
	if err != nil {
		logger.Error("failed to create driver", zap.Error(err))
		os.Exit(1)
	}
	defer drv.Close()

	stats, err := drv.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run failed", zap.Int("frames", stats.Frames), zap.Error(err))
		os.Exit(1)
	}

	logger.Info("terra closed normally", zap.Int("frames", stats.Frames), zap.Int("completed", stats.Completed))
}

func newDevice(cfg *config.Config) (gpu.Device, error) {
	switch cfg.Device.Backend {
	case config.BackendSoft:
		return soft.New(cfg.Layers(), cfg.Params())
	case config.BackendGL:
		return glcompute.New(cfg.Layers(), cfg.Params())
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Device.Backend)
	}
}

func serveMetrics(ctx context.Context, addr string) {
	var mux http.ServeMux
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: &mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}
