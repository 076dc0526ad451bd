package config

import "flag"

var (
	flagConfig   = flag.String("config", "", "Path to config file")
	flagDebug    = flag.Bool("debug", false, "Enable debug logging")
	flagCacheDir = flag.String("cache-dir", "", "Cache directory for datasets and base layers")
	flagBackend  = flag.String("backend", "", "Compute backend: gl or soft")
	flagMaxLevel = flag.Int("max-level", -1, "Deepest LOD level")
	flagBudget   = flag.Int("budget", 0, "Generation batches per frame")
	flagMetrics  = flag.String("metrics", "", "Listen address for /metrics")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagCacheDir != "" {
		cfg.Cache.Dir = *flagCacheDir
	}
	if *flagBackend != "" {
		cfg.Device.Backend = *flagBackend
	}
	if *flagMaxLevel >= 0 {
		cfg.Planet.MaxLevel = *flagMaxLevel
	}
	if *flagBudget > 0 {
		cfg.Generation.BatchBudget = *flagBudget
	}
	if *flagMetrics != "" {
		cfg.Metrics.Listen = *flagMetrics
	}
}
