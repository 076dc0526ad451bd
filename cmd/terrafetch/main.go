// terrafetch is a CLI utility for preparing the terra cache directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"

	"github.com/Faultbox/terra/internal/config"
	"github.com/Faultbox/terra/internal/logger"
	"github.com/Faultbox/terra/internal/store"
)

func main() {
	config.ParseFlags()
	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	if command == "help" || command == "-h" || command == "--help" {
		printUsage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch command {
	case "init":
		err = cmdInit(cfg)
	case "status":
		err = cmdStatus(cfg)
	case "fetch":
		err = withStore(cfg, func(d *store.Disk) error { return d.Fetch(ctx) })
	case "prepare":
		err = withStore(cfg, func(d *store.Disk) error { return d.Prepare(ctx) })
	case "clean":
		err = withStore(cfg, (*store.Disk).Clean)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`terrafetch - terra cache directory utility

Usage:
  terrafetch [flags] <command>

Commands:
  init       Write the effective config to the user config directory
  status     Show download and reprojection progress
  fetch      Download the configured datasets
  prepare    Download and reproject the level-0 base layers of every face
  clean      Remove datasets, base layers and progress

Examples:
  terrafetch -config planet.yaml status
  terrafetch -cache-dir /var/cache/terra prepare`)
}

func withStore(cfg *config.Config, fn func(*store.Disk) error) error {
	d, err := store.Open(cfg.Store())
	if err != nil {
		return err
	}
	if err := fn(d); err != nil {
		return err
	}
	printProgress(d)
	return nil
}

func cmdInit(cfg *config.Config) error {
	path, err := cfg.Save()
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func cmdStatus(cfg *config.Config) error {
	d, err := store.Open(cfg.Store())
	if err != nil {
		return err
	}
	fmt.Printf("Cache:   %s\n", d.Dir())
	printProgress(d)
	return nil
}

func printProgress(d *store.Disk) {
	p := d.Progress()
	fmt.Printf("Phase:   %s\n", p.Phase)
	fmt.Printf("Faces:   %d/%d\n", p.FacesDone(), len(p.Faces))

	if len(p.Datasets) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("Datasets:")
	names := make([]string, 0, len(p.Datasets))
	for name := range p.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ds := p.Datasets[name]
		state := "partial"
		if ds.Complete {
			state = "complete"
		}
		fmt.Printf("  %-12s %10.2f MB  %s\n", name, float64(ds.Bytes)/(1024*1024), state)
	}
}
