package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	getter "github.com/hashicorp/go-getter"
	"go.uber.org/zap"
)

// Fetcher downloads src into the file dst. Implementations should resume a
// partial dst when the source supports it.
type Fetcher interface {
	Fetch(ctx context.Context, src, dst string) error
}

// GetterFetcher downloads with go-getter, which resumes HTTP transfers from
// the size of an existing partial file and accepts local paths and other
// go-getter source strings. Relative paths resolve against the working
// directory.
type GetterFetcher struct{}

// Fetch implements Fetcher.
func (GetterFetcher) Fetch(ctx context.Context, src, dst string) error {
	pwd, err := os.Getwd()
	if err != nil {
		return err
	}
	client := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Pwd:  pwd,
		Mode: getter.ClientModeFile,
	}
	return client.Get()
}

const (
	rawName     = "raw"
	partialName = "raw.part"
	headerName  = "header.json"
)

// datasetDir returns datasets/<id> under the cache directory.
func (d *Disk) datasetDir(ds Dataset) (string, error) {
	id, err := ds.ID()
	if err != nil {
		return "", err
	}
	return filepath.Join(d.dir, "datasets", id), nil
}

// fetch makes sure the raw file of ds is complete on disk and returns its
// path. It is idempotent and resumes interrupted downloads.
func (d *Disk) fetch(ctx context.Context, ds Dataset) (string, error) {
	dir, err := d.datasetDir(ds)
	if err != nil {
		return "", err
	}
	raw := filepath.Join(dir, rawName)
	if fi, err := os.Stat(raw); err == nil && fi.Size() == ds.Size() {
		d.recordFetch(ds, fi.Size(), true)
		return raw, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating dataset dir: %w", err)
	}
	header, err := ds.Header()
	if err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(dir, headerName), header); err != nil {
		return "", err
	}

	part := filepath.Join(dir, partialName)
	var resumed int64
	if fi, err := os.Stat(part); err == nil {
		resumed = fi.Size()
	}
	d.log.Info("fetching dataset",
		zap.String("dataset", ds.Name),
		zap.String("url", ds.URL),
		zap.Int64("resume_from", resumed))

	fetchErr := d.fetcher.Fetch(ctx, ds.URL, part)
	fi, statErr := os.Stat(part)
	if statErr == nil {
		d.recordFetch(ds, fi.Size(), false)
	}
	if fetchErr != nil {
		if errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, context.DeadlineExceeded) {
			return "", fetchErr
		}
		return "", fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, ds.Name, fetchErr)
	}
	if statErr != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, ds.Name, statErr)
	}
	if fi.Size() != ds.Size() {
		// A truncated or oversized file cannot be resumed safely.
		if fi.Size() > ds.Size() {
			os.Remove(part)
		}
		return "", fmt.Errorf("%w: %s: got %d bytes, want %d", ErrSourceUnavailable, ds.Name, fi.Size(), ds.Size())
	}
	if err := os.Rename(part, raw); err != nil {
		return "", fmt.Errorf("finalising %s: %w", ds.Name, err)
	}
	d.recordFetch(ds, fi.Size(), true)
	d.log.Info("dataset fetched", zap.String("dataset", ds.Name), zap.Int64("bytes", fi.Size()))
	return raw, nil
}

func (d *Disk) recordFetch(ds Dataset, bytes int64, complete bool) {
	p := d.progress.Datasets[ds.Name]
	if p.Bytes == bytes && p.Complete == complete {
		return
	}
	d.progress.Datasets[ds.Name] = DatasetProgress{Bytes: bytes, Complete: complete}
	if err := d.saveProgress(); err != nil {
		d.log.Warn("saving progress failed", zap.Error(err))
	}
}
