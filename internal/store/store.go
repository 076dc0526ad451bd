// Package store is the on-disk cache behind terrain generation.
//
// It downloads the source datasets, reprojects them onto the six cube faces
// to produce the level-0 base layers, and keeps every base layer that
// generation persists so a restart or device loss resumes instead of
// starting over. Layout under the cache directory:
//
//	progress.json              preparation progress
//	datasets/<id>/header.json  dataset descriptor; id is its sha256
//	datasets/<id>/raw          downloaded raster (raw.part while incomplete)
//	base/<face>/<level>/<x>_<y>.<layer>
//
// All writes go through a temporary file and a rename, so an interrupted
// process never leaves a torn file behind.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Faultbox/terra/internal/gpu"
	"github.com/Faultbox/terra/internal/logger"
	"github.com/Faultbox/terra/internal/terrain/generate"
	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

// ErrSourceUnavailable wraps transient failures to obtain source data. The
// operation is safe to retry.
var ErrSourceUnavailable = errors.New("store: source unavailable")

const progressName = "progress.json"

// Options configure a Disk.
type Options struct {
	Dir     string
	Heights Dataset
	// Imagery is optional; without it root albedo is generated.
	Imagery *Dataset
	// Resolution is the heights layer resolution.
	Resolution int
	// Fetcher defaults to GetterFetcher.
	Fetcher Fetcher
}

// Source is the level-0 data of one face.
type Source struct {
	Face    quadtree.Face
	Heights []float32
	// Albedo is nil when no imagery is configured.
	Albedo []byte
}

// Disk is a directory-backed store. It is not safe for concurrent use.
type Disk struct {
	opts     Options
	dir      string
	fetcher  Fetcher
	progress *Progress
	rasters  map[string]*Raster
	log      *zap.Logger
}

var _ generate.BaseLayers = (*Disk)(nil)

// Open opens or creates the cache directory and loads the progress record.
func Open(opts Options) (*Disk, error) {
	if opts.Dir == "" {
		return nil, errors.New("store: cache directory is required")
	}
	if opts.Resolution < 2 {
		return nil, fmt.Errorf("store: resolution %d too small", opts.Resolution)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	p, err := loadProgress(filepath.Join(opts.Dir, progressName))
	if err != nil {
		return nil, err
	}
	d := &Disk{
		opts:     opts,
		dir:      opts.Dir,
		fetcher:  opts.Fetcher,
		progress: p,
		rasters:  make(map[string]*Raster),
		log:      logger.Named("store"),
	}
	if d.fetcher == nil {
		d.fetcher = GetterFetcher{}
	}
	return d, nil
}

// Dir returns the cache directory.
func (d *Disk) Dir() string {
	return d.dir
}

// Progress returns a copy of the preparation record.
func (d *Disk) Progress() Progress {
	p := *d.progress
	p.Datasets = make(map[string]DatasetProgress, len(d.progress.Datasets))
	for k, v := range d.progress.Datasets {
		p.Datasets[k] = v
	}
	return p
}

func (d *Disk) saveProgress() error {
	return saveProgress(filepath.Join(d.dir, progressName), d.progress)
}

func (d *Disk) setPhase(p Phase) {
	if d.progress.Phase == p {
		return
	}
	d.progress.Phase = p
	if err := d.saveProgress(); err != nil {
		d.log.Warn("saving progress failed", zap.Error(err))
	}
}

func (d *Disk) basePath(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("store: invalid key %q", key)
	}
	return filepath.Join(d.dir, "base", rel), nil
}

// LoadBaseLayer implements generate.BaseLayers. A missing layer is not an
// error.
func (d *Disk) LoadBaseLayer(key string) ([]byte, bool, error) {
	path, err := d.basePath(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, true, nil
}

// StoreBaseLayer implements generate.BaseLayers.
func (d *Disk) StoreBaseLayer(key string, data []byte) error {
	path, err := d.basePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(key), err)
	}
	return writeAtomic(path, data)
}

// FetchSource returns the level-0 data of a face, downloading and
// reprojecting the datasets if needed. Repeated calls return the stored
// result. Failures to download wrap ErrSourceUnavailable.
func (d *Disk) FetchSource(ctx context.Context, face quadtree.Face) (Source, error) {
	if face >= quadtree.NumFaces {
		return Source{}, fmt.Errorf("store: invalid face %d", face)
	}
	if d.progress.Faces[face] {
		src, ok, err := d.loadSource(face)
		if err != nil {
			return Source{}, err
		}
		if ok {
			return src, nil
		}
		d.log.Warn("base layers missing for prepared face, reprojecting", zap.Stringer("face", face))
	}

	heights, err := d.raster(ctx, d.opts.Heights)
	if err != nil {
		return Source{}, err
	}
	var imagery *Raster
	if d.opts.Imagery != nil {
		if imagery, err = d.raster(ctx, *d.opts.Imagery); err != nil {
			return Source{}, err
		}
	}

	d.setPhase(PhaseReprojecting)
	src := Source{Face: face, Heights: ReprojectHeights(heights, face, d.opts.Resolution)}
	if imagery != nil {
		src.Albedo = ReprojectAlbedo(imagery, face, d.opts.Resolution)
	}
	if err := d.storeSource(src); err != nil {
		return Source{}, err
	}

	d.progress.Faces[face] = true
	if d.progress.FacesDone() == quadtree.NumFaces {
		d.progress.Phase = PhaseDone
	}
	if err := d.saveProgress(); err != nil {
		return Source{}, err
	}
	d.log.Info("face reprojected", zap.Stringer("face", face), zap.Int("resolution", d.opts.Resolution))
	return src, nil
}

// Prepare fetches and reprojects every face. It stops at the first error;
// calling it again resumes where it stopped.
func (d *Disk) Prepare(ctx context.Context) error {
	for _, root := range quadtree.Roots() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := d.FetchSource(ctx, root.Face); err != nil {
			return fmt.Errorf("preparing face %v: %w", root.Face, err)
		}
	}
	return nil
}

// Fetch downloads every configured dataset without reprojecting.
func (d *Disk) Fetch(ctx context.Context) error {
	datasets := []Dataset{d.opts.Heights}
	if d.opts.Imagery != nil {
		datasets = append(datasets, *d.opts.Imagery)
	}
	if d.progress.Phase == PhaseNotStarted {
		d.setPhase(PhaseFetching)
	}
	for _, ds := range datasets {
		if _, err := d.fetch(ctx, ds); err != nil {
			return err
		}
	}
	return nil
}

// Clean removes downloaded datasets, base layers and progress.
func (d *Disk) Clean() error {
	for _, name := range []string{"datasets", "base", progressName} {
		if err := os.RemoveAll(filepath.Join(d.dir, name)); err != nil {
			return fmt.Errorf("removing %s: %w", name, err)
		}
	}
	d.progress = newProgress()
	clear(d.rasters)
	return nil
}

func (d *Disk) raster(ctx context.Context, ds Dataset) (*Raster, error) {
	id, err := ds.ID()
	if err != nil {
		return nil, err
	}
	if r, ok := d.rasters[id]; ok {
		return r, nil
	}
	if d.progress.Phase == PhaseNotStarted {
		d.setPhase(PhaseFetching)
	}
	path, err := d.fetch(ctx, ds)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrSourceUnavailable, ds.Name, err)
	}
	r, err := Decode(ds, data)
	if err != nil {
		return nil, err
	}
	d.rasters[id] = r
	return r, nil
}

func (d *Disk) storeSource(src Source) error {
	root := quadtree.Root(src.Face)
	if err := d.StoreBaseLayer(generate.BaseLayerKey(root, gpu.LayerHeights), gpu.Float32Bytes(src.Heights)); err != nil {
		return err
	}
	if src.Albedo != nil {
		return d.StoreBaseLayer(generate.BaseLayerKey(root, gpu.LayerAlbedo), src.Albedo)
	}
	return nil
}

func (d *Disk) loadSource(face quadtree.Face) (Source, bool, error) {
	root := quadtree.Root(face)
	h, ok, err := d.LoadBaseLayer(generate.BaseLayerKey(root, gpu.LayerHeights))
	if err != nil || !ok {
		return Source{}, false, err
	}
	src := Source{Face: face, Heights: gpu.Float32s(h)}
	if d.opts.Imagery != nil {
		a, ok, err := d.LoadBaseLayer(generate.BaseLayerKey(root, gpu.LayerAlbedo))
		if err != nil || !ok {
			return Source{}, false, err
		}
		src.Albedo = a
	}
	return src, true, nil
}

// writeAtomic writes data to a temporary file next to path and renames it
// into place.
func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	return nil
}
