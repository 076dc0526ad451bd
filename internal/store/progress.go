package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Faultbox/terra/internal/terrain/quadtree"
)

// Phase is the preparation step the store last reached.
type Phase string

// Preparation phases, in order.
const (
	PhaseNotStarted   Phase = "not_started"
	PhaseFetching     Phase = "fetching"
	PhaseReprojecting Phase = "reprojecting"
	PhaseDone         Phase = "done"
)

// DatasetProgress tracks one download.
type DatasetProgress struct {
	Bytes    int64 `json:"bytes"`
	Complete bool  `json:"complete"`
}

// Progress is the resumable record of source preparation, persisted as
// progress.json in the cache directory.
type Progress struct {
	Phase    Phase                      `json:"phase"`
	Datasets map[string]DatasetProgress `json:"datasets"`
	// Faces lists the faces whose level-0 base layers have been written.
	Faces [quadtree.NumFaces]bool `json:"faces"`
}

func newProgress() *Progress {
	return &Progress{Phase: PhaseNotStarted, Datasets: make(map[string]DatasetProgress)}
}

// FacesDone returns the number of reprojected faces.
func (p *Progress) FacesDone() int {
	n := 0
	for _, f := range p.Faces {
		if f {
			n++
		}
	}
	return n
}

func loadProgress(path string) (*Progress, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return newProgress(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress: %w", err)
	}
	p := newProgress()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decoding progress %s: %w", filepath.Base(path), err)
	}
	if p.Datasets == nil {
		p.Datasets = make(map[string]DatasetProgress)
	}
	return p, nil
}

func saveProgress(path string, p *Progress) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	return writeAtomic(path, data)
}
