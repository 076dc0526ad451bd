package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// json sorts map keys so a header always hashes to the same id.
var json = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// Format is the sample encoding of a raster dataset.
type Format string

// Supported raster formats.
const (
	// FormatF32LE is little-endian float32 elevations.
	FormatF32LE Format = "f32le"
	// FormatI16BE is big-endian int16 elevations as in SRTM .hgt files.
	// -32768 marks a void.
	FormatI16BE Format = "i16be"
	// FormatU8 is interleaved 8-bit bands, typically RGB imagery.
	FormatU8 Format = "u8"
)

func (f Format) sampleBytes() int {
	switch f {
	case FormatF32LE:
		return 4
	case FormatI16BE:
		return 2
	case FormatU8:
		return 1
	}
	return 0
}

// Dataset describes a global equirectangular raster: row 0 is the north
// edge, column 0 is longitude -180.
type Dataset struct {
	Name   string   `json:"name" yaml:"name"`
	URL    string   `json:"url" yaml:"url"`
	Width  int      `json:"width" yaml:"width"`
	Height int      `json:"height" yaml:"height"`
	Format Format   `json:"format" yaml:"format"`
	Bands  int      `json:"bands" yaml:"bands"`
	NoData *float64 `json:"nodata,omitempty" yaml:"nodata,omitempty"`
}

// Validate checks that the descriptor is usable.
func (d Dataset) Validate() error {
	if d.URL == "" {
		return fmt.Errorf("dataset %q: url is required", d.Name)
	}
	if d.Width < 2 || d.Height < 2 {
		return fmt.Errorf("dataset %q: size %dx%d too small", d.Name, d.Width, d.Height)
	}
	if d.Format.sampleBytes() == 0 {
		return fmt.Errorf("dataset %q: unknown format %q", d.Name, d.Format)
	}
	if d.Bands < 1 {
		return fmt.Errorf("dataset %q: needs at least one band", d.Name)
	}
	return nil
}

// Size returns the expected byte length of the raw raster.
func (d Dataset) Size() int64 {
	return int64(d.Width) * int64(d.Height) * int64(d.Bands) * int64(d.Format.sampleBytes())
}

// Header returns the canonical JSON encoding of the descriptor.
func (d Dataset) Header() ([]byte, error) {
	return json.Marshal(d)
}

// ID is the hex sha256 of the header. Changing any field yields a new cache
// directory, so stale downloads are never reused.
func (d Dataset) ID() (string, error) {
	h, err := d.Header()
	if err != nil {
		return "", fmt.Errorf("encoding header: %w", err)
	}
	sum := sha256.Sum256(h)
	return hex.EncodeToString(sum[:]), nil
}
