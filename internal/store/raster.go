package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

const srtmVoid = -32768

// Raster is a decoded global equirectangular raster. Samples are stored
// band-interleaved, row by row from the north edge.
type Raster struct {
	Width  int
	Height int
	Bands  int
	Values []float32
}

// Decode converts a raw dataset file into a raster. Voids and NoData
// samples become 0.
func Decode(d Dataset, data []byte) (*Raster, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if int64(len(data)) != d.Size() {
		return nil, fmt.Errorf("dataset %q: got %d bytes, want %d", d.Name, len(data), d.Size())
	}

	n := d.Width * d.Height * d.Bands
	r := &Raster{Width: d.Width, Height: d.Height, Bands: d.Bands, Values: make([]float32, n)}
	for i := range n {
		var v float32
		switch d.Format {
		case FormatF32LE:
			v = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
			if math.IsNaN(float64(v)) {
				v = 0
			}
		case FormatI16BE:
			s := int16(binary.BigEndian.Uint16(data[i*2:]))
			if s != srtmVoid {
				v = float32(s)
			}
		case FormatU8:
			v = float32(data[i])
		}
		if d.NoData != nil && float64(v) == *d.NoData {
			v = 0
		}
		r.Values[i] = v
	}
	return r, nil
}

func (r *Raster) at(x, y, band int) float64 {
	return float64(r.Values[(y*r.Width+x)*r.Bands+band])
}

// Sample bilinearly interpolates band at a latitude and longitude in degrees.
// Samples sit at cell centres; longitude wraps around the antimeridian and
// latitude clamps at the poles.
func (r *Raster) Sample(lat, lon float64, band int) float64 {
	x := (lon+180)/360*float64(r.Width) - 0.5
	y := (90-lat)/180*float64(r.Height) - 0.5
	y = math.Max(0, math.Min(y, float64(r.Height-1)))

	fx, fy := math.Floor(x), math.Floor(y)
	tx, ty := x-fx, y-fy

	x0 := wrap(int(fx), r.Width)
	x1 := wrap(int(fx)+1, r.Width)
	y0 := int(fy)
	y1 := min(y0+1, r.Height-1)

	h0 := r.at(x0, y0, band)*(1-tx) + r.at(x1, y0, band)*tx
	h1 := r.at(x0, y1, band)*(1-tx) + r.at(x1, y1, band)*tx
	return h0*(1-ty) + h1*ty
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
