// Package wkb encodes packed-location geometries as little-endian WKB,
// projected to web mercator.
package wkb

import (
	"encoding/binary"
	"math"

	"github.com/wegman-software/osm2tiles-go/internal/geo"
)

const (
	wkbPoint        = 1
	wkbLineString   = 2
	wkbPolygon      = 3
	wkbMultiPolygon = 6
)

// Encoder builds WKB byte slices. The returned slices are valid until the
// next encoding call on the same encoder; callers that retain them must copy.
// An Encoder is not safe for concurrent use; create one per goroutine.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with an initial buffer capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Point encodes a single location.
func (e *Encoder) Point(loc geo.PackedLocation) []byte {
	e.reset()
	e.header(wkbPoint)
	e.location(loc)
	return e.buf
}

// LineString encodes an ordered polyline.
func (e *Encoder) LineString(locs []geo.PackedLocation) []byte {
	e.reset()
	e.header(wkbLineString)
	e.ring(locs, false)
	return e.buf
}

// Polygon encodes rings as one polygon: the first ring is the shell, the
// rest are holes. Rings are given without the closing vertex; the encoder
// closes them.
func (e *Encoder) Polygon(rings [][]geo.PackedLocation) []byte {
	e.reset()
	e.polygon(rings)
	return e.buf
}

// MultiPolygon encodes each ring as a single-ring polygon of a multipolygon.
func (e *Encoder) MultiPolygon(rings [][]geo.PackedLocation) []byte {
	e.reset()
	e.header(wkbMultiPolygon)
	e.uint32(uint32(len(rings)))
	for _, ring := range rings {
		e.polygon([][]geo.PackedLocation{ring})
	}
	return e.buf
}

func (e *Encoder) polygon(rings [][]geo.PackedLocation) {
	e.header(wkbPolygon)
	e.uint32(uint32(len(rings)))
	for _, ring := range rings {
		e.ring(ring, true)
	}
}

func (e *Encoder) reset() {
	e.buf = e.buf[:0]
}

// header writes the byte-order marker (little endian) and geometry type.
func (e *Encoder) header(geomType uint32) {
	e.buf = append(e.buf, 1)
	e.uint32(geomType)
}

func (e *Encoder) ring(locs []geo.PackedLocation, closed bool) {
	n := uint32(len(locs))
	if closed {
		n++
	}
	e.uint32(n)
	for _, loc := range locs {
		e.location(loc)
	}
	if closed && len(locs) > 0 {
		e.location(locs[0])
	}
}

func (e *Encoder) location(loc geo.PackedLocation) {
	lon, lat := geo.Decode(loc)
	x, y := geo.Mercator(lon, lat)
	e.float64(x)
	e.float64(y)
}

func (e *Encoder) uint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) float64(v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	e.buf = append(e.buf, b[:]...)
}
