package wkb

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/wegman-software/osm2tiles-go/internal/geo"
)

func TestPoint(t *testing.T) {
	enc := NewEncoder(64)
	loc := geo.Encode(13.3777, 52.5163)
	b := enc.Point(loc)

	if len(b) != 1+4+16 {
		t.Fatalf("point length = %d, want 21", len(b))
	}
	if b[0] != 1 {
		t.Errorf("byte order marker = %d, want 1 (little endian)", b[0])
	}
	if typ := binary.LittleEndian.Uint32(b[1:5]); typ != wkbPoint {
		t.Errorf("geometry type = %d, want %d", typ, wkbPoint)
	}

	lon, lat := geo.Decode(loc)
	wantX, wantY := geo.Mercator(lon, lat)
	x := math.Float64frombits(binary.LittleEndian.Uint64(b[5:13]))
	y := math.Float64frombits(binary.LittleEndian.Uint64(b[13:21]))
	if math.Abs(x-wantX) > 1e-6 || math.Abs(y-wantY) > 1e-6 {
		t.Errorf("coords = (%v, %v), want (%v, %v)", x, y, wantX, wantY)
	}
}

func TestLineString(t *testing.T) {
	enc := NewEncoder(64)
	b := enc.LineString([]geo.PackedLocation{geo.Encode(0, 0), geo.Encode(1, 1), geo.Encode(2, 0)})

	if typ := binary.LittleEndian.Uint32(b[1:5]); typ != wkbLineString {
		t.Errorf("geometry type = %d, want %d", typ, wkbLineString)
	}
	if n := binary.LittleEndian.Uint32(b[5:9]); n != 3 {
		t.Errorf("point count = %d, want 3", n)
	}
	if len(b) != 1+4+4+3*16 {
		t.Errorf("length = %d", len(b))
	}
}

func TestPolygonClosesRings(t *testing.T) {
	enc := NewEncoder(64)
	ring := []geo.PackedLocation{geo.Encode(0, 0), geo.Encode(1, 0), geo.Encode(1, 1)}
	b := enc.Polygon([][]geo.PackedLocation{ring})

	if typ := binary.LittleEndian.Uint32(b[1:5]); typ != wkbPolygon {
		t.Errorf("geometry type = %d, want %d", typ, wkbPolygon)
	}
	if rings := binary.LittleEndian.Uint32(b[5:9]); rings != 1 {
		t.Errorf("ring count = %d, want 1", rings)
	}
	// 3 vertices plus the closing one
	if n := binary.LittleEndian.Uint32(b[9:13]); n != 4 {
		t.Errorf("vertex count = %d, want 4", n)
	}
	first := b[13 : 13+16]
	last := b[13+3*16 : 13+4*16]
	for i := range first {
		if first[i] != last[i] {
			t.Fatal("ring is not closed")
		}
	}
}

func TestMultiPolygon(t *testing.T) {
	enc := NewEncoder(64)
	rings := [][]geo.PackedLocation{
		{geo.Encode(0, 0), geo.Encode(1, 0), geo.Encode(1, 1)},
		{geo.Encode(5, 5), geo.Encode(6, 5), geo.Encode(6, 6)},
	}
	b := enc.MultiPolygon(rings)

	if typ := binary.LittleEndian.Uint32(b[1:5]); typ != wkbMultiPolygon {
		t.Errorf("geometry type = %d, want %d", typ, wkbMultiPolygon)
	}
	if n := binary.LittleEndian.Uint32(b[5:9]); n != 2 {
		t.Errorf("polygon count = %d, want 2", n)
	}
}
