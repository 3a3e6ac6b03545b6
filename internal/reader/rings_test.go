package reader

import (
	"reflect"
	"testing"

	"github.com/wegman-software/osm2tiles-go/internal/geo"
)

func locs(ids ...int) []geo.PackedLocation {
	out := make([]geo.PackedLocation, len(ids))
	for i, id := range ids {
		out[i] = geo.PackedLocation(id)
	}
	return out
}

func TestAssembleRingsTwoOpenWays(t *testing.T) {
	rings, dropped := assembleRings([][]geo.PackedLocation{
		locs(1, 2, 3),
		locs(3, 4, 1),
	})
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if len(rings) != 1 {
		t.Fatalf("rings = %d, want 1", len(rings))
	}
	if !reflect.DeepEqual(rings[0], locs(1, 2, 3, 4)) {
		t.Errorf("ring = %v, want [1 2 3 4]", rings[0])
	}
}

func TestAssembleRingsClosedWay(t *testing.T) {
	rings, dropped := assembleRings([][]geo.PackedLocation{locs(1, 2, 3, 1)})
	if dropped != 0 || len(rings) != 1 {
		t.Fatalf("rings = %v, dropped = %d", rings, dropped)
	}
	if !reflect.DeepEqual(rings[0], locs(1, 2, 3)) {
		t.Errorf("ring = %v, want [1 2 3]", rings[0])
	}
}

func TestAssembleRingsReversedSegment(t *testing.T) {
	// the second way runs the wrong direction and must be flipped
	rings, dropped := assembleRings([][]geo.PackedLocation{
		locs(1, 2, 3),
		locs(1, 4, 3),
	})
	if dropped != 0 || len(rings) != 1 {
		t.Fatalf("rings = %v, dropped = %d", rings, dropped)
	}
	if len(rings[0]) != 4 {
		t.Errorf("ring = %v, want 4 vertices", rings[0])
	}
}

func TestAssembleRingsMultipleRings(t *testing.T) {
	rings, dropped := assembleRings([][]geo.PackedLocation{
		locs(1, 2, 3, 1),
		locs(10, 11, 12, 10),
	})
	if dropped != 0 || len(rings) != 2 {
		t.Fatalf("rings = %v, dropped = %d", rings, dropped)
	}
}

func TestAssembleRingsDropsUnclosed(t *testing.T) {
	rings, dropped := assembleRings([][]geo.PackedLocation{
		locs(1, 2, 3), // never closes
		locs(10, 11, 12, 10),
	})
	if len(rings) != 1 {
		t.Fatalf("rings = %v, want the closed one only", rings)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestAssembleRingsDropsShortSegments(t *testing.T) {
	rings, dropped := assembleRings([][]geo.PackedLocation{locs(1)})
	if len(rings) != 0 || dropped != 1 {
		t.Errorf("rings = %v, dropped = %d", rings, dropped)
	}
}
