package reader

import "github.com/wegman-software/osm2tiles-go/internal/geo"

// assembleRings stitches way segments into closed rings by joining matching
// endpoints, reversing segments (or the partial ring) as needed. Segments
// that cannot be closed are dropped. Returned rings omit the closing vertex.
func assembleRings(segments [][]geo.PackedLocation) (rings [][]geo.PackedLocation, dropped int) {
	pool := make([][]geo.PackedLocation, 0, len(segments))
	for _, seg := range segments {
		if len(seg) >= 2 {
			pool = append(pool, seg)
		} else {
			dropped++
		}
	}

	for len(pool) > 0 {
		ring := append([]geo.PackedLocation(nil), pool[0]...)
		pool = pool[1:]
		reversed := false

		for !ringClosed(ring) {
			i, flip := findExtension(ring, pool)
			if i < 0 {
				// try joining at the other end once
				if reversed {
					break
				}
				reverseLocs(ring)
				reversed = true
				continue
			}
			seg := pool[i]
			pool = append(pool[:i], pool[i+1:]...)
			if flip {
				seg = append([]geo.PackedLocation(nil), seg...)
				reverseLocs(seg)
			}
			ring = append(ring, seg[1:]...)
			reversed = false
		}

		if ringClosed(ring) {
			rings = append(rings, ring[:len(ring)-1])
		} else {
			dropped++
		}
	}
	return rings, dropped
}

// findExtension locates a segment whose first (or, flipped, last) point
// continues the ring's tail.
func findExtension(ring []geo.PackedLocation, pool [][]geo.PackedLocation) (idx int, flip bool) {
	tail := ring[len(ring)-1]
	for i, seg := range pool {
		if seg[0] == tail {
			return i, false
		}
		if seg[len(seg)-1] == tail {
			return i, true
		}
	}
	return -1, false
}

func ringClosed(ring []geo.PackedLocation) bool {
	return len(ring) >= 4 && ring[0] == ring[len(ring)-1]
}

func reverseLocs(locs []geo.PackedLocation) {
	for i, j := 0, len(locs)-1; i < j; i, j = i+1, j-1 {
		locs[i], locs[j] = locs[j], locs[i]
	}
}
