package osmstore

import (
	"sync"

	"github.com/wegman-software/osm2tiles-go/internal/geo"
)

const geomShards = 64

// WayGeoms maps a way id to its ordered node locations. Pass-2 workers
// populate it concurrently while processing ways; relation processing reads
// it after the ways-done barrier, so reads never race writes for a live key.
//
// Each way occurs once in a PBF extract, so no two workers put the same key.
type WayGeoms struct {
	shards [geomShards]geomShard
}

type geomShard struct {
	mu sync.Mutex
	m  map[int64][]geo.PackedLocation
}

// NewWayGeoms returns an empty geometry table.
func NewWayGeoms() *WayGeoms {
	g := &WayGeoms{}
	for i := range g.shards {
		g.shards[i].m = make(map[int64][]geo.PackedLocation)
	}
	return g
}

// Put records the ordered locations for a way. The slice is retained; the
// caller must not reuse it.
func (g *WayGeoms) Put(way int64, locs []geo.PackedLocation) {
	sh := &g.shards[hashID(way)%geomShards]
	sh.mu.Lock()
	sh.m[way] = locs
	sh.mu.Unlock()
}

// Get returns the locations recorded for a way in insertion order, nil if
// the way was never materialized.
func (g *WayGeoms) Get(way int64) []geo.PackedLocation {
	sh := &g.shards[hashID(way)%geomShards]
	sh.mu.Lock()
	locs := sh.m[way]
	sh.mu.Unlock()
	return locs
}

// Has reports whether a geometry was recorded for the way.
func (g *WayGeoms) Has(way int64) bool {
	return g.Get(way) != nil
}

// Len returns the number of materialized ways.
func (g *WayGeoms) Len() int {
	n := 0
	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}
