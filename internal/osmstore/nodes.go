package osmstore

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/wegman-software/osm2tiles-go/internal/geo"
)

const (
	// Each entry is one packed location
	nodeEntrySize = 8

	// DefaultMaxNodeID bounds the id space of the node store. OSM node ids
	// are roughly monotonic and currently below 10 billion. The backing file
	// is sparse, so address space is cheap and disk is only paid for pages
	// that receive writes.
	DefaultMaxNodeID = 10_000_000_000
)

// NodeStore is a disk-backed map from node id to packed location, stored as
// a memory-mapped sparse file with one 8-byte record per id.
//
// Writes happen during pass 1 only; ids are unique in a PBF extract, so
// concurrent Put calls touch disjoint offsets and need no locking. After
// Seal, concurrent Get calls are lock-free.
type NodeStore struct {
	file  *os.File
	data  mmap.MMap
	path  string
	maxID int64
}

// NewNodeStore creates the backing file at path, sized for ids in [0, maxID).
func NewNodeStore(path string, maxID int64) (*NodeStore, error) {
	if maxID < 1 {
		return nil, fmt.Errorf("node store: max id must be positive, got %d", maxID)
	}
	size := maxID * nodeEntrySize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("node store: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("node store: truncate to %d bytes: %w", size, err)
	}

	data, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("node store: mmap %s: %w", path, err)
	}

	return &NodeStore{file: f, data: data, path: path, maxID: maxID}, nil
}

// Put stores the location for a node id. Out-of-range ids are dropped.
// Calling Put twice for the same id overwrites; other ids are unaffected.
func (s *NodeStore) Put(id int64, loc geo.PackedLocation) {
	if id < 0 || id >= s.maxID {
		return
	}
	binary.LittleEndian.PutUint64(s.data[id*nodeEntrySize:], uint64(loc))
}

// Get returns the stored location, or geo.Missing for any id never put.
func (s *NodeStore) Get(id int64) geo.PackedLocation {
	if id < 0 || id >= s.maxID {
		return geo.Missing
	}
	return geo.PackedLocation(binary.LittleEndian.Uint64(s.data[id*nodeEntrySize:]))
}

// Seal flushes buffered pages to disk. Reads are valid after Seal returns.
func (s *NodeStore) Seal() error {
	if err := s.data.Flush(); err != nil {
		return fmt.Errorf("node store: flush: %w", err)
	}
	return nil
}

// FilePath returns the path of the backing file, for progress reporting.
func (s *NodeStore) FilePath() string {
	return s.path
}

// StorageSize returns the on-disk size of the backing file (allocated blocks
// are what matter for a sparse file, but apparent size is what we report).
func (s *NodeStore) StorageSize() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close unmaps and deletes the backing file.
func (s *NodeStore) Close() error {
	var first error
	if err := s.data.Unmap(); err != nil {
		first = err
	}
	if err := s.file.Close(); err != nil && first == nil {
		first = err
	}
	if err := os.Remove(s.path); err != nil && first == nil {
		first = err
	}
	return first
}
