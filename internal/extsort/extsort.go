// Package extsort sorts a stream of (sort key, payload) entries far larger
// than memory. Entries are appended to bounded chunk files as they arrive,
// each chunk is later read back, sorted in place and rewritten by a pool of
// workers, and reading merges all chunks through a min-heap.
package extsort

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osm2tiles-go/internal/topology"
)

// Entry is one sortable record: an i64 key and an opaque payload whose
// meaning belongs to the tile encoder.
type Entry struct {
	SortKey int64
	Payload []byte
}

// fixedEntryOverhead approximates the in-memory footprint of a materialized
// Entry beyond its payload bytes: struct header, key, slice header and
// backing-array bookkeeping.
const fixedEntryOverhead = 64

// Sorter states. Transitions are monotonic: Building → Sorting → Reading.
const (
	stateBuilding = iota
	stateSorting
	stateReading
)

// Config sizes a Sorter.
type Config struct {
	// TempDir is owned by the sorter: recreated on construction, deleted on
	// Close.
	TempDir string
	// Workers is the chunk-sort parallelism.
	Workers int
	// ChunkSizeLimit bounds the accounted in-memory bytes of one chunk.
	ChunkSizeLimit int64
	// MaxHeapBytes is the process memory budget. When set, configurations
	// with Workers×ChunkSizeLimit above half of it are rejected.
	MaxHeapBytes int64
}

// Sorter is the external merge sort. Add is single-producer; Sort and the
// iterator must not overlap with Add. Misuse of the state machine is a
// programmer error and panics.
type Sorter struct {
	dir            string
	workers        int
	chunkSizeLimit int64
	log            *zap.Logger

	chunks  []*chunk
	current *chunk
	state   int32
}

// New validates the configuration, takes ownership of cfg.TempDir and opens
// the first chunk.
func New(cfg Config, log *zap.Logger) (*Sorter, error) {
	if cfg.TempDir == "" {
		return nil, fmt.Errorf("external sort: temp dir is required")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("external sort: workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.ChunkSizeLimit < 1 {
		return nil, fmt.Errorf("external sort: chunk size must be positive, got %d", cfg.ChunkSizeLimit)
	}
	if cfg.MaxHeapBytes > 0 && cfg.ChunkSizeLimit*int64(cfg.Workers) > cfg.MaxHeapBytes/2 {
		return nil, fmt.Errorf("external sort: %d workers × %d byte chunks exceeds half of the %d byte memory budget",
			cfg.Workers, cfg.ChunkSizeLimit, cfg.MaxHeapBytes)
	}

	if err := os.RemoveAll(cfg.TempDir); err != nil {
		return nil, fmt.Errorf("external sort: clear temp dir: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("external sort: create temp dir: %w", err)
	}

	s := &Sorter{
		dir:            cfg.TempDir,
		workers:        cfg.Workers,
		chunkSizeLimit: cfg.ChunkSizeLimit,
		log:            log,
	}
	if err := s.newChunk(); err != nil {
		return nil, err
	}
	log.Info("External merge sort ready",
		zap.String("temp_dir", s.dir),
		zap.Int64("chunk_size", s.chunkSizeLimit),
		zap.Int("workers", s.workers))
	return s, nil
}

// Add appends an entry to the current chunk, then rolls over to a new chunk
// once the current chunk's accounted in-memory size exceeds the limit.
func (s *Sorter) Add(e Entry) error {
	if atomic.LoadInt32(&s.state) != stateBuilding {
		panic("external sort: add after sort")
	}
	if err := s.current.add(e); err != nil {
		return err
	}
	if s.current.bytesInMemory > s.chunkSizeLimit {
		return s.newChunk()
	}
	return nil
}

// NumChunks returns the number of chunks opened so far, including the
// current one.
func (s *Sorter) NumChunks() int {
	return len(s.chunks)
}

// StorageSize returns the total on-disk size of the spill files.
func (s *Sorter) StorageSize() int64 {
	var total int64
	filepath.WalkDir(s.dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Sort closes the current chunk and sorts every chunk file in place using
// the configured worker pool. At any instant at most workers×chunkSizeLimit
// bytes of entries are live.
func (s *Sorter) Sort(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateBuilding, stateSorting) {
		panic("external sort: double sort")
	}
	if err := s.current.closeWriter(); err != nil {
		return err
	}
	s.current = nil

	start := time.Now()
	var reading, sorting, writing, done atomic.Int64

	queue := make(chan *chunk, len(s.chunks))
	for _, c := range s.chunks {
		queue <- c
	}
	close(queue)

	topo, _ := topology.New(ctx)
	topo.Workers("sort_worker", s.workers, func(ctx context.Context, _ int) error {
		for {
			c, ok, err := topology.Recv(ctx, queue)
			if err != nil || !ok {
				return err
			}
			if err := c.sortInPlace(&reading, &sorting, &writing); err != nil {
				return err
			}
			s.log.Debug("Chunk sorted",
				zap.Int64("done", done.Add(1)),
				zap.Int("total", len(s.chunks)))
		}
	}, nil)

	if err := topo.Await(); err != nil {
		return err
	}

	atomic.StoreInt32(&s.state, stateReading)
	s.log.Info("Sorted all chunks",
		zap.Int("chunks", len(s.chunks)),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
		zap.Duration("read", time.Duration(reading.Load()).Round(time.Millisecond)),
		zap.Duration("sort", time.Duration(sorting.Load()).Round(time.Millisecond)),
		zap.Duration("write", time.Duration(writing.Load()).Round(time.Millisecond)))
	return nil
}

func (s *Sorter) newChunk() error {
	if s.current != nil {
		if err := s.current.closeWriter(); err != nil {
			return err
		}
	}
	path := filepath.Join(s.dir, fmt.Sprintf("chunk%d", len(s.chunks)+1))
	c, err := newChunk(path)
	if err != nil {
		return err
	}
	s.chunks = append(s.chunks, c)
	s.current = c
	return nil
}

// Close releases the sorter and deletes its temp directory. Safe in any
// state.
func (s *Sorter) Close() error {
	if s.current != nil {
		s.current.closeWriter()
		s.current = nil
	}
	return os.RemoveAll(s.dir)
}

// chunk is one bounded run of entries in a single file.
type chunk struct {
	path          string
	file          *os.File
	w             *bufio.Writer
	bytesInMemory int64
	itemCount     int64
}

func newChunk(path string) (*chunk, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("external sort: create chunk: %w", err)
	}
	return &chunk{path: path, file: f, w: bufio.NewWriterSize(f, 1<<16)}, nil
}

func (c *chunk) add(e Entry) error {
	if err := writeEntry(c.w, e); err != nil {
		return fmt.Errorf("external sort: write %s: %w", c.path, err)
	}
	c.bytesInMemory += fixedEntryOverhead + int64(len(e.Payload))
	c.itemCount++
	return nil
}

func (c *chunk) closeWriter() error {
	if c.file == nil {
		return nil
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("external sort: flush %s: %w", c.path, err)
	}
	err := c.file.Close()
	c.file = nil
	c.w = nil
	if err != nil {
		return fmt.Errorf("external sort: close %s: %w", c.path, err)
	}
	return nil
}

// sortInPlace loads the chunk's entries, sorts them by key and rewrites the
// file with the same framing. Only one worker owns a chunk at a time.
func (c *chunk) sortInPlace(reading, sorting, writing *atomic.Int64) error {
	t0 := time.Now()
	entries, err := c.readAll()
	if err != nil {
		return err
	}
	t1 := time.Now()
	reading.Add(int64(t1.Sub(t0)))

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SortKey < entries[j].SortKey
	})
	t2 := time.Now()
	sorting.Add(int64(t2.Sub(t1)))

	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("external sort: rewrite %s: %w", c.path, err)
	}
	w := bufio.NewWriterSize(f, 1<<16)
	for _, e := range entries {
		if err := writeEntry(w, e); err != nil {
			f.Close()
			return fmt.Errorf("external sort: rewrite %s: %w", c.path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("external sort: rewrite %s: %w", c.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("external sort: rewrite %s: %w", c.path, err)
	}
	writing.Add(int64(time.Since(t2)))
	return nil
}

func (c *chunk) readAll() ([]Entry, error) {
	sc, err := newChunkScanner(c.path, c.itemCount)
	if err != nil {
		return nil, err
	}
	defer sc.close()

	entries := make([]Entry, 0, c.itemCount)
	for {
		e, ok, err := sc.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		entries = append(entries, e)
	}
	if int64(len(entries)) != c.itemCount {
		return nil, fmt.Errorf("external sort: expected %d entries in %s, got %d", c.itemCount, c.path, len(entries))
	}
	return entries, nil
}

// writeEntry uses the persistent chunk framing:
// sort_key (i64 big-endian) ‖ len (i32 big-endian) ‖ payload.
func writeEntry(w *bufio.Writer, e Entry) error {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(e.SortKey))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(e.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(e.Payload)
	return err
}
