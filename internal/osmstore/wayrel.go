package osmstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
)

// 16 bytes per (way, relation) pair on disk
const pairSize = 16

// DefaultWayRelSpillPairs is the in-memory pair count above which the build
// buffer is spilled to a sorted run file (~64 MB of pairs).
const DefaultWayRelSpillPairs = 4 << 20

type wayRelPair struct {
	way int64
	rel int64
}

// WayRelIndex maps a way id to the relation ids that reference it. It is
// built append-only during pass 1, sealed into a single sorted file, and
// queried read-only through a memory map during pass 2.
//
// Duplicate (way, relation) edges are preserved; Get reports a relation once
// per recorded edge. The order of relation ids for a key is unspecified but
// stable across queries.
type WayRelIndex struct {
	path       string
	spillLimit int

	buf    []wayRelPair
	runs   []string
	sealed bool

	file  *os.File
	data  mmap.MMap
	count int64
}

// NewWayRelIndex creates an index that seals into path. spillLimit is the
// number of buffered pairs that triggers a sorted-run spill; 0 uses the
// default.
func NewWayRelIndex(path string, spillLimit int) *WayRelIndex {
	if spillLimit <= 0 {
		spillLimit = DefaultWayRelSpillPairs
	}
	return &WayRelIndex{path: path, spillLimit: spillLimit}
}

// Put records that rel references way. Build phase only, single writer.
func (x *WayRelIndex) Put(way, rel int64) error {
	if x.sealed {
		panic("way-relation index: put after seal")
	}
	x.buf = append(x.buf, wayRelPair{way: way, rel: rel})
	if len(x.buf) >= x.spillLimit {
		return x.spill()
	}
	return nil
}

// spill sorts the buffer and writes it out as one run file.
func (x *WayRelIndex) spill() error {
	sortPairs(x.buf)
	run := fmt.Sprintf("%s.run%d", x.path, len(x.runs))
	if err := writePairs(run, x.buf); err != nil {
		return err
	}
	x.runs = append(x.runs, run)
	x.buf = x.buf[:0]
	return nil
}

// Seal merges all runs and the remaining buffer into one file sorted by way
// id and maps it for reading. The index is immutable afterwards.
func (x *WayRelIndex) Seal() error {
	if x.sealed {
		panic("way-relation index: double seal")
	}
	sortPairs(x.buf)

	if err := x.mergeRuns(); err != nil {
		return err
	}
	for _, run := range x.runs {
		os.Remove(run)
	}
	x.runs = nil
	x.buf = nil
	x.sealed = true

	if x.count == 0 {
		return nil
	}

	f, err := os.Open(x.path)
	if err != nil {
		return fmt.Errorf("way-relation index: reopen: %w", err)
	}
	data, err := mmap.MapRegion(f, int(x.count*pairSize), mmap.RDONLY, 0, 0)
	if err != nil {
		f.Close()
		return fmt.Errorf("way-relation index: mmap: %w", err)
	}
	x.file = f
	x.data = data
	return nil
}

// mergeRuns streams the sorted runs plus the sorted tail buffer into the
// final file with a linear peek-min merge. Run counts are small (one per
// ~64 MB of pairs), so a heap buys nothing here.
func (x *WayRelIndex) mergeRuns() error {
	out, err := os.OpenFile(x.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("way-relation index: create %s: %w", x.path, err)
	}
	w := bufio.NewWriterSize(out, 1<<16)

	type cursor struct {
		r    *bufio.Reader
		f    *os.File
		head wayRelPair
		ok   bool
	}
	var cursors []*cursor
	for _, run := range x.runs {
		f, err := os.Open(run)
		if err != nil {
			out.Close()
			return fmt.Errorf("way-relation index: open run: %w", err)
		}
		c := &cursor{r: bufio.NewReaderSize(f, 1<<16), f: f}
		c.ok = readPair(c.r, &c.head)
		cursors = append(cursors, c)
	}
	bufIdx := 0

	var rec [pairSize]byte
	emit := func(p wayRelPair) error {
		binary.LittleEndian.PutUint64(rec[0:8], uint64(p.way))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(p.rel))
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
		x.count++
		return nil
	}

	for {
		var min *cursor
		for _, c := range cursors {
			if c.ok && (min == nil || lessPair(c.head, min.head)) {
				min = c
			}
		}
		fromBuf := bufIdx < len(x.buf) && (min == nil || lessPair(x.buf[bufIdx], min.head))

		switch {
		case fromBuf:
			if err := emit(x.buf[bufIdx]); err != nil {
				out.Close()
				return fmt.Errorf("way-relation index: write: %w", err)
			}
			bufIdx++
		case min != nil:
			if err := emit(min.head); err != nil {
				out.Close()
				return fmt.Errorf("way-relation index: write: %w", err)
			}
			min.ok = readPair(min.r, &min.head)
		default:
			for _, c := range cursors {
				c.f.Close()
			}
			if err := w.Flush(); err != nil {
				out.Close()
				return fmt.Errorf("way-relation index: flush: %w", err)
			}
			return out.Close()
		}
	}
}

// Get returns the relation ids recorded for a way, nil if none.
func (x *WayRelIndex) Get(way int64) []int64 {
	if !x.sealed {
		panic("way-relation index: get before seal")
	}
	if x.count == 0 {
		return nil
	}
	n := int(x.count)
	i := sort.Search(n, func(i int) bool {
		return x.pairAt(i).way >= way
	})
	var rels []int64
	for ; i < n; i++ {
		p := x.pairAt(i)
		if p.way != way {
			break
		}
		rels = append(rels, p.rel)
	}
	return rels
}

// Len returns the number of recorded edges.
func (x *WayRelIndex) Len() int64 {
	return x.count
}

func (x *WayRelIndex) pairAt(i int) wayRelPair {
	off := i * pairSize
	return wayRelPair{
		way: int64(binary.LittleEndian.Uint64(x.data[off : off+8])),
		rel: int64(binary.LittleEndian.Uint64(x.data[off+8 : off+16])),
	}
}

// Close unmaps and deletes the index file and any stray run files.
func (x *WayRelIndex) Close() error {
	var first error
	if x.data != nil {
		if err := x.data.Unmap(); err != nil {
			first = err
		}
		x.data = nil
	}
	if x.file != nil {
		if err := x.file.Close(); err != nil && first == nil {
			first = err
		}
		x.file = nil
	}
	for _, run := range x.runs {
		os.Remove(run)
	}
	if err := os.Remove(x.path); err != nil && !os.IsNotExist(err) && first == nil {
		first = err
	}
	return first
}

func sortPairs(pairs []wayRelPair) {
	sort.Slice(pairs, func(i, j int) bool {
		return lessPair(pairs[i], pairs[j])
	})
}

func lessPair(a, b wayRelPair) bool {
	if a.way != b.way {
		return a.way < b.way
	}
	return a.rel < b.rel
}

func writePairs(path string, pairs []wayRelPair) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("way-relation index: create run: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<16)
	var rec [pairSize]byte
	for _, p := range pairs {
		binary.LittleEndian.PutUint64(rec[0:8], uint64(p.way))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(p.rel))
		if _, err := w.Write(rec[:]); err != nil {
			f.Close()
			return fmt.Errorf("way-relation index: write run: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("way-relation index: flush run: %w", err)
	}
	return f.Close()
}

func readPair(r *bufio.Reader, p *wayRelPair) bool {
	var rec [pairSize]byte
	if _, err := io.ReadFull(r, rec[:]); err != nil {
		return false
	}
	p.way = int64(binary.LittleEndian.Uint64(rec[0:8]))
	p.rel = int64(binary.LittleEndian.Uint64(rec[8:16]))
	return true
}
