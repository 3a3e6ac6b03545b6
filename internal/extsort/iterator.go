package extsort

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// Iterator yields the sorted entries of all chunks, merged through a
// min-heap of per-chunk scanners. It is single-pass and non-restartable.
//
// Usage follows the scanner idiom:
//
//	for it.Next() {
//	    e := it.Entry()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	h   scannerHeap
	cur Entry
	err error
}

// Iterate opens one scanner per non-empty chunk and returns the merged
// iterator. Calling it before Sort has completed panics.
func (s *Sorter) Iterate() (*Iterator, error) {
	if atomic.LoadInt32(&s.state) != stateReading {
		panic("external sort: iterate before sort")
	}
	it := &Iterator{}
	for _, c := range s.chunks {
		if c.itemCount == 0 {
			continue
		}
		sc, err := newChunkScanner(c.path, c.itemCount)
		if err != nil {
			it.Close()
			return nil, err
		}
		ok, err := sc.advance()
		if err != nil {
			sc.close()
			it.Close()
			return nil, err
		}
		if ok {
			it.h = append(it.h, sc)
		} else {
			sc.close()
		}
	}
	heap.Init(&it.h)
	return it, nil
}

// Next advances to the next entry in key order. It returns false when all
// chunks are exhausted or a read error occurred; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.err != nil || len(it.h) == 0 {
		return false
	}
	sc := it.h[0]
	it.cur = sc.head
	ok, err := sc.advance()
	switch {
	case err != nil:
		it.err = err
		sc.close()
		heap.Pop(&it.h)
	case ok:
		heap.Fix(&it.h, 0)
	default:
		sc.close()
		heap.Pop(&it.h)
	}
	return true
}

// Entry returns the entry produced by the last successful Next.
func (it *Iterator) Entry() Entry {
	return it.cur
}

// Err returns the first read error encountered, if any. An I/O or
// consistency error is fatal for the iteration.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases any scanners that were not exhausted.
func (it *Iterator) Close() {
	for _, sc := range it.h {
		sc.close()
	}
	it.h = nil
}

// chunkScanner streams one sorted chunk file, buffering one entry ahead.
type chunkScanner struct {
	path  string
	file  *os.File
	r     *bufio.Reader
	count int64
	read  int64
	head  Entry
}

func newChunkScanner(path string, count int64) (*chunkScanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("external sort: open chunk: %w", err)
	}
	return &chunkScanner{
		path:  path,
		file:  f,
		r:     bufio.NewReaderSize(f, 1<<16),
		count: count,
	}, nil
}

// next advances and returns the newly read head; used by chunk.readAll.
func (sc *chunkScanner) next() (Entry, bool, error) {
	ok, err := sc.advance()
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return sc.head, true, nil
}

// advance reads the next entry into head. A short read before itemCount
// entries is a data-consistency error.
func (sc *chunkScanner) advance() (bool, error) {
	if sc.read >= sc.count {
		return false, nil
	}
	var hdr [12]byte
	if _, err := io.ReadFull(sc.r, hdr[:]); err != nil {
		return false, fmt.Errorf("external sort: %s truncated after %d of %d entries: %w",
			sc.path, sc.read, sc.count, err)
	}
	length := binary.BigEndian.Uint32(hdr[8:12])
	payload := make([]byte, length)
	if _, err := io.ReadFull(sc.r, payload); err != nil {
		return false, fmt.Errorf("external sort: %s truncated after %d of %d entries: %w",
			sc.path, sc.read, sc.count, err)
	}
	sc.head = Entry{SortKey: int64(binary.BigEndian.Uint64(hdr[0:8])), Payload: payload}
	sc.read++
	return true, nil
}

func (sc *chunkScanner) close() {
	if sc.file != nil {
		sc.file.Close()
		sc.file = nil
	}
}

// scannerHeap orders scanners by their buffered head key.
type scannerHeap []*chunkScanner

func (h scannerHeap) Len() int            { return len(h) }
func (h scannerHeap) Less(i, j int) bool  { return h[i].head.SortKey < h[j].head.SortKey }
func (h scannerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scannerHeap) Push(x interface{}) { *h = append(*h, x.(*chunkScanner)) }
func (h *scannerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
