package extsort

import (
	"context"
	"math/rand"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"go.uber.org/zap"
)

func newTestSorter(t *testing.T, chunkSize int64, workers int) *Sorter {
	t.Helper()
	s, err := New(Config{
		TempDir:        filepath.Join(t.TempDir(), "sort"),
		Workers:        workers,
		ChunkSizeLimit: chunkSize,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func drain(t *testing.T, s *Sorter) []Entry {
	t.Helper()
	it, err := s.Iterate()
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	defer it.Close()
	var out []Entry
	for it.Next() {
		out = append(out, it.Entry())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	return out
}

func TestSortEmpty(t *testing.T) {
	s := newTestSorter(t, 1<<20, 2)
	if err := s.Sort(context.Background()); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	if got := drain(t, s); len(got) != 0 {
		t.Errorf("empty sort yielded %d entries", len(got))
	}
}

func TestSortSingleEntry(t *testing.T) {
	s := newTestSorter(t, 1<<20, 1)
	if err := s.Add(Entry{SortKey: 42, Payload: []byte{0xAB}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Sort(context.Background()); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	got := drain(t, s)
	if len(got) != 1 || got[0].SortKey != 42 || !reflect.DeepEqual(got[0].Payload, []byte{0xAB}) {
		t.Errorf("got %v, want [(42, [0xAB])]", got)
	}
}

func TestSortOutOfOrderAcrossChunks(t *testing.T) {
	// one payload byte makes each entry 65 accounted bytes; a 129-byte limit
	// rolls over after every second entry, so five entries land in 3 chunks
	s := newTestSorter(t, 129, 2)
	for i, key := range []int64{5, 1, 9, 3, 1} {
		if err := s.Add(Entry{SortKey: key, Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if got := s.NumChunks(); got != 3 {
		t.Errorf("NumChunks = %d, want 3", got)
	}
	if err := s.Sort(context.Background()); err != nil {
		t.Fatalf("Sort: %v", err)
	}

	var keys []int64
	for _, e := range drain(t, s) {
		keys = append(keys, e.SortKey)
	}
	if !reflect.DeepEqual(keys, []int64{1, 1, 3, 5, 9}) {
		t.Errorf("keys = %v, want [1 1 3 5 9]", keys)
	}
}

func TestSortPreservesMultiset(t *testing.T) {
	s := newTestSorter(t, 2048, 4)
	rng := rand.New(rand.NewSource(42))

	type rec struct {
		key     int64
		payload string
	}
	var want []rec
	for i := 0; i < 5000; i++ {
		payload := make([]byte, 1+rng.Intn(20))
		rng.Read(payload)
		key := int64(rng.Intn(100)) - 50
		want = append(want, rec{key, string(payload)})
		if err := s.Add(Entry{SortKey: key, Payload: payload}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if s.NumChunks() < 2 {
		t.Fatalf("expected multiple chunks, got %d", s.NumChunks())
	}
	if err := s.Sort(context.Background()); err != nil {
		t.Fatalf("Sort: %v", err)
	}

	var got []rec
	var last int64 = -1 << 62
	for _, e := range drain(t, s) {
		if e.SortKey < last {
			t.Fatalf("keys out of order: %d after %d", e.SortKey, last)
		}
		last = e.SortKey
		got = append(got, rec{e.SortKey, string(e.Payload)})
	}

	sortRecs := func(rs []rec) {
		sort.Slice(rs, func(i, j int) bool {
			if rs[i].key != rs[j].key {
				return rs[i].key < rs[j].key
			}
			return rs[i].payload < rs[j].payload
		})
	}
	sortRecs(want)
	sortRecs(got)
	if !reflect.DeepEqual(want, got) {
		t.Fatal("sorted output is not the same multiset as the input")
	}
}

func TestChunkCountForUniformPayloads(t *testing.T) {
	// entries of 64+16=80 accounted bytes against a 799-byte limit: the
	// rollover fires on the entry that pushes a chunk past the limit, so
	// each chunk holds 10 entries
	s := newTestSorter(t, 799, 1)
	const n = 95
	for i := 0; i < n; i++ {
		if err := s.Add(Entry{SortKey: int64(i), Payload: make([]byte, 16)}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if got, want := s.NumChunks(), 10; got != want {
		t.Errorf("NumChunks = %d, want %d", got, want)
	}
}

func TestConfigRejectsOversizedChunks(t *testing.T) {
	_, err := New(Config{
		TempDir:        filepath.Join(t.TempDir(), "sort"),
		Workers:        4,
		ChunkSizeLimit: 1 << 30,
		MaxHeapBytes:   1 << 31, // 4 × 1 GiB > 1 GiB budget half
	}, zap.NewNop())
	if err == nil {
		t.Fatal("expected a configuration error")
	}
}

func TestStateMachinePanics(t *testing.T) {
	expectPanic := func(name string, fn func()) {
		defer func() {
			if recover() == nil {
				t.Errorf("%s: expected panic", name)
			}
		}()
		fn()
	}

	s := newTestSorter(t, 1<<20, 1)
	expectPanic("iterate before sort", func() { s.Iterate() })

	if err := s.Sort(context.Background()); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	expectPanic("add after sort", func() { s.Add(Entry{SortKey: 1}) })
	expectPanic("double sort", func() { s.Sort(context.Background()) })
}
