// Package pbfsrc adapts a PBF file on disk to the reader's element source.
package pbfsrc

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
)

// FileSource reads an OSM PBF file. Each ReadElements call opens the file
// fresh, so the same source serves both passes.
type FileSource struct {
	path  string
	procs int
}

// New creates a source for path decoding blocks with procs goroutines.
func New(path string, procs int) *FileSource {
	if procs < 1 {
		procs = 1
	}
	return &FileSource{path: path, procs: procs}
}

// Size returns the file size in bytes, for throughput reporting.
func (s *FileSource) Size() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// ReadElements streams every element of the file to out in file order.
// The channel is owned and closed by the caller.
func (s *FileSource) ReadElements(ctx context.Context, out chan<- osm.Object) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	scanner := osmpbf.New(ctx, f, s.procs)
	defer scanner.Close()

	for scanner.Scan() {
		select {
		case out <- scanner.Object():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("scan %s: %w", s.path, err)
	}
	return nil
}
