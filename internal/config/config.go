package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// BBox represents a geographic bounding box
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
	IsSet                          bool
}

// Contains checks if a point is within the bounding box
func (b *BBox) Contains(lat, lon float64) bool {
	if !b.IsSet {
		return true
	}
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// ParseBBox parses a bbox string in format "minlon,minlat,maxlon,maxlat"
func ParseBBox(s string) (*BBox, error) {
	if s == "" {
		return &BBox{IsSet: false}, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must have 4 values: minlon,minlat,maxlon,maxlat")
	}

	var coords [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		coords[i] = v
	}

	bbox := &BBox{
		MinLon: coords[0],
		MinLat: coords[1],
		MaxLon: coords[2],
		MaxLat: coords[3],
		IsSet:  true,
	}

	if bbox.MinLon > bbox.MaxLon {
		return nil, fmt.Errorf("minlon (%f) must be <= maxlon (%f)", bbox.MinLon, bbox.MaxLon)
	}
	if bbox.MinLat > bbox.MaxLat {
		return nil, fmt.Errorf("minlat (%f) must be <= maxlat (%f)", bbox.MinLat, bbox.MaxLat)
	}

	return bbox, nil
}

// Config holds the global configuration for the tile build process
type Config struct {
	// Input settings
	InputFile string
	BBox      *BBox // Geographic bounding box filter for nodes

	// Output settings
	OutputDir    string // Directory for index files, sort chunks and exports
	DumpFeatures bool   // Write sorted features to a Parquet file

	// Profile settings
	LuaFile   string // Lua profile script
	StyleFile string // YAML style file for the built-in profile

	// Processing settings
	Workers       int
	ChannelBuffer int
	ChunkSizeMB   int   // External sort chunk size, 0 = derive from memory
	MaxMemoryMB   int   // Memory budget, 0 = detect from the system
	MaxNodeID     int64 // Node id capacity of the location store, 0 = default

	// Logging and metrics
	Verbose         bool
	LogFile         string
	MetricsInterval time.Duration
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		OutputDir:       "./tile_data",
		Workers:         runtime.NumCPU(),
		ChannelBuffer:   50000,
		MetricsInterval: 30 * time.Second,
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.InputFile == "" {
		return fmt.Errorf("input file is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.ChannelBuffer < 1 {
		return fmt.Errorf("channel buffer must be at least 1")
	}
	if c.ChunkSizeMB < 0 || c.MaxMemoryMB < 0 {
		return fmt.Errorf("chunk size and memory budget must not be negative")
	}
	if c.LuaFile != "" && c.StyleFile != "" {
		return fmt.Errorf("--lua and --style are mutually exclusive")
	}
	if c.OutputDir != "" {
		if err := os.MkdirAll(c.OutputDir, 0755); err != nil {
			return fmt.Errorf("output directory not writable: %w", err)
		}
	}
	return nil
}

// MaxChunkSize caps a single sort chunk at 1 GiB regardless of available memory.
const MaxChunkSize = int64(1 << 30)

// DeriveChunkSize returns the sort chunk size for a given heap budget and
// worker count: min(1 GiB, maxHeap/2/workers). During the sort phase every
// worker holds one fully materialized chunk, so the result keeps total live
// entry memory within half the heap.
func DeriveChunkSize(maxHeapBytes int64, workers int) int64 {
	if workers < 1 {
		workers = 1
	}
	size := maxHeapBytes / 2 / int64(workers)
	if size > MaxChunkSize {
		size = MaxChunkSize
	}
	return size
}
