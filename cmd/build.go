package cmd

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm2tiles-go/internal/config"
	"github.com/wegman-software/osm2tiles-go/internal/extsort"
	"github.com/wegman-software/osm2tiles-go/internal/logger"
	"github.com/wegman-software/osm2tiles-go/internal/luaprofile"
	"github.com/wegman-software/osm2tiles-go/internal/metrics"
	"github.com/wegman-software/osm2tiles-go/internal/parquet"
	"github.com/wegman-software/osm2tiles-go/internal/pbfsrc"
	"github.com/wegman-software/osm2tiles-go/internal/reader"
	"github.com/wegman-software/osm2tiles-go/internal/render"
	"github.com/wegman-software/osm2tiles-go/internal/style"
)

var bboxFlag string

var buildCmd = &cobra.Command{
	Use:   "build <input.osm.pbf>",
	Short: "Build the sorted feature stream from a PBF extract",
	Long: `Read an OSM PBF file in two passes and emit rendered map features in
sort-key order.

Pass 1 indexes node locations and relation memberships. Pass 2 rebuilds
feature geometries, runs the profile, and spills rendered features into a
bounded-memory external merge sort. The sorted stream is then drained (and
optionally exported to Parquet with --dump-features).`,
	Args: cobra.ExactArgs(1),
	Run:  runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().IntVar(&cfg.ChunkSizeMB, "chunk-size-mb", 0, "External sort chunk size in MB (0 = derive from memory)")
	buildCmd.Flags().IntVar(&cfg.MaxMemoryMB, "max-memory-mb", 0, "Memory budget in MB (0 = detect from the system)")
	buildCmd.Flags().StringVar(&cfg.LuaFile, "lua", "", "Lua profile script")
	buildCmd.Flags().StringVar(&cfg.StyleFile, "style", "", "YAML style file for the built-in profile")
	buildCmd.Flags().StringVar(&bboxFlag, "bbox", "", "Bounding box filter: minlon,minlat,maxlon,maxlat")
	buildCmd.Flags().BoolVar(&cfg.DumpFeatures, "dump-features", false, "Export the sorted features to features.parquet")
}

func runBuild(cmd *cobra.Command, args []string) {
	cfg.InputFile = args[0]
	log := logger.Get()

	bbox, err := config.ParseBBox(bboxFlag)
	if err != nil {
		exitWithError("invalid bbox", err)
	}
	cfg.BBox = bbox

	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}

	profile, cleanup, err := buildProfile(cfg)
	if err != nil {
		exitWithError("failed to load profile", err)
	}
	defer cleanup()

	maxHeap := int64(cfg.MaxMemoryMB) << 20
	if maxHeap == 0 {
		// budget half of physical memory for this process
		maxHeap = metrics.MaxMemoryBytes() / 2
	}
	chunkSize := int64(cfg.ChunkSizeMB) << 20
	if chunkSize == 0 {
		chunkSize = config.DeriveChunkSize(maxHeap, cfg.Workers)
	}

	log.Info("Starting tile feature build",
		zap.String("input", cfg.InputFile),
		zap.String("output", cfg.OutputDir),
		zap.Int("workers", cfg.Workers),
		zap.Int64("max_heap_mb", maxHeap>>20),
		zap.Int64("chunk_size_mb", chunkSize>>20))

	ctx := context.Background()
	start := time.Now()

	if cfg.MetricsInterval > 0 {
		metricsCtx, cancelMetrics := context.WithCancel(ctx)
		defer cancelMetrics()
		collector := metrics.NewCollector(cfg.MetricsInterval, log)
		go collector.Start(metricsCtx)
	}

	src := pbfsrc.New(cfg.InputFile, cfg.Workers)

	rdr, err := reader.New(cfg, src, profile)
	if err != nil {
		exitWithError("failed to create reader", err)
	}
	defer rdr.Close()

	sorter, err := extsort.New(extsort.Config{
		TempDir:        filepath.Join(cfg.OutputDir, "sort"),
		Workers:        cfg.Workers,
		ChunkSizeLimit: chunkSize,
		MaxHeapBytes:   maxHeap,
	}, log)
	if err != nil {
		exitWithError("failed to create external sort", err)
	}
	defer sorter.Close()

	if err := rdr.Pass1(ctx); err != nil {
		exitWithError("pass 1 failed", err)
	}
	if err := rdr.Pass2(ctx, render.NewRenderer(), sorter); err != nil {
		exitWithError("pass 2 failed", err)
	}
	if err := sorter.Sort(ctx); err != nil {
		exitWithError("sort failed", err)
	}

	features, err := drainFeatures(sorter)
	if err != nil {
		exitWithError("reading sorted features failed", err)
	}

	stats := rdr.Stats()
	elapsed := time.Since(start)
	log.Info("Build complete",
		zap.Duration("duration", elapsed.Round(time.Second)),
		zap.Int64("nodes", stats.Nodes),
		zap.Int64("ways", stats.Ways),
		zap.Int64("relations", stats.Relations),
		zap.Int64("features", features),
		zap.Int64("missing_nodes", stats.MissingNodes),
		zap.Int64("missing_ways", stats.MissingWays),
		zap.Int("sort_chunks", sorter.NumChunks()),
		zap.Float64("throughput_mb_s", float64(src.Size())/(1024*1024)/elapsed.Seconds()))
}

// buildProfile picks the Lua profile, the YAML style profile, or the
// built-in default, in that order.
func buildProfile(cfg *config.Config) (reader.Profile, func(), error) {
	if cfg.LuaFile != "" {
		p, err := luaprofile.New(cfg.LuaFile, cfg.Workers)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	}
	if cfg.StyleFile != "" {
		sc, err := style.Load(cfg.StyleFile)
		if err != nil {
			return nil, nil, err
		}
		return style.NewProfile(sc), func() {}, nil
	}
	return style.DefaultProfile(), func() {}, nil
}

// drainFeatures iterates the sorted stream, optionally exporting it.
func drainFeatures(sorter *extsort.Sorter) (int64, error) {
	it, err := sorter.Iterate()
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var writer *parquet.FeatureWriter
	if cfg.DumpFeatures {
		writer, err = parquet.NewFeatureWriter(filepath.Join(cfg.OutputDir, "features.parquet"), 0)
		if err != nil {
			return 0, err
		}
		defer func() {
			if writer != nil {
				writer.Close()
			}
		}()
	}

	var count int64
	for it.Next() {
		e := it.Entry()
		count++
		if writer != nil {
			layer, geom, tags, err := render.DecodePayload(e.Payload)
			if err != nil {
				return count, err
			}
			if err := writer.Write(e.SortKey, layer, geom, tags); err != nil {
				return count, err
			}
		}
	}
	if err := it.Err(); err != nil {
		return count, err
	}
	if writer != nil {
		err := writer.Close()
		writer = nil
		if err != nil {
			return count, err
		}
	}
	return count, nil
}
