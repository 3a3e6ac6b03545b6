// Package reader implements the two-pass OSM ingestion protocol: pass 1
// builds the out-of-core indexes (node locations, way→relation edges,
// multipolygon membership, relation summaries), pass 2 reconstructs feature
// geometries and streams rendered features into the external sort.
package reader

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2tiles-go/internal/config"
	"github.com/wegman-software/osm2tiles-go/internal/extsort"
	"github.com/wegman-software/osm2tiles-go/internal/geo"
	"github.com/wegman-software/osm2tiles-go/internal/logger"
	"github.com/wegman-software/osm2tiles-go/internal/osmstore"
	"github.com/wegman-software/osm2tiles-go/internal/topology"
)

const progressLogInterval = 5 * time.Second

// Stats is a snapshot of the reader's counters.
type Stats struct {
	Nodes, Ways, Relations                      int64
	NodesProcessed, WaysProcessed, RelsProcessed int64
	FeaturesWritten                             int64
	MissingNodes, MissingWays, DroppedRings     int64
}

// TwoPassReader owns the five ingestion indexes for its whole lifetime and
// releases them at Close. Pass1 must complete before Pass2; each may be
// called once.
type TwoPassReader struct {
	cfg     *config.Config
	src     Source
	profile Profile
	log     *zap.Logger

	nodeStore *osmstore.NodeStore
	wayRels   *osmstore.WayRelIndex
	mpWays    *osmstore.WaySet
	wayGeoms  *osmstore.WayGeoms
	relInfos  *osmstore.RelInfoTable

	totalNodes, totalWays, totalRels               atomic.Int64
	nodesProcessed, waysProcessed, relsProcessed   atomic.Int64
	featuresWritten                                atomic.Int64
	missingNodes, missingWays, droppedRings        atomic.Int64
}

// New creates a reader whose index files live under cfg.OutputDir.
func New(cfg *config.Config, src Source, profile Profile) (*TwoPassReader, error) {
	maxNodeID := cfg.MaxNodeID
	if maxNodeID == 0 {
		maxNodeID = osmstore.DefaultMaxNodeID
	}
	nodeStore, err := osmstore.NewNodeStore(filepath.Join(cfg.OutputDir, "node_locations.bin"), maxNodeID)
	if err != nil {
		return nil, err
	}
	return &TwoPassReader{
		cfg:       cfg,
		src:       src,
		profile:   profile,
		log:       logger.Get(),
		nodeStore: nodeStore,
		wayRels:   osmstore.NewWayRelIndex(filepath.Join(cfg.OutputDir, "way_relations.idx"), 0),
		mpWays:    osmstore.NewWaySet(1024),
		wayGeoms:  osmstore.NewWayGeoms(),
		relInfos:  osmstore.NewRelInfoTable(),
	}, nil
}

// Stats returns a snapshot of the counters; the progress logger reads
// these, never a source of truth.
func (r *TwoPassReader) Stats() Stats {
	return Stats{
		Nodes:           r.totalNodes.Load(),
		Ways:            r.totalWays.Load(),
		Relations:       r.totalRels.Load(),
		NodesProcessed:  r.nodesProcessed.Load(),
		WaysProcessed:   r.waysProcessed.Load(),
		RelsProcessed:   r.relsProcessed.Load(),
		FeaturesWritten: r.featuresWritten.Load(),
		MissingNodes:    r.missingNodes.Load(),
		MissingWays:     r.missingWays.Load(),
		DroppedRings:    r.droppedRings.Load(),
	}
}

// Pass1 streams the extract through a single indexer: node locations into
// the node store, relation summaries and way back-references into their
// tables, multipolygon way membership into the way set. All indexes are
// sealed on success.
func (r *TwoPassReader) Pass1(ctx context.Context) error {
	r.log.Info("Pass 1: indexing nodes and relations")
	start := time.Now()

	elems := make(chan osm.Object, r.cfg.ChannelBuffer)
	topo, tctx := topology.New(ctx)

	topo.Source("pass1_reader", func(ctx context.Context) error {
		defer close(elems)
		return r.src.ReadElements(ctx, elems)
	})

	topo.Sink("pass1_indexer", func(ctx context.Context) error {
		for {
			obj, ok, err := topology.Recv(ctx, elems)
			if err != nil || !ok {
				return err
			}
			switch el := obj.(type) {
			case *osm.Node:
				r.totalNodes.Add(1)
				if r.cfg.BBox != nil && !r.cfg.BBox.Contains(el.Lat, el.Lon) {
					continue
				}
				r.nodeStore.Put(int64(el.ID), geo.Encode(el.Lon, el.Lat))
			case *osm.Way:
				r.totalWays.Add(1)
			case *osm.Relation:
				r.totalRels.Add(1)
				for _, info := range r.profile.PreprocessRelation(el) {
					r.relInfos.Put(int64(el.ID), info)
					for _, m := range el.Members {
						if m.Type == osm.TypeWay {
							if err := r.wayRels.Put(m.Ref, int64(el.ID)); err != nil {
								return err
							}
						}
					}
				}
				if el.Tags.Find("type") == "multipolygon" {
					for _, m := range el.Members {
						if m.Type == osm.TypeWay {
							r.mpWays.Add(m.Ref)
						}
					}
				}
			}
		}
	})

	stopProgress := r.startProgressLog(tctx, "pass1")
	err := topo.Await()
	stopProgress()
	if err != nil {
		return err
	}

	if err := r.nodeStore.Seal(); err != nil {
		return err
	}
	if err := r.wayRels.Seal(); err != nil {
		return err
	}

	r.log.Info("Pass 1 complete",
		zap.Int64("nodes", r.totalNodes.Load()),
		zap.Int64("ways", r.totalWays.Load()),
		zap.Int64("relations", r.totalRels.Load()),
		zap.Int64("way_relation_edges", r.wayRels.Len()),
		zap.Int("multipolygon_ways", r.mpWays.Len()),
		zap.Int64("relation_info_bytes", r.relInfos.SizeBytes()),
		zap.Duration("duration", time.Since(start).Round(time.Second)))
	return nil
}

// Pass2 streams the extract again through a pool of processing workers that
// build SourceFeatures, run the profile and renderer, and forward rendered
// features to the sink. The ways-done barrier holds back relation
// processing until every worker has drained its ways, which makes the
// multipolygon geometry table safe to read.
func (r *TwoPassReader) Pass2(ctx context.Context, renderer FeatureRenderer, sink FeatureSink) error {
	workers := r.cfg.Workers
	r.log.Info("Pass 2: building features", zap.Int("workers", workers))
	start := time.Now()

	elems := make(chan osm.Object, r.cfg.ChannelBuffer)
	rendered := make(chan extsort.Entry, r.cfg.ChannelBuffer)
	barrier := NewBarrier(workers)

	topo, tctx := topology.New(ctx)

	topo.Source("pass2_reader", func(ctx context.Context) error {
		defer close(elems)
		return r.src.ReadElements(ctx, elems)
	})

	topo.Workers("pass2_processor", workers, func(ctx context.Context, id int) error {
		arrived := false
		defer func() {
			// a worker that never saw a relation must still unblock peers
			if !arrived {
				barrier.Leave()
			}
		}()
		var out RenderableSink
		for {
			obj, ok, err := topology.Recv(ctx, elems)
			if err != nil || !ok {
				return err
			}

			var feature SourceFeature
			switch el := obj.(type) {
			case *osm.Node:
				r.nodesProcessed.Add(1)
				feature = r.nodeFeature(el)
			case *osm.Way:
				r.waysProcessed.Add(1)
				feature = r.wayFeature(el)
			case *osm.Relation:
				if !arrived {
					arrived = true
					if err := barrier.Arrive(ctx); err != nil {
						return err
					}
				}
				r.relsProcessed.Add(1)
				feature = r.multipolygonFeature(el)
			}
			if feature == nil {
				continue
			}

			out.Reset()
			if err := r.profile.ProcessFeature(feature, &out); err != nil {
				return fmt.Errorf("profile: %w", err)
			}
			for _, renderable := range out.All() {
				err := renderer.Render(renderable, func(e extsort.Entry) error {
					return topology.Send(ctx, rendered, e)
				})
				if err != nil {
					return fmt.Errorf("renderer: %w", err)
				}
			}
		}
	}, func() {
		close(rendered)
	})

	topo.Sink("pass2_writer", func(ctx context.Context) error {
		for {
			e, ok, err := topology.Recv(ctx, rendered)
			if err != nil || !ok {
				return err
			}
			if err := sink.Add(e); err != nil {
				return err
			}
			r.featuresWritten.Add(1)
		}
	})

	stopProgress := r.startProgressLog(tctx, "pass2")
	err := topo.Await()
	stopProgress()
	if err != nil {
		return err
	}

	r.log.Info("Pass 2 complete",
		zap.Int64("nodes", r.nodesProcessed.Load()),
		zap.Int64("ways", r.waysProcessed.Load()),
		zap.Int64("relations", r.relsProcessed.Load()),
		zap.Int64("features", r.featuresWritten.Load()),
		zap.Int64("missing_nodes", r.missingNodes.Load()),
		zap.Int64("missing_ways", r.missingWays.Load()),
		zap.Duration("duration", time.Since(start).Round(time.Second)))
	return nil
}

func (r *TwoPassReader) nodeFeature(el *osm.Node) SourceFeature {
	if r.cfg.BBox != nil && !r.cfg.BBox.Contains(el.Lat, el.Lon) {
		return nil
	}
	return &NodeFeature{
		ID:   int64(el.ID),
		Tags: el.Tags.Map(),
		Loc:  geo.Encode(el.Lon, el.Lat),
	}
}

// wayFeature resolves the way's geometry through the node store, feeding
// the multipolygon geometry table along the way. Missing nodes are skipped;
// a way left with fewer than two points yields no geometry and no feature.
func (r *TwoPassReader) wayFeature(el *osm.Way) SourceFeature {
	wayID := int64(el.ID)
	locs := make([]geo.PackedLocation, 0, len(el.Nodes))
	for _, wn := range el.Nodes {
		loc := r.nodeStore.Get(int64(wn.ID))
		if loc == geo.Missing {
			r.missingNodes.Add(1)
			r.log.Debug("Way references missing node",
				zap.Int64("way", wayID), zap.Int64("node", int64(wn.ID)))
			continue
		}
		locs = append(locs, loc)
	}
	if len(locs) < 2 {
		return nil
	}
	if r.mpWays.Contains(wayID) {
		r.wayGeoms.Put(wayID, locs)
	}

	var memberships []RelationMembership
	for _, relID := range r.wayRels.Get(wayID) {
		for _, info := range r.relInfos.Get(relID) {
			memberships = append(memberships, RelationMembership{RelationID: relID, Info: info})
		}
	}
	return &WayFeature{
		ID:        wayID,
		Tags:      el.Tags.Map(),
		Geom:      locs,
		Closed:    locs[0] == locs[len(locs)-1],
		Relations: memberships,
	}
}

// multipolygonFeature assembles rings from member way geometries. Ways
// absent from the geometry table drop their ring; a relation whose rings
// all drop yields no feature. Non-multipolygon relations were handled
// through the relation-info table during way processing.
func (r *TwoPassReader) multipolygonFeature(el *osm.Relation) SourceFeature {
	if el.Tags.Find("type") != "multipolygon" {
		return nil
	}
	relID := int64(el.ID)
	var segments [][]geo.PackedLocation
	for _, m := range el.Members {
		if m.Type != osm.TypeWay {
			continue
		}
		g := r.wayGeoms.Get(m.Ref)
		if g == nil {
			r.missingWays.Add(1)
			r.log.Debug("Multipolygon references unmaterialized way",
				zap.Int64("relation", relID), zap.Int64("way", m.Ref))
			continue
		}
		segments = append(segments, g)
	}
	rings, dropped := assembleRings(segments)
	if dropped > 0 {
		r.droppedRings.Add(int64(dropped))
	}
	if len(rings) == 0 {
		return nil
	}
	return &MultipolygonFeature{
		ID:    relID,
		Tags:  el.Tags.Map(),
		Rings: rings,
	}
}

func (r *TwoPassReader) startProgressLog(ctx context.Context, pass string) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(progressLogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := r.Stats()
				r.log.Debug("Progress",
					zap.String("pass", pass),
					zap.Int64("nodes", s.Nodes),
					zap.Int64("ways", s.Ways),
					zap.Int64("relations", s.Relations),
					zap.Int64("nodes_processed", s.NodesProcessed),
					zap.Int64("ways_processed", s.WaysProcessed),
					zap.Int64("rels_processed", s.RelsProcessed),
					zap.Int64("features", s.FeaturesWritten),
					zap.Int64("node_store_bytes", r.nodeStore.StorageSize()))
			}
		}
	}()
	return cancel
}

// Close releases the five indexes and deletes their backing files.
func (r *TwoPassReader) Close() error {
	var first error
	if err := r.nodeStore.Close(); err != nil {
		first = err
	}
	if err := r.wayRels.Close(); err != nil && first == nil {
		first = err
	}
	r.mpWays = nil
	r.wayGeoms = nil
	r.relInfos = nil
	return first
}
