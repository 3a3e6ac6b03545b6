package reader

import (
	"context"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osm2tiles-go/internal/extsort"
	"github.com/wegman-software/osm2tiles-go/internal/geo"
	"github.com/wegman-software/osm2tiles-go/internal/osmstore"
)

// SourceFeature is the tagged variant handed to the profile in pass 2:
// a node, a way, or an assembled multipolygon. Implementations are the three
// structs below; consumers dispatch with a type switch. A feature lives for
// one worker loop iteration only.
type SourceFeature interface {
	isSourceFeature()
}

// NodeFeature is a single point of interest.
type NodeFeature struct {
	ID   int64
	Tags map[string]string
	Loc  geo.PackedLocation
}

// RelationMembership links a way to one summary of a relation that
// references it, as recorded by the profile in pass 1.
type RelationMembership struct {
	RelationID int64
	Info       osmstore.RelationInfo
}

// WayFeature is a polyline (or closed ring) with the geometry already
// resolved through the node location store. Relations carries the pass-1
// summaries of every relation the way is a member of.
type WayFeature struct {
	ID        int64
	Tags      map[string]string
	Geom      []geo.PackedLocation
	Closed    bool
	Relations []RelationMembership
}

// MultipolygonFeature is a type=multipolygon relation with its member way
// geometries stitched into closed rings. Rings are stored without the
// closing vertex.
type MultipolygonFeature struct {
	ID    int64
	Tags  map[string]string
	Rings [][]geo.PackedLocation
}

func (*NodeFeature) isSourceFeature()         {}
func (*WayFeature) isSourceFeature()          {}
func (*MultipolygonFeature) isSourceFeature() {}

// GeomKind classifies a renderable geometry.
type GeomKind int

const (
	GeomPoint GeomKind = iota
	GeomLine
	GeomPolygon
	GeomMultiPolygon
)

// Renderable is one drawable feature the profile emits: a layer assignment,
// the tile-order sort key, and geometry copied from the source feature.
// Points holds point and line coordinates; Rings holds polygon rings.
type Renderable struct {
	Layer   string
	SortKey int64
	Kind    GeomKind
	Points  []geo.PackedLocation
	Rings   [][]geo.PackedLocation
	Attrs   map[string]string
}

// RenderableSink collects the renderables emitted for one source feature.
// Workers reset and reuse one sink per loop iteration.
type RenderableSink struct {
	items []Renderable
}

// Reset clears the sink for the next feature.
func (s *RenderableSink) Reset() {
	s.items = s.items[:0]
}

// Emit appends a renderable.
func (s *RenderableSink) Emit(r Renderable) {
	s.items = append(s.items, r)
}

// All returns the collected renderables; valid until the next Reset.
func (s *RenderableSink) All() []Renderable {
	return s.items
}

// Profile maps OSM input to renderable features. PreprocessRelation is
// called once per relation in pass 1 by a single goroutine; ProcessFeature
// is called concurrently from pass-2 workers and must be safe for
// concurrent use.
type Profile interface {
	PreprocessRelation(rel *osm.Relation) []osmstore.RelationInfo
	ProcessFeature(f SourceFeature, out *RenderableSink) error
}

// RenderedSink receives the rendered features produced for one renderable.
type RenderedSink func(e extsort.Entry) error

// FeatureRenderer converts a renderable into zero or more rendered
// features. Render is called concurrently from pass-2 workers.
type FeatureRenderer interface {
	Render(r Renderable, emit RenderedSink) error
}

// FeatureSink is where pass 2 delivers rendered features; the external
// merge sort satisfies it.
type FeatureSink interface {
	Add(e extsort.Entry) error
}

// Source yields the elements of an OSM extract, once per call. Pass 1 and
// pass 2 each read the source in full; implementations reopen their input
// on every call. The callee does not close out.
type Source interface {
	ReadElements(ctx context.Context, out chan<- osm.Object) error
}
