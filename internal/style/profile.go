package style

import (
	"github.com/paulmach/osm"

	"github.com/wegman-software/osm2tiles-go/internal/geo"
	"github.com/wegman-software/osm2tiles-go/internal/osmstore"
	"github.com/wegman-software/osm2tiles-go/internal/reader"
)

// Profile is the declarative profile built from a style config. It is
// stateless after construction and safe for concurrent use.
type Profile struct {
	layers []compiledLayer
}

type compiledLayer struct {
	name    string
	sortKey int64
	types   map[string]bool
	filter  *Filter
}

// relationInfo is what the declarative profile stores per matched relation:
// the layer it feeds and the relation's tags, so member ways can inherit
// them in pass 2.
type relationInfo struct {
	layer string
	tags  map[string]string
}

func (i *relationInfo) SizeBytes() int64 {
	n := int64(48 + len(i.layer))
	for k, v := range i.tags {
		n += int64(len(k) + len(v) + 32)
	}
	return n
}

// NewProfile compiles a style config.
func NewProfile(cfg *Config) *Profile {
	p := &Profile{}
	for _, lc := range cfg.Layers {
		types := make(map[string]bool, len(lc.Types))
		for _, t := range lc.Types {
			types[t] = true
		}
		filter := lc.Filter
		p.layers = append(p.layers, compiledLayer{
			name:    lc.Name,
			sortKey: lc.SortKey,
			types:   types,
			filter:  NewFilter(&filter),
		})
	}
	return p
}

// DefaultProfile covers the usual base-map layers when no style or Lua
// script is given.
func DefaultProfile() *Profile {
	return NewProfile(&Config{Layers: []LayerConfig{
		{Name: "water", SortKey: 10, Types: []string{"area", "multipolygon"},
			Filter: FilterConfig{Include: map[string][]string{"natural": {"water"}, "waterway": {"riverbank"}}}},
		{Name: "landuse", SortKey: 20, Types: []string{"area", "multipolygon"},
			Filter: FilterConfig{RequireAny: []string{"landuse", "leisure"}}},
		{Name: "waterway", SortKey: 30, Types: []string{"way"},
			Filter: FilterConfig{RequireAny: []string{"waterway"}}},
		{Name: "roads", SortKey: 40, Types: []string{"way"},
			Filter: FilterConfig{RequireAny: []string{"highway", "railway"}}},
		{Name: "buildings", SortKey: 50, Types: []string{"area"},
			Filter: FilterConfig{RequireAny: []string{"building"}}},
		{Name: "places", SortKey: 60, Types: []string{"node"},
			Filter: FilterConfig{RequireAny: []string{"place"}}},
		{Name: "routes", SortKey: 70, Types: []string{"relation"},
			Filter: FilterConfig{Include: map[string][]string{"type": {"route"}}}},
	}})
}

// PreprocessRelation stores one info per layer of type "relation" whose
// filter matches the relation's tags.
func (p *Profile) PreprocessRelation(rel *osm.Relation) []osmstore.RelationInfo {
	tags := rel.Tags.Map()
	var infos []osmstore.RelationInfo
	for i := range p.layers {
		l := &p.layers[i]
		if l.types["relation"] && l.filter.Match(tags) {
			infos = append(infos, &relationInfo{layer: l.name, tags: tags})
		}
	}
	return infos
}

// ProcessFeature matches the feature against every layer and emits one
// renderable per match.
func (p *Profile) ProcessFeature(f reader.SourceFeature, out *reader.RenderableSink) error {
	switch ft := f.(type) {
	case *reader.NodeFeature:
		for i := range p.layers {
			l := &p.layers[i]
			if l.types["node"] && l.filter.Match(ft.Tags) {
				out.Emit(reader.Renderable{
					Layer:   l.name,
					SortKey: l.sortKey,
					Kind:    reader.GeomPoint,
					Points:  []geo.PackedLocation{ft.Loc},
					Attrs:   ft.Tags,
				})
			}
		}
	case *reader.WayFeature:
		for i := range p.layers {
			l := &p.layers[i]
			switch {
			case l.types["area"] && ft.Closed && l.filter.Match(ft.Tags):
				out.Emit(reader.Renderable{
					Layer:   l.name,
					SortKey: l.sortKey,
					Kind:    reader.GeomPolygon,
					Rings:   [][]geo.PackedLocation{ft.Geom[:len(ft.Geom)-1]},
					Attrs:   ft.Tags,
				})
			case l.types["way"] && l.filter.Match(ft.Tags):
				out.Emit(reader.Renderable{
					Layer:   l.name,
					SortKey: l.sortKey,
					Kind:    reader.GeomLine,
					Points:  ft.Geom,
					Attrs:   ft.Tags,
				})
			}
		}
		// render member ways into the layers their relations matched
		for _, m := range ft.Relations {
			if info, ok := m.Info.(*relationInfo); ok {
				out.Emit(reader.Renderable{
					Layer:   info.layer,
					SortKey: p.sortKeyFor(info.layer),
					Kind:    reader.GeomLine,
					Points:  ft.Geom,
					Attrs:   info.tags,
				})
			}
		}
	case *reader.MultipolygonFeature:
		for i := range p.layers {
			l := &p.layers[i]
			if l.types["multipolygon"] && l.filter.Match(ft.Tags) {
				out.Emit(reader.Renderable{
					Layer:   l.name,
					SortKey: l.sortKey,
					Kind:    reader.GeomMultiPolygon,
					Rings:   ft.Rings,
					Attrs:   ft.Tags,
				})
			}
		}
	}
	return nil
}

func (p *Profile) sortKeyFor(layer string) int64 {
	for i := range p.layers {
		if p.layers[i].name == layer {
			return p.layers[i].sortKey
		}
	}
	return 0
}
