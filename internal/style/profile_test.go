package style

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osm2tiles-go/internal/geo"
	"github.com/wegman-software/osm2tiles-go/internal/reader"
)

func TestFilterMatch(t *testing.T) {
	tests := []struct {
		name string
		cfg  FilterConfig
		tags map[string]string
		want bool
	}{
		{"empty filter matches all", FilterConfig{}, map[string]string{"a": "b"}, true},
		{"require_any present", FilterConfig{RequireAny: []string{"highway"}}, map[string]string{"highway": "primary"}, true},
		{"require_any absent", FilterConfig{RequireAny: []string{"highway"}}, map[string]string{"building": "yes"}, false},
		{"include value match", FilterConfig{Include: map[string][]string{"highway": {"primary"}}}, map[string]string{"highway": "primary"}, true},
		{"include value mismatch", FilterConfig{Include: map[string][]string{"highway": {"primary"}}}, map[string]string{"highway": "footway"}, false},
		{"include any value", FilterConfig{Include: map[string][]string{"highway": {}}}, map[string]string{"highway": "footway"}, true},
		{"include wildcard", FilterConfig{Include: map[string][]string{"highway": {"*"}}}, map[string]string{"highway": "xyz"}, true},
		{"exclude key", FilterConfig{Exclude: map[string][]string{"area": {}}}, map[string]string{"area": "yes"}, false},
		{"exclude value", FilterConfig{Exclude: map[string][]string{"access": {"private"}}}, map[string]string{"access": "private"}, false},
		{"exclude other value", FilterConfig{Exclude: map[string][]string{"access": {"private"}}}, map[string]string{"access": "yes"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if got := NewFilter(&cfg).Match(tt.tags); got != tt.want {
				t.Errorf("Match(%v) = %v, want %v", tt.tags, got, tt.want)
			}
		})
	}
}

func TestLoadStyleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "style.yaml")
	content := `
layers:
  - name: roads
    sort_key: 40
    types: [way]
    require_any: [highway]
  - name: water
    sort_key: 10
    types: [area, multipolygon]
    include:
      natural: [water]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Layers) != 2 {
		t.Fatalf("layers = %d, want 2", len(cfg.Layers))
	}
	if cfg.Layers[0].Name != "roads" || cfg.Layers[0].SortKey != 40 {
		t.Errorf("first layer = %+v", cfg.Layers[0])
	}
	if got := cfg.Layers[1].Filter.Include["natural"]; len(got) != 1 || got[0] != "water" {
		t.Errorf("water include = %v", got)
	}
}

func TestLoadRejectsEmptyStyle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "style.yaml")
	os.WriteFile(path, []byte("layers: []\n"), 0644)
	if _, err := Load(path); err == nil {
		t.Error("expected error for a style with no layers")
	}
}

func wayFeature(tags map[string]string, closed bool) *reader.WayFeature {
	geom := []geo.PackedLocation{geo.Encode(0, 0), geo.Encode(1, 0), geo.Encode(1, 1)}
	if closed {
		geom = append(geom, geom[0])
	}
	return &reader.WayFeature{ID: 1, Tags: tags, Geom: geom, Closed: closed}
}

func TestProfileEmitsByElementKind(t *testing.T) {
	p := NewProfile(&Config{Layers: []LayerConfig{
		{Name: "places", SortKey: 1, Types: []string{"node"}, Filter: FilterConfig{RequireAny: []string{"place"}}},
		{Name: "roads", SortKey: 2, Types: []string{"way"}, Filter: FilterConfig{RequireAny: []string{"highway"}}},
		{Name: "buildings", SortKey: 3, Types: []string{"area"}, Filter: FilterConfig{RequireAny: []string{"building"}}},
		{Name: "water", SortKey: 4, Types: []string{"multipolygon"}, Filter: FilterConfig{RequireAny: []string{"natural"}}},
	}})

	var out reader.RenderableSink

	p.ProcessFeature(&reader.NodeFeature{ID: 1, Tags: map[string]string{"place": "town"}, Loc: geo.Encode(1, 1)}, &out)
	if all := out.All(); len(all) != 1 || all[0].Layer != "places" || all[0].Kind != reader.GeomPoint {
		t.Errorf("node renderables = %+v", all)
	}

	out.Reset()
	p.ProcessFeature(wayFeature(map[string]string{"highway": "primary"}, false), &out)
	if all := out.All(); len(all) != 1 || all[0].Layer != "roads" || all[0].Kind != reader.GeomLine {
		t.Errorf("way renderables = %+v", all)
	}

	out.Reset()
	p.ProcessFeature(wayFeature(map[string]string{"building": "yes"}, true), &out)
	if all := out.All(); len(all) != 1 || all[0].Layer != "buildings" || all[0].Kind != reader.GeomPolygon {
		t.Errorf("area renderables = %+v", all)
	}

	out.Reset()
	p.ProcessFeature(&reader.MultipolygonFeature{
		ID:    2,
		Tags:  map[string]string{"natural": "water"},
		Rings: [][]geo.PackedLocation{{geo.Encode(0, 0), geo.Encode(1, 0), geo.Encode(0, 1)}},
	}, &out)
	if all := out.All(); len(all) != 1 || all[0].Layer != "water" || all[0].Kind != reader.GeomMultiPolygon {
		t.Errorf("multipolygon renderables = %+v", all)
	}

	// an unmatched feature emits nothing
	out.Reset()
	p.ProcessFeature(&reader.NodeFeature{ID: 3, Tags: map[string]string{"barrier": "gate"}}, &out)
	if all := out.All(); len(all) != 0 {
		t.Errorf("unmatched renderables = %+v", all)
	}
}

func TestProfileRelationMembership(t *testing.T) {
	p := NewProfile(&Config{Layers: []LayerConfig{
		{Name: "routes", SortKey: 9, Types: []string{"relation"},
			Filter: FilterConfig{Include: map[string][]string{"type": {"route"}}}},
	}})

	rel := &osm.Relation{
		ID:   7,
		Tags: osm.Tags{{Key: "type", Value: "route"}, {Key: "ref", Value: "A1"}},
	}
	infos := p.PreprocessRelation(rel)
	if len(infos) != 1 {
		t.Fatalf("infos = %d, want 1", len(infos))
	}
	if infos[0].SizeBytes() <= 0 {
		t.Error("info size accounting should be positive")
	}

	wf := wayFeature(map[string]string{}, false)
	wf.Relations = []reader.RelationMembership{{RelationID: 7, Info: infos[0]}}

	var out reader.RenderableSink
	p.ProcessFeature(wf, &out)
	all := out.All()
	if len(all) != 1 || all[0].Layer != "routes" || all[0].SortKey != 9 {
		t.Fatalf("membership renderables = %+v", all)
	}
	if all[0].Attrs["ref"] != "A1" {
		t.Errorf("member way should inherit relation tags, got %v", all[0].Attrs)
	}
}

func TestDefaultProfileCoversBaseLayers(t *testing.T) {
	p := DefaultProfile()

	var out reader.RenderableSink
	p.ProcessFeature(wayFeature(map[string]string{"highway": "residential"}, false), &out)
	if all := out.All(); len(all) != 1 || all[0].Layer != "roads" {
		t.Errorf("default profile road = %+v", all)
	}

	out.Reset()
	p.ProcessFeature(&reader.NodeFeature{ID: 1, Tags: map[string]string{"place": "city"}, Loc: geo.Encode(0, 0)}, &out)
	if all := out.All(); len(all) != 1 || all[0].Layer != "places" {
		t.Errorf("default profile place = %+v", all)
	}
}
