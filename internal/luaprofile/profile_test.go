package luaprofile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osm2tiles-go/internal/geo"
	"github.com/wegman-software/osm2tiles-go/internal/reader"
)

func writeScript(t *testing.T, code string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.lua")
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestProfile(t *testing.T, code string) *Profile {
	t.Helper()
	p, err := New(writeScript(t, code), 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestProcessNode(t *testing.T) {
	p := newTestProfile(t, `
		local pois = osm2tiles.define_layer({ name = "pois", sort_key = 60 })

		function osm2tiles.process_node(object)
			if object.tags.amenity then
				pois:insert({ attrs = { name = object.tags.name } })
			end
		end
	`)

	var out reader.RenderableSink
	f := &reader.NodeFeature{
		ID:   12345,
		Tags: map[string]string{"amenity": "restaurant", "name": "Test Restaurant"},
		Loc:  geo.Encode(7.4246, 43.7384),
	}
	if err := p.ProcessFeature(f, &out); err != nil {
		t.Fatalf("ProcessFeature: %v", err)
	}

	all := out.All()
	if len(all) != 1 {
		t.Fatalf("renderables = %d, want 1", len(all))
	}
	r := all[0]
	if r.Layer != "pois" || r.SortKey != 60 || r.Kind != reader.GeomPoint {
		t.Errorf("renderable = %+v", r)
	}
	if len(r.Points) != 1 || r.Points[0] != f.Loc {
		t.Errorf("point geometry = %v, want the node location", r.Points)
	}
	if r.Attrs["name"] != "Test Restaurant" {
		t.Errorf("attrs = %v", r.Attrs)
	}

	// a node without the tag emits nothing
	out.Reset()
	p.ProcessFeature(&reader.NodeFeature{ID: 1, Tags: map[string]string{}}, &out)
	if len(out.All()) != 0 {
		t.Error("untagged node should emit nothing")
	}
}

func TestProcessWaySortKeyOverrideAndArea(t *testing.T) {
	p := newTestProfile(t, `
		local roads = osm2tiles.define_layer({ name = "roads", sort_key = 40 })
		local buildings = osm2tiles.define_layer({ name = "buildings", sort_key = 50 })

		function osm2tiles.process_way(object)
			if object.tags.highway then
				roads:insert({ sort_key = 41 })
			end
			if object.tags.building and object.is_closed then
				buildings:insert({ area = true })
			end
		end
	`)

	geom := []geo.PackedLocation{geo.Encode(0, 0), geo.Encode(1, 0), geo.Encode(1, 1), geo.Encode(0, 0)}

	var out reader.RenderableSink
	p.ProcessFeature(&reader.WayFeature{
		ID: 1, Tags: map[string]string{"highway": "primary"},
		Geom: geom, Closed: true,
	}, &out)
	all := out.All()
	if len(all) != 1 || all[0].SortKey != 41 || all[0].Kind != reader.GeomLine {
		t.Errorf("road renderable = %+v", all)
	}

	out.Reset()
	p.ProcessFeature(&reader.WayFeature{
		ID: 2, Tags: map[string]string{"building": "yes"},
		Geom: geom, Closed: true,
	}, &out)
	all = out.All()
	if len(all) != 1 || all[0].Kind != reader.GeomPolygon {
		t.Fatalf("building renderable = %+v", all)
	}
	if len(all[0].Rings) != 1 || len(all[0].Rings[0]) != 3 {
		t.Errorf("polygon ring = %v, want 3 vertices without the closing one", all[0].Rings)
	}
}

func TestPreprocessRelation(t *testing.T) {
	p := newTestProfile(t, `
		function osm2tiles.preprocess_relation(relation)
			if relation.tags.type == "route" then
				return { { route = relation.tags.route, ref = relation.tags.ref } }
			end
		end
	`)

	rel := &osm.Relation{
		ID: 77,
		Tags: osm.Tags{
			{Key: "type", Value: "route"},
			{Key: "route", Value: "bicycle"},
			{Key: "ref", Value: "EV6"},
		},
		Members: osm.Members{{Type: osm.TypeWay, Ref: 10, Role: ""}},
	}
	infos := p.PreprocessRelation(rel)
	if len(infos) != 1 {
		t.Fatalf("infos = %d, want 1", len(infos))
	}
	info, ok := infos[0].(*luaRelationInfo)
	if !ok {
		t.Fatalf("info type = %T", infos[0])
	}
	if info.values["route"] != "bicycle" || info.values["ref"] != "EV6" {
		t.Errorf("info values = %v", info.values)
	}
	if info.SizeBytes() <= 0 {
		t.Error("size accounting should be positive")
	}

	// non-route relations return nothing
	boring := &osm.Relation{ID: 78, Tags: osm.Tags{{Key: "type", Value: "site"}}}
	if got := p.PreprocessRelation(boring); got != nil {
		t.Errorf("expected nil infos, got %v", got)
	}
}

func TestRelationInfoVisibleToWays(t *testing.T) {
	p := newTestProfile(t, `
		local routes = osm2tiles.define_layer({ name = "routes", sort_key = 70 })

		function osm2tiles.preprocess_relation(relation)
			if relation.tags.type == "route" then
				return { { ref = relation.tags.ref } }
			end
		end

		function osm2tiles.process_way(object)
			for _, m in ipairs(object.relations) do
				routes:insert({ attrs = { ref = m.info.ref } })
			end
		end
	`)

	rel := &osm.Relation{
		ID:   5,
		Tags: osm.Tags{{Key: "type", Value: "route"}, {Key: "ref", Value: "A1"}},
	}
	infos := p.PreprocessRelation(rel)
	if len(infos) != 1 {
		t.Fatalf("infos = %d, want 1", len(infos))
	}

	var out reader.RenderableSink
	p.ProcessFeature(&reader.WayFeature{
		ID:        10,
		Tags:      map[string]string{},
		Geom:      []geo.PackedLocation{geo.Encode(0, 0), geo.Encode(1, 1)},
		Relations: []reader.RelationMembership{{RelationID: 5, Info: infos[0]}},
	}, &out)

	all := out.All()
	if len(all) != 1 || all[0].Layer != "routes" || all[0].Attrs["ref"] != "A1" {
		t.Errorf("renderables = %+v", all)
	}
}

func TestProcessMultipolygon(t *testing.T) {
	p := newTestProfile(t, `
		local water = osm2tiles.define_layer({ name = "water", sort_key = 10 })

		function osm2tiles.process_multipolygon(object)
			if object.tags.natural == "water" then
				water:insert({})
			end
		end
	`)

	rings := [][]geo.PackedLocation{{geo.Encode(0, 0), geo.Encode(1, 0), geo.Encode(0, 1)}}
	var out reader.RenderableSink
	p.ProcessFeature(&reader.MultipolygonFeature{
		ID: 9, Tags: map[string]string{"natural": "water"}, Rings: rings,
	}, &out)

	all := out.All()
	if len(all) != 1 || all[0].Kind != reader.GeomMultiPolygon || len(all[0].Rings) != 1 {
		t.Errorf("renderables = %+v", all)
	}
}

func TestBadScriptFails(t *testing.T) {
	if _, err := New(writeScript(t, `this is not lua`), 1); err == nil {
		t.Error("expected a load error")
	}
}
