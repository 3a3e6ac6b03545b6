// Package luaprofile implements a Profile scripted in Lua. A script
// declares output layers and implements callbacks:
//
//	local roads = osm2tiles.define_layer({ name = "roads", sort_key = 40 })
//
//	function osm2tiles.preprocess_relation(relation)
//	    if relation.tags.type == "route" then
//	        return { { route = relation.tags.route, ref = relation.tags.ref } }
//	    end
//	end
//
//	function osm2tiles.process_way(object)
//	    if object.tags.highway then
//	        roads:insert({ attrs = { name = object.tags.name } })
//	    end
//	end
//
// Lua states are not safe for concurrent use, so the profile keeps a pool
// of identical states, one per processing worker, and checks one out per
// callback invocation.
package luaprofile

import (
	"fmt"
	"strconv"

	"github.com/paulmach/osm"
	lua "github.com/yuin/gopher-lua"

	"github.com/wegman-software/osm2tiles-go/internal/geo"
	"github.com/wegman-software/osm2tiles-go/internal/osmstore"
	"github.com/wegman-software/osm2tiles-go/internal/reader"
)

// Profile is a Lua-scripted profile.
type Profile struct {
	pool chan *luaState
}

// insert is one pending layer:insert() call.
type insert struct {
	layer   string
	sortKey int64
	area    bool
	attrs   map[string]string
}

type layerDef struct {
	name    string
	sortKey int64
}

type luaState struct {
	L                  *lua.LState
	layers             map[string]*layerDef
	pending            []insert
	preprocessRelation lua.LValue
	processNode        lua.LValue
	processWay         lua.LValue
	processMultipoly   lua.LValue
}

// New loads path into states identical Lua interpreters. states should
// match the pass-2 worker count.
func New(path string, states int) (*Profile, error) {
	if states < 1 {
		states = 1
	}
	p := &Profile{pool: make(chan *luaState, states)}
	for i := 0; i < states; i++ {
		st, err := newLuaState(path)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.pool <- st
	}
	return p, nil
}

// Close releases all Lua interpreters.
func (p *Profile) Close() {
	for {
		select {
		case st := <-p.pool:
			st.L.Close()
		default:
			return
		}
	}
}

func newLuaState(path string) (*luaState, error) {
	st := &luaState{
		L:      lua.NewState(),
		layers: make(map[string]*layerDef),
	}
	mod := st.L.NewTable()
	st.L.SetField(mod, "define_layer", st.L.NewFunction(st.defineLayer))
	st.L.SetGlobal("osm2tiles", mod)

	if err := st.L.DoFile(path); err != nil {
		st.L.Close()
		return nil, fmt.Errorf("failed to load Lua profile: %w", err)
	}

	st.preprocessRelation = mod.RawGetString("preprocess_relation")
	st.processNode = mod.RawGetString("process_node")
	st.processWay = mod.RawGetString("process_way")
	st.processMultipoly = mod.RawGetString("process_multipolygon")
	return st, nil
}

// defineLayer implements osm2tiles.define_layer()
func (st *luaState) defineLayer(L *lua.LState) int {
	tbl := L.CheckTable(1)

	def := &layerDef{}
	if name := tbl.RawGetString("name"); name.Type() == lua.LTString {
		def.name = string(name.(lua.LString))
	} else {
		L.RaiseError("layer name is required")
		return 0
	}
	if key := tbl.RawGetString("sort_key"); key.Type() == lua.LTNumber {
		def.sortKey = int64(key.(lua.LNumber))
	}
	st.layers[def.name] = def

	layerTbl := L.NewTable()
	L.SetField(layerTbl, "name", lua.LString(def.name))
	L.SetField(layerTbl, "insert", L.NewFunction(st.layerInsert(def)))
	L.Push(layerTbl)
	return 1
}

// layerInsert creates the insert method for a layer table.
func (st *luaState) layerInsert(def *layerDef) lua.LGFunction {
	return func(L *lua.LState) int {
		// called as layer:insert(data); self is the first arg
		var data *lua.LTable
		if L.GetTop() >= 2 {
			data = L.CheckTable(2)
		} else {
			data = L.CheckTable(1)
		}

		ins := insert{layer: def.name, sortKey: def.sortKey}
		if key := data.RawGetString("sort_key"); key.Type() == lua.LTNumber {
			ins.sortKey = int64(key.(lua.LNumber))
		}
		if area := data.RawGetString("area"); area.Type() == lua.LTBool {
			ins.area = bool(area.(lua.LBool))
		}
		if attrs := data.RawGetString("attrs"); attrs.Type() == lua.LTTable {
			ins.attrs = tableToStringMap(attrs.(*lua.LTable))
		}
		st.pending = append(st.pending, ins)
		return 0
	}
}

// luaRelationInfo carries the table returned by preprocess_relation.
type luaRelationInfo struct {
	values map[string]string
}

func (i *luaRelationInfo) SizeBytes() int64 {
	n := int64(48)
	for k, v := range i.values {
		n += int64(len(k) + len(v) + 32)
	}
	return n
}

// PreprocessRelation calls the script's preprocess_relation callback and
// converts each returned table into an opaque info record.
func (p *Profile) PreprocessRelation(rel *osm.Relation) []osmstore.RelationInfo {
	st := <-p.pool
	defer func() { p.pool <- st }()

	if st.preprocessRelation == nil || st.preprocessRelation.Type() != lua.LTFunction {
		return nil
	}

	relTbl := st.L.NewTable()
	relTbl.RawSetString("id", lua.LNumber(rel.ID))
	relTbl.RawSetString("tags", stringMapToTable(st.L, rel.Tags.Map()))
	members := st.L.NewTable()
	for i, m := range rel.Members {
		mt := st.L.NewTable()
		mt.RawSetString("type", lua.LString(m.Type))
		mt.RawSetString("ref", lua.LNumber(m.Ref))
		mt.RawSetString("role", lua.LString(m.Role))
		members.RawSetInt(i+1, mt)
	}
	relTbl.RawSetString("members", members)

	if err := st.L.CallByParam(lua.P{Fn: st.preprocessRelation, NRet: 1, Protect: true}, relTbl); err != nil {
		return nil
	}
	ret := st.L.Get(-1)
	st.L.Pop(1)

	list, ok := ret.(*lua.LTable)
	if !ok {
		return nil
	}
	var infos []osmstore.RelationInfo
	list.ForEach(func(_, v lua.LValue) {
		if t, ok := v.(*lua.LTable); ok {
			infos = append(infos, &luaRelationInfo{values: tableToStringMap(t)})
		}
	})
	return infos
}

// ProcessFeature dispatches the feature to the matching script callback
// and converts the collected inserts into renderables carrying the source
// feature's geometry.
func (p *Profile) ProcessFeature(f reader.SourceFeature, out *reader.RenderableSink) error {
	st := <-p.pool
	defer func() { p.pool <- st }()

	var fn lua.LValue
	var obj *lua.LTable
	switch ft := f.(type) {
	case *reader.NodeFeature:
		fn = st.processNode
		obj = st.objectTable("node", ft.ID, ft.Tags)
	case *reader.WayFeature:
		fn = st.processWay
		obj = st.objectTable("way", ft.ID, ft.Tags)
		obj.RawSetString("is_closed", lua.LBool(ft.Closed))
		rels := st.L.NewTable()
		for i, m := range ft.Relations {
			mt := st.L.NewTable()
			mt.RawSetString("relation", lua.LNumber(m.RelationID))
			if info, ok := m.Info.(*luaRelationInfo); ok {
				mt.RawSetString("info", stringMapToTable(st.L, info.values))
			}
			rels.RawSetInt(i+1, mt)
		}
		obj.RawSetString("relations", rels)
	case *reader.MultipolygonFeature:
		fn = st.processMultipoly
		obj = st.objectTable("multipolygon", ft.ID, ft.Tags)
		obj.RawSetString("num_rings", lua.LNumber(len(ft.Rings)))
	}

	if fn == nil || fn.Type() != lua.LTFunction {
		return nil
	}
	st.pending = st.pending[:0]
	if err := st.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, obj); err != nil {
		return fmt.Errorf("lua callback error: %w", err)
	}

	for _, ins := range st.pending {
		r := reader.Renderable{
			Layer:   ins.layer,
			SortKey: ins.sortKey,
			Attrs:   ins.attrs,
		}
		switch ft := f.(type) {
		case *reader.NodeFeature:
			r.Kind = reader.GeomPoint
			r.Points = []geo.PackedLocation{ft.Loc}
		case *reader.WayFeature:
			if ins.area && ft.Closed {
				r.Kind = reader.GeomPolygon
				r.Rings = [][]geo.PackedLocation{ft.Geom[:len(ft.Geom)-1]}
			} else {
				r.Kind = reader.GeomLine
				r.Points = ft.Geom
			}
		case *reader.MultipolygonFeature:
			r.Kind = reader.GeomMultiPolygon
			r.Rings = ft.Rings
		}
		out.Emit(r)
	}
	return nil
}

func (st *luaState) objectTable(kind string, id int64, tags map[string]string) *lua.LTable {
	obj := st.L.NewTable()
	obj.RawSetString("type", lua.LString(kind))
	obj.RawSetString("id", lua.LNumber(id))
	obj.RawSetString("tags", stringMapToTable(st.L, tags))
	return obj
}

func stringMapToTable(L *lua.LState, m map[string]string) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		tbl.RawSetString(k, lua.LString(v))
	}
	return tbl
}

func tableToStringMap(tbl *lua.LTable) map[string]string {
	m := make(map[string]string)
	tbl.ForEach(func(key, value lua.LValue) {
		if key.Type() != lua.LTString {
			return
		}
		k := string(key.(lua.LString))
		switch v := value.(type) {
		case lua.LString:
			m[k] = string(v)
		case lua.LNumber:
			m[k] = strconv.FormatFloat(float64(v), 'g', -1, 64)
		case lua.LBool:
			m[k] = strconv.FormatBool(bool(v))
		}
	})
	return m
}
