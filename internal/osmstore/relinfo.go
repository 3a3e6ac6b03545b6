package osmstore

import "sync/atomic"

// RelationInfo is an opaque relation summary produced by the profile during
// pass 1 and handed back when its member ways are processed in pass 2.
// SizeBytes must be a reasonable upper bound on the retained heap footprint.
type RelationInfo interface {
	SizeBytes() int64
}

// RelInfoTable maps a relation id to the summaries the profile stored for
// it. Written only by pass 1's single indexer, read-only afterwards.
type RelInfoTable struct {
	m    map[int64][]RelationInfo
	size atomic.Int64
}

// NewRelInfoTable returns an empty table.
func NewRelInfoTable() *RelInfoTable {
	return &RelInfoTable{m: make(map[int64][]RelationInfo)}
}

// Put appends an info record for the relation.
func (t *RelInfoTable) Put(rel int64, info RelationInfo) {
	t.m[rel] = append(t.m[rel], info)
	t.size.Add(info.SizeBytes())
}

// Get returns the stored infos for a relation, nil if none.
func (t *RelInfoTable) Get(rel int64) []RelationInfo {
	return t.m[rel]
}

// Len returns the number of relations with at least one info record.
func (t *RelInfoTable) Len() int {
	return len(t.m)
}

// SizeBytes returns the accounted in-memory footprint, for progress logs.
func (t *RelInfoTable) SizeBytes() int64 {
	return t.size.Load()
}
