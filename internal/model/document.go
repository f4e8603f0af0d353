// Package model defines the data types shared across the cache engine, the
// record index, and the store adapter.
package model

import "encoding/json"

// Document is an arbitrary structured value stored opaquely by the cache.
// The engine never inspects its fields; it is decoded JSON, a nested mapping
// from strings to scalars, arrays, or sub-mappings.
type Document map[string]any

// Clone returns a deep copy of the document via a JSON round-trip. The
// engine takes a clone on every insert/upsert and every snapshot so that a
// caller's subsequent mutation of their own map cannot corrupt cached or
// in-flight state.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		// Documents are not validated before insert: the clone taken by
		// Index.Put is the first marshal, so a document holding an
		// unmarshalable value (a channel, a func) panics here.
		panic("model: document no longer marshals: " + err.Error())
	}
	var clone Document
	if err := json.Unmarshal(raw, &clone); err != nil {
		panic("model: document clone failed to round-trip: " + err.Error())
	}
	return clone
}

// Record is a single persisted row as read back from the store.
type Record struct {
	Key         string
	Document    Document
	CreatedAtNs int64
	UpdatedAtNs int64
}

// Key identifies a cache entry by its table and caller-supplied key.
type Key struct {
	Table string
	Key   string
}
