// Package index implements the Record Index: the in-memory, dirty-tracking
// map from (table, key) to cache entry that sits at the center of the cache
// engine.
package index

import (
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/latchdb/latch/internal/model"
)

// DefaultShardCount is the number of index shards used when none is
// specified. Sharding is by table name, so every key belonging to the same
// table always lives in the same shard — the flush and eviction ticks can
// still snapshot a whole table under one shard's mutex.
const DefaultShardCount = 16

// entry is the internal cache-entry representation. The exported view is
// Entry, returned by value so callers can never mutate index-owned state
// directly.
type entry struct {
	document     model.Document
	dirty        bool
	lastAccessNs int64
	version      int64
}

// Entry is a point-in-time, caller-owned copy of a cache entry.
type Entry struct {
	Document     model.Document
	Dirty        bool
	LastAccessNs int64
	Version      int64
}

// DirtyItem is one row of a dirty snapshot, ready to be hand to a store
// upsert batch.
type DirtyItem struct {
	Table    string
	Key      string
	Version  int64
	Document model.Document
}

type shard struct {
	mu     sync.Mutex
	tables map[string]map[string]*entry
}

// Index is the sharded Record Index. All per-shard state is guarded by
// that shard's own mutex; no store I/O ever happens while a shard mutex is
// held.
type Index struct {
	shards []*shard
}

// New creates an Index with shardCount shards (DefaultShardCount if <= 0).
func New(shardCount int) *Index {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{tables: make(map[string]map[string]*entry)}
	}
	return &Index{shards: shards}
}

func (ix *Index) shardFor(table string) *shard {
	h := xxh3.HashString(table)
	return ix.shards[h%uint64(len(ix.shards))]
}

// Put creates or replaces the entry at (table, key). markDirty is OR'd with
// the entry's existing dirty flag (a dirty entry can never be made clean by
// a plain write — only a successful flush clears it). Bumps version and
// last_access.
func (ix *Index) Put(table, key string, doc model.Document, markDirty bool, nowNs int64) int64 {
	s := ix.shardFor(table)
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[table]
	if rows == nil {
		rows = make(map[string]*entry)
		s.tables[table] = rows
	}

	e, ok := rows[key]
	if !ok {
		e = &entry{}
		rows[key] = e
	}
	e.document = doc.Clone()
	e.dirty = markDirty || e.dirty
	e.version++
	e.lastAccessNs = nowNs
	return e.version
}

// GetEntry returns a copy of the entry at (table, key), refreshing its
// last_access timestamp. Returns (Entry{}, false) on miss.
func (ix *Index) GetEntry(table, key string, nowNs int64) (Entry, bool) {
	s := ix.shardFor(table)
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[table]
	if rows == nil {
		return Entry{}, false
	}
	e, ok := rows[key]
	if !ok {
		return Entry{}, false
	}
	e.lastAccessNs = nowNs
	return Entry{
		Document:     e.document.Clone(),
		Dirty:        e.dirty,
		LastAccessNs: e.lastAccessNs,
		Version:      e.version,
	}, true
}

// ClearDirtyIfUnchanged sets dirty := false iff the entry still exists and
// its version equals observedVersion. Returns true if it cleared the flag.
// If the version advanced since the snapshot, the entry is left dirty: the
// flush that produced observedVersion did not persist the later mutation.
func (ix *Index) ClearDirtyIfUnchanged(table, key string, observedVersion int64) bool {
	s := ix.shardFor(table)
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[table]
	if rows == nil {
		return false
	}
	e, ok := rows[key]
	if !ok || e.version != observedVersion {
		return false
	}
	e.dirty = false
	return true
}

// SnapshotDirty returns a frozen copy of every dirty entry in table. If
// table is "", every table is scanned. The snapshot captures the document
// value at the instant each shard's mutex was held; it never mutates the
// index.
func (ix *Index) SnapshotDirty(table string) []DirtyItem {
	if table != "" {
		return ix.snapshotDirtyShard(ix.shardFor(table), table)
	}

	var out []DirtyItem
	for _, s := range ix.shards {
		out = append(out, ix.snapshotDirtyShardAllTables(s)...)
	}
	return out
}

func (ix *Index) snapshotDirtyShard(s *shard, table string) []DirtyItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[table]
	out := make([]DirtyItem, 0, len(rows))
	for key, e := range rows {
		if !e.dirty {
			continue
		}
		out = append(out, DirtyItem{Table: table, Key: key, Version: e.version, Document: e.document.Clone()})
	}
	return out
}

func (ix *Index) snapshotDirtyShardAllTables(s *shard) []DirtyItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DirtyItem
	for table, rows := range s.tables {
		for key, e := range rows {
			if !e.dirty {
				continue
			}
			out = append(out, DirtyItem{Table: table, Key: key, Version: e.version, Document: e.document.Clone()})
		}
	}
	return out
}

// Drop removes the entry at (table, key), if present.
func (ix *Index) Drop(table, key string) {
	s := ix.shardFor(table)
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[table]
	if rows == nil {
		return
	}
	delete(rows, key)
	if len(rows) == 0 {
		delete(s.tables, table)
	}
}

// EvictIdle drops every entry that is clean (dirty=false) and whose
// last_access is older than cutoffNs, across every table. Dirty entries are
// never touched, regardless of age (invariant I2). Returns the number of
// entries dropped.
func (ix *Index) EvictIdle(cutoffNs int64) int {
	dropped := 0
	for _, s := range ix.shards {
		dropped += evictIdleShard(s, cutoffNs)
	}
	return dropped
}

func evictIdleShard(s *shard, cutoffNs int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for table, rows := range s.tables {
		for key, e := range rows {
			if e.dirty || e.lastAccessNs >= cutoffNs {
				continue
			}
			delete(rows, key)
			dropped++
		}
		if len(rows) == 0 {
			delete(s.tables, table)
		}
	}
	return dropped
}

// Counts returns the total number of cached entries and the number of
// those that are currently dirty, across every shard and table.
func (ix *Index) Counts() (cached, dirty int) {
	for _, s := range ix.shards {
		s.mu.Lock()
		for _, rows := range s.tables {
			cached += len(rows)
			for _, e := range rows {
				if e.dirty {
					dirty++
				}
			}
		}
		s.mu.Unlock()
	}
	return cached, dirty
}
