// Package stats holds the atomic hot-path counters exposed by the cache
// engine's stats() operation.
package stats

import "sync/atomic"

// Collector holds lock-free counters for the engine's stats surface.
// cached_records and dirty_records are not tracked here: they reflect
// point-in-time index state and are computed on demand from the Record
// Index rather than accumulated as counters.
type Collector struct {
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	flushes     atomic.Int64
	evictions   atomic.Int64
	storeErrors atomic.Int64
}

// New returns an empty Collector.
func New() *Collector {
	return &Collector{}
}

func (c *Collector) RecordCacheHit()    { c.cacheHits.Add(1) }
func (c *Collector) RecordCacheMiss()   { c.cacheMisses.Add(1) }
func (c *Collector) RecordStoreError()  { c.storeErrors.Add(1) }

// RecordFlush adds n cleanly persisted entries to the flushes counter.
func (c *Collector) RecordFlush(n int) {
	if n > 0 {
		c.flushes.Add(int64(n))
	}
}

// RecordEvictions adds n to the evictions counter.
func (c *Collector) RecordEvictions(n int) {
	if n > 0 {
		c.evictions.Add(int64(n))
	}
}

// Snapshot is a point-in-time view of every stat. CachedRecords and
// DirtyRecords are filled in by the caller (the engine), since only it has
// access to the Record Index.
type Snapshot struct {
	CacheHits     int64
	CacheMisses   int64
	Flushes       int64
	Evictions     int64
	CachedRecords int
	DirtyRecords  int
	StoreErrors   int64
}

// Snapshot returns the current counter values. CachedRecords/DirtyRecords
// are left zero; the caller fills them in from the index.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		CacheHits:   c.cacheHits.Load(),
		CacheMisses: c.cacheMisses.Load(),
		Flushes:     c.flushes.Load(),
		Evictions:   c.evictions.Load(),
		StoreErrors: c.storeErrors.Load(),
	}
}
