// Package engine implements the Engine Façade: the public cache API,
// lifecycle management, and orchestration of the background flush and
// eviction tasks described by the cache design.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/latchdb/latch/internal/cacheerr"
	"github.com/latchdb/latch/internal/config"
	"github.com/latchdb/latch/internal/index"
	"github.com/latchdb/latch/internal/model"
	"github.com/latchdb/latch/internal/stats"
	"github.com/latchdb/latch/internal/store"
)

// schemaClearer is implemented by store adapters (SQLStore) that maintain
// their own ensure-table schema blacklist in addition to the engine's
// flush-skip blacklist. Optional: MemStore does not implement it.
type schemaClearer interface {
	ClearSchemaError(table string)
}

// Engine is the cache engine façade: lifecycle, public operations, and
// owner of the Record Index, the Store Adapter, and the background tasks.
type Engine struct {
	idx     *index.Index
	adapter store.Adapter
	stats   *stats.Collector

	cfg atomic.Pointer[config.RuntimeConfig]

	inflight singleflight.Group
	flushState flushTableStates

	stopped  atomic.Bool
	flushWk  *flushWorker
	evictWk  *evictWorker
}

// New builds an Engine around an already-open Adapter and an initial
// RuntimeConfig. Start must be called before background flush/eviction run.
func New(adapter store.Adapter, cfg *config.RuntimeConfig) (*Engine, error) {
	if adapter == nil {
		return nil, fmt.Errorf("engine: adapter must not be nil")
	}
	if cfg == nil {
		cfg = config.NewDefaultRuntimeConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		idx:     index.New(index.DefaultShardCount),
		adapter: adapter,
		stats:   stats.New(),
	}
	e.cfg.Store(cfg)
	e.flushWk = newFlushWorker(e)
	e.evictWk = newEvictWorker(e)
	return e, nil
}

func (e *Engine) runtimeConfig() *config.RuntimeConfig {
	return e.cfg.Load()
}

// Reconfigure swaps the hot-updatable cadence settings. Takes effect on the
// next background tick; does not require a restart.
func (e *Engine) Reconfigure(cfg *config.RuntimeConfig) error {
	if cfg == nil {
		return fmt.Errorf("engine: cfg must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg.Store(cfg)
	return nil
}

// Start opens the background flush and eviction tasks. The store pool is
// assumed already open (constructed by the caller via store.Open).
func (e *Engine) Start() {
	e.flushWk.start()
	e.evictWk.start()
}

// Stop cancels the background tasks, waits for their current tick to
// finish, runs one final synchronous flush across every table, and closes
// the store pool. Final-flush failures are logged but never prevent the
// pool from closing.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopped.Store(true)
	e.flushWk.stop()
	e.evictWk.stop()

	if err := e.Flush(ctx, ""); err != nil {
		log.Printf("[engine] final flush on stop reported errors: %v", err)
	}

	return e.adapter.Close()
}

// CreateTable delegates to the store adapter's idempotent table bootstrap.
func (e *Engine) CreateTable(ctx context.Context, table string, schemaHint map[string]any) error {
	if e.stopped.Load() {
		return cacheerr.ErrEngineStopped
	}
	return e.adapter.EnsureTable(ctx, table, schemaHint)
}

// ClearSchemaError lifts the flush-skip block placed on table after a fatal
// schema error, and clears the adapter's own schema-error record if it
// keeps one. The concrete form of the "operator intervention" the flush
// algorithm calls for.
func (e *Engine) ClearSchemaError(table string) {
	e.flushState.clear(table)
	if sc, ok := e.adapter.(schemaClearer); ok {
		sc.ClearSchemaError(table)
	}
}

// Insert/Upsert writes doc into the Record Index as dirty. Never touches
// the store: durability is deferred to the Flush Engine.
func (e *Engine) Upsert(table, key string, doc model.Document) error {
	if e.stopped.Load() {
		return cacheerr.ErrEngineStopped
	}
	if table == "" || key == "" {
		return fmt.Errorf("%w: table and key must be non-empty", cacheerr.ErrInvalidArgument)
	}
	if doc == nil {
		return fmt.Errorf("%w: document must be a mapping", cacheerr.ErrInvalidArgument)
	}
	e.idx.Put(table, key, doc, true, time.Now().UnixNano())
	return nil
}

// Insert is an alias for Upsert: the Record Index makes no distinction
// between first-write and overwrite.
func (e *Engine) Insert(table, key string, doc model.Document) error {
	return e.Upsert(table, key, doc)
}

// Get returns the document at (table, key). A hit refreshes last_access
// and counts cache_hit. A miss with useCache=true loads from the store,
// inserting the result as a clean entry, and counts cache_miss. Concurrent
// misses for the same key collapse into a single store.Fetch call.
func (e *Engine) Get(ctx context.Context, table, key string, useCache bool) (model.Document, error) {
	if e.stopped.Load() {
		return nil, cacheerr.ErrEngineStopped
	}
	if table == "" || key == "" {
		return nil, fmt.Errorf("%w: table and key must be non-empty", cacheerr.ErrInvalidArgument)
	}

	now := time.Now().UnixNano()
	if entry, ok := e.idx.GetEntry(table, key, now); ok {
		e.stats.RecordCacheHit()
		return entry.Document, nil
	}
	e.stats.RecordCacheMiss()

	if !useCache {
		doc, found, err := e.adapter.Fetch(ctx, table, key)
		if err != nil {
			e.stats.RecordStoreError()
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return doc, nil
	}

	flightKey := table + "\x00" + key
	v, err, _ := e.inflight.Do(flightKey, func() (any, error) {
		// A caller that missed the index just as an earlier flight finished
		// finds the loaded entry here instead of fetching a second time.
		if entry, ok := e.idx.GetEntry(table, key, time.Now().UnixNano()); ok {
			return entry.Document, nil
		}
		doc, found, err := e.adapter.Fetch(ctx, table, key)
		if err != nil {
			e.stats.RecordStoreError()
			return nil, err
		}
		if !found {
			return nil, nil
		}
		e.idx.Put(table, key, doc, false, time.Now().UnixNano())
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(model.Document), nil
}

// Query bypasses the cache entirely and forwards to the store adapter.
func (e *Engine) Query(ctx context.Context, table, predicate string, limit int) ([]model.Document, error) {
	if e.stopped.Load() {
		return nil, cacheerr.ErrEngineStopped
	}
	return e.adapter.Query(ctx, table, predicate, limit)
}

// EvictIdle runs one eviction pass synchronously, returning the number of
// entries removed.
func (e *Engine) EvictIdle() int {
	cutoff := time.Now().Add(-e.runtimeConfig().EvictInterval.Std()).UnixNano()
	dropped := e.idx.EvictIdle(cutoff)
	e.stats.RecordEvictions(dropped)
	return dropped
}

// Stats returns a snapshot of every counter, including the point-in-time
// index sizes.
func (e *Engine) Stats() stats.Snapshot {
	snap := e.stats.Snapshot()
	snap.CachedRecords, snap.DirtyRecords = e.idx.Counts()
	return snap
}

// flushTableStates tracks, per table, the consecutive-failure counter and
// the fatal-schema-error block described by the flush algorithm: a table
// with a schema error is skipped on every subsequent tick until an
// operator calls ClearSchemaError.
type flushTableStates struct {
	mu     sync.Mutex
	tables map[string]*flushTableState
}

type flushTableState struct {
	failures     int64
	schemaBlock  error
}

func (s *flushTableStates) state(table string) *flushTableState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables == nil {
		s.tables = make(map[string]*flushTableState)
	}
	st, ok := s.tables[table]
	if !ok {
		st = &flushTableState{}
		s.tables[table] = st
	}
	return st
}

func (s *flushTableStates) recordFailure(table string) {
	st := s.state(table)
	s.mu.Lock()
	st.failures++
	s.mu.Unlock()
}

func (s *flushTableStates) blockOnSchemaError(table string, err error) {
	st := s.state(table)
	s.mu.Lock()
	st.schemaBlock = err
	s.mu.Unlock()
}

func (s *flushTableStates) isBlocked(table string) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables == nil {
		return nil, false
	}
	st, ok := s.tables[table]
	if !ok || st.schemaBlock == nil {
		return nil, false
	}
	return st.schemaBlock, true
}

func (s *flushTableStates) clear(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tables[table]; ok {
		st.schemaBlock = nil
		st.failures = 0
	}
}
