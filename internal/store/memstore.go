package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/latchdb/latch/internal/cacheerr"
	"github.com/latchdb/latch/internal/model"
)

// MemStore is an in-memory Adapter fake for tests that need a predictable,
// observable store without a real database. It satisfies the same
// capability set as SQLStore: ensure_table, fetch, upsert_batch, query.
type MemStore struct {
	mu     sync.Mutex
	tables map[string]map[string]model.Document

	fetchCalls atomic.Int64
	upsertCalls atomic.Int64
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{tables: make(map[string]map[string]model.Document)}
}

func (m *MemStore) EnsureTable(_ context.Context, table string, _ map[string]any) error {
	if table == "" {
		return fmt.Errorf("%w: empty table name", cacheerr.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = make(map[string]model.Document)
	}
	return nil
}

func (m *MemStore) Fetch(_ context.Context, table, key string) (model.Document, bool, error) {
	m.fetchCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[table]
	if !ok {
		return nil, false, nil
	}
	doc, ok := rows[key]
	if !ok {
		return nil, false, nil
	}
	return doc.Clone(), true, nil
}

func (m *MemStore) UpsertBatch(_ context.Context, table string, items []UpsertItem) (UpsertResult, error) {
	m.upsertCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[table]
	if !ok {
		rows = make(map[string]model.Document)
		m.tables[table] = rows
	}

	result := UpsertResult{Acknowledged: make([]string, 0, len(items))}
	for _, item := range items {
		rows[item.Key] = item.Document.Clone()
		result.Acknowledged = append(result.Acknowledged, item.Key)
	}
	return result, nil
}

func (m *MemStore) Query(_ context.Context, table, _ string, limit int) ([]model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[table]
	if !ok {
		return nil, nil
	}

	docs := make([]model.Document, 0, len(rows))
	for _, doc := range rows {
		docs = append(docs, doc.Clone())
		if limit > 0 && len(docs) >= limit {
			break
		}
	}
	return docs, nil
}

func (m *MemStore) Close() error { return nil }

// FetchCalls returns the number of Fetch invocations observed so far. Used
// by single-flight tests (P6/S5) to assert exactly one store round trip.
func (m *MemStore) FetchCalls() int64 { return m.fetchCalls.Load() }

// UpsertCalls returns the number of UpsertBatch invocations observed so
// far.
func (m *MemStore) UpsertCalls() int64 { return m.upsertCalls.Load() }

// RowCount returns the number of rows currently stored for table.
func (m *MemStore) RowCount(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// FailingMemStore wraps a MemStore and fails every UpsertBatch call until
// AllowWrites is called, simulating a store outage for flush-retry tests.
type FailingMemStore struct {
	*MemStore
	failing atomic.Bool
}

// NewFailingMemStore returns a MemStore wrapper that can be toggled to fail
// writes on demand.
func NewFailingMemStore() *FailingMemStore {
	return &FailingMemStore{MemStore: NewMemStore()}
}

// Fail causes subsequent UpsertBatch calls to fail.
func (f *FailingMemStore) Fail() { f.failing.Store(true) }

// AllowWrites stops UpsertBatch calls from failing.
func (f *FailingMemStore) AllowWrites() { f.failing.Store(false) }

func (f *FailingMemStore) UpsertBatch(ctx context.Context, table string, items []UpsertItem) (UpsertResult, error) {
	if f.failing.Load() {
		return UpsertResult{}, fmt.Errorf("%w: simulated outage", cacheerr.ErrStoreUnavailable)
	}
	return f.MemStore.UpsertBatch(ctx, table, items)
}
