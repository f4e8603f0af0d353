// Package store adapts the cache engine to a durable backing store. It
// provides the real SQLite-backed implementation (SQLStore) and an
// in-memory fake (MemStore) used by engine tests that must not depend on a
// real database.
package store

import (
	"context"

	"github.com/latchdb/latch/internal/model"
)

// UpsertItem is one (key, document) pair submitted to a batch upsert.
type UpsertItem struct {
	Key      string
	Document model.Document
}

// UpsertResult reports, per item, whether the store acknowledged it. A
// whole-batch failure (e.g. the connection dropped mid-batch) is reported by
// returning an error with a nil or partial Acknowledged set; callers must
// not assume an error means zero items succeeded.
type UpsertResult struct {
	// Acknowledged holds the keys the store durably persisted, in any order.
	Acknowledged []string
}

// Adapter is the capability set the cache engine needs from a durable
// store. The real implementation is SQLStore; MemStore is a test fake
// exercising the same contract without a database.
type Adapter interface {
	// EnsureTable idempotently creates the backing table for name if it does
	// not already exist. Never drops data. schemaHint is advisory only.
	EnsureTable(ctx context.Context, table string, schemaHint map[string]any) error

	// Fetch returns the document at (table, key), or (nil, false) if absent.
	Fetch(ctx context.Context, table, key string) (model.Document, bool, error)

	// UpsertBatch inserts-or-updates every item by primary key. Atomic per
	// item; whole-batch atomicity is not required, but partial success must
	// be reported precisely via UpsertResult.Acknowledged.
	UpsertBatch(ctx context.Context, table string, items []UpsertItem) (UpsertResult, error)

	// Query forwards an opaque predicate to the store and returns matching
	// documents, bounded by limit.
	Query(ctx context.Context, table, predicate string, limit int) ([]model.Document, error)

	// Close releases any pooled resources.
	Close() error
}
