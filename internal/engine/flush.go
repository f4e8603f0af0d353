package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latchdb/latch/internal/cacheerr"
	"github.com/latchdb/latch/internal/index"
	"github.com/latchdb/latch/internal/scanloop"
	"github.com/latchdb/latch/internal/store"
)

// flushCheckInterval is how often the background worker wakes to check
// whether a flush is due. The actual flush cadence is governed by the
// runtime config's FlushInterval and FlushDirtyThreshold, checked each wake.
const flushCheckInterval = 1 * time.Second

// flushWorker periodically flushes dirty entries to the store, triggered by
// whichever comes first: the configured interval elapsing, or the total
// dirty count crossing the configured threshold.
type flushWorker struct {
	engine *Engine

	stopCh   chan struct{}
	wg       sync.WaitGroup
	lastRun  time.Time
}

func newFlushWorker(e *Engine) *flushWorker {
	return &flushWorker{engine: e, stopCh: make(chan struct{})}
}

func (w *flushWorker) start() {
	w.lastRun = time.Now()
	w.wg.Add(1)
	go w.run()
}

func (w *flushWorker) stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *flushWorker) run() {
	defer w.wg.Done()
	scanloop.Run(w.stopCh, flushCheckInterval, 0, w.checkTick)
}

func (w *flushWorker) checkTick() {
	cfg := w.engine.runtimeConfig()
	_, dirty := w.engine.idx.Counts()
	due := dirty > 0 && (dirty >= cfg.FlushDirtyThreshold || time.Since(w.lastRun) >= cfg.FlushInterval.Std())
	if !due {
		return
	}
	if err := w.engine.Flush(context.Background(), ""); err != nil {
		log.Printf("[flush] background tick reported errors: %v", err)
	}
	w.lastRun = time.Now()
}

// Flush snapshots every dirty entry in scope (table, or every table when
// table == ""), groups it by table, and upserts each group to the store.
// Items the store acknowledges have their dirty flag cleared (unless written
// again since the snapshot) and stay cached; items it does not (whole-group error, or a schema error that blacklists the table) are
// left dirty for the next tick. A table that reports SchemaError is skipped
// on every subsequent tick until ClearSchemaError is called.
func (e *Engine) Flush(ctx context.Context, table string) error {
	batchID := uuid.NewString()
	items := e.idx.SnapshotDirty(table)
	if len(items) == 0 {
		return nil
	}

	grouped := groupByTable(items)
	var errs []error

	for t, group := range grouped {
		if blockErr, blocked := e.flushState.isBlocked(t); blocked {
			log.Printf("[flush %s] table %s blocked by prior schema error, skipping: %v", batchID, t, blockErr)
			continue
		}

		upsertItems := make([]store.UpsertItem, len(group))
		versionOf := make(map[string]int64, len(group))
		for i, it := range group {
			upsertItems[i] = store.UpsertItem{Key: it.Key, Document: it.Document}
			versionOf[it.Key] = it.Version
		}

		result, err := e.adapter.UpsertBatch(ctx, t, upsertItems)
		if err != nil {
			e.stats.RecordStoreError()
			e.flushState.recordFailure(t)
			log.Printf("[flush %s] table %s upsert_batch failed (%d items left dirty): %v", batchID, t, len(group), err)
			if errors.Is(err, cacheerr.ErrSchemaError) {
				e.flushState.blockOnSchemaError(t, err)
			}
			errs = append(errs, fmt.Errorf("table %s: %w", t, err))
			continue
		}

		cleared := 0
		for _, key := range result.Acknowledged {
			if e.idx.ClearDirtyIfUnchanged(t, key, versionOf[key]) {
				cleared++
			}
		}
		e.stats.RecordFlush(cleared)
		log.Printf("[flush %s] table %s: %d/%d acknowledged, %d cleared", batchID, t, len(result.Acknowledged), len(group), cleared)
	}

	if len(errs) > 0 {
		return fmt.Errorf("flush: %d table(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func groupByTable(items []index.DirtyItem) map[string][]index.DirtyItem {
	grouped := make(map[string][]index.DirtyItem)
	for _, it := range items {
		grouped[it.Table] = append(grouped[it.Table], it)
	}
	return grouped
}
