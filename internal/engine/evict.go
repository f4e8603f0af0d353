package engine

import (
	"sync"
	"time"

	"github.com/latchdb/latch/internal/scanloop"
)

// evictCheckInterval is how often the background worker wakes to check
// whether an eviction pass is due. Eviction has no dirty-threshold escape
// hatch: it is purely timer-driven, one pass once EvictInterval has elapsed.
const evictCheckInterval = 1 * time.Second

// evictWorker periodically drops idle, clean entries from the Record
// Index. Dirty entries are never touched regardless of age (invariant I2):
// enforced by Index.EvictIdle, not by this worker.
type evictWorker struct {
	engine *Engine

	stopCh  chan struct{}
	wg      sync.WaitGroup
	lastRun time.Time
}

func newEvictWorker(e *Engine) *evictWorker {
	return &evictWorker{engine: e, stopCh: make(chan struct{})}
}

func (w *evictWorker) start() {
	w.lastRun = time.Now()
	w.wg.Add(1)
	go w.run()
}

func (w *evictWorker) stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *evictWorker) run() {
	defer w.wg.Done()
	scanloop.Run(w.stopCh, evictCheckInterval, 0, w.checkTick)
}

func (w *evictWorker) checkTick() {
	cfg := w.engine.runtimeConfig()
	if time.Since(w.lastRun) < cfg.EvictInterval.Std() {
		return
	}
	w.engine.EvictIdle()
	w.lastRun = time.Now()
}
