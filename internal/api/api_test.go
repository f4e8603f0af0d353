package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/latchdb/latch/internal/cacheerr"
	"github.com/latchdb/latch/internal/config"
	"github.com/latchdb/latch/internal/model"
	"github.com/latchdb/latch/internal/stats"
)

// fakeEngine is a hand-written double for the Engine interface, letting
// these tests exercise routing and JSON translation without a real store.
type fakeEngine struct {
	createTableErr error
	upsertErr      error
	getDoc         model.Document
	getErr         error
	queryDocs      []model.Document
	queryErr       error
	flushErr       error
	evicted        int
	snapshot       stats.Snapshot
	clearedTable   string
	lastUseCache   bool
}

func (f *fakeEngine) CreateTable(ctx context.Context, table string, schemaHint map[string]any) error {
	return f.createTableErr
}
func (f *fakeEngine) Upsert(table, key string, doc model.Document) error { return f.upsertErr }
func (f *fakeEngine) Get(ctx context.Context, table, key string, useCache bool) (model.Document, error) {
	f.lastUseCache = useCache
	return f.getDoc, f.getErr
}
func (f *fakeEngine) Query(ctx context.Context, table, predicate string, limit int) ([]model.Document, error) {
	return f.queryDocs, f.queryErr
}
func (f *fakeEngine) Flush(ctx context.Context, table string) error { return f.flushErr }
func (f *fakeEngine) EvictIdle() int                                { return f.evicted }
func (f *fakeEngine) Stats() stats.Snapshot                         { return f.snapshot }
func (f *fakeEngine) Reconfigure(cfg *config.RuntimeConfig) error   { return nil }
func (f *fakeEngine) ClearSchemaError(table string)                 { f.clearedTable = table }

func TestAPI_CreateTable(t *testing.T) {
	eng := &fakeEngine{}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodPost, "/tables/users/", bytes.NewBufferString(`{"schema_hint":{"n":"string"}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_UpsertThenGet(t *testing.T) {
	eng := &fakeEngine{getDoc: model.Document{"n": "A"}}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodPut, "/tables/users/keys/a/", bytes.NewBufferString(`{"n":"A"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("upsert: got status %d, body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/tables/users/keys/a/", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got status %d, body %s", rec.Code, rec.Body.String())
	}

	var doc model.Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc["n"] != "A" {
		t.Fatalf("got %v", doc)
	}
	if !eng.lastUseCache {
		t.Fatal("use_cache should default to true")
	}
}

func TestAPI_GetMissingReturns404(t *testing.T) {
	eng := &fakeEngine{getDoc: nil}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodGet, "/tables/users/keys/nope/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestAPI_GetUseCacheFalse(t *testing.T) {
	eng := &fakeEngine{getDoc: model.Document{"n": "A"}}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodGet, "/tables/users/keys/a/?use_cache=false", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if eng.lastUseCache {
		t.Fatal("expected use_cache=false to be forwarded")
	}
}

func TestAPI_ErrorMapsToStatusAndCode(t *testing.T) {
	eng := &fakeEngine{getErr: cacheerr.ErrStoreUnavailable}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodGet, "/tables/users/keys/a/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d", rec.Code)
	}

	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "store_unavailable" {
		t.Fatalf("got code %q", body.Error.Code)
	}
}

func TestAPI_Query(t *testing.T) {
	eng := &fakeEngine{queryDocs: []model.Document{{"n": "A"}, {"n": "B"}}}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodGet, "/tables/users/query?predicate=n=%27A%27&limit=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}

	var docs []model.Document
	if err := json.Unmarshal(rec.Body.Bytes(), &docs); err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs", len(docs))
	}
}

func TestAPI_FlushAndEvict(t *testing.T) {
	eng := &fakeEngine{evicted: 3}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodPost, "/flush", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("flush: got status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/evict", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("evict: got status %d", rec.Code)
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["evicted"] != 3 {
		t.Fatalf("got %v", body)
	}
}

func TestAPI_ClearSchemaError(t *testing.T) {
	eng := &fakeEngine{}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodPost, "/tables/users/clear-schema-error", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("got status %d", rec.Code)
	}
	if eng.clearedTable != "users" {
		t.Fatalf("got cleared table %q", eng.clearedTable)
	}
}

func TestAPI_Healthz(t *testing.T) {
	eng := &fakeEngine{}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestAPI_Stats(t *testing.T) {
	eng := &fakeEngine{snapshot: stats.Snapshot{CacheHits: 5, CachedRecords: 10}}
	router := NewRouter(eng)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var snap stats.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.CacheHits != 5 || snap.CachedRecords != 10 {
		t.Fatalf("got %+v", snap)
	}
}
