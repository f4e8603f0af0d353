package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/latchdb/latch/internal/config"
	"github.com/latchdb/latch/internal/model"
	"github.com/latchdb/latch/internal/stats"
)

// Engine is the capability set the HTTP surface needs from the cache
// engine façade. Satisfied by *engine.Engine; kept as an interface so the
// API can be exercised in tests without spinning up a real store.
type Engine interface {
	CreateTable(ctx context.Context, table string, schemaHint map[string]any) error
	Upsert(table, key string, doc model.Document) error
	Get(ctx context.Context, table, key string, useCache bool) (model.Document, error)
	Query(ctx context.Context, table, predicate string, limit int) ([]model.Document, error)
	Flush(ctx context.Context, table string) error
	EvictIdle() int
	Stats() stats.Snapshot
	Reconfigure(cfg *config.RuntimeConfig) error
	ClearSchemaError(table string)
}

// NewRouter builds the cache's HTTP surface: one route per engine
// operation, each a thin translation between JSON and the engine call.
func NewRouter(eng Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", handleHealthz)
	r.Get("/stats", handleStats(eng))

	r.Route("/tables/{table}", func(r chi.Router) {
		r.Post("/", handleCreateTable(eng))
		r.Get("/query", handleQuery(eng))
		r.Post("/flush", handleFlush(eng))
		r.Post("/clear-schema-error", handleClearSchemaError(eng))

		r.Route("/keys/{key}", func(r chi.Router) {
			r.Put("/", handleUpsert(eng))
			r.Get("/", handleGet(eng))
		})
	})

	r.Post("/flush", handleFlush(eng))
	r.Post("/evict", handleEvict(eng))

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func handleStats(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, eng.Stats())
	}
}

func handleCreateTable(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")

		var body struct {
			SchemaHint map[string]any `json:"schema_hint"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				renderError(w, r, err)
				return
			}
		}

		if err := eng.CreateTable(r.Context(), table, body.SchemaHint); err != nil {
			renderError(w, r, err)
			return
		}
		render.NoContent(w, r)
	}
}

func handleUpsert(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		key := chi.URLParam(r, "key")

		var doc model.Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			renderError(w, r, err)
			return
		}

		if err := eng.Upsert(table, key, doc); err != nil {
			renderError(w, r, err)
			return
		}
		render.NoContent(w, r)
	}
}

func handleGet(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		key := chi.URLParam(r, "key")

		useCache := true
		if v := r.URL.Query().Get("use_cache"); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				renderError(w, r, err)
				return
			}
			useCache = parsed
		}

		doc, err := eng.Get(r.Context(), table, key, useCache)
		if err != nil {
			renderError(w, r, err)
			return
		}
		if doc == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		render.JSON(w, r, doc)
	}
}

func handleQuery(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		predicate := r.URL.Query().Get("predicate")

		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				renderError(w, r, err)
				return
			}
			limit = n
		}

		docs, err := eng.Query(r.Context(), table, predicate, limit)
		if err != nil {
			renderError(w, r, err)
			return
		}
		render.JSON(w, r, docs)
	}
}

func handleFlush(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table") // empty on the bare /flush route: flush every table
		if err := eng.Flush(r.Context(), table); err != nil {
			renderError(w, r, err)
			return
		}
		render.NoContent(w, r)
	}
}

func handleEvict(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dropped := eng.EvictIdle()
		render.JSON(w, r, map[string]int{"evicted": dropped})
	}
}

func handleClearSchemaError(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		eng.ClearSchemaError(table)
		render.NoContent(w, r)
	}
}
