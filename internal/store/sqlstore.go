package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/latchdb/latch/internal/cacheerr"
	"github.com/latchdb/latch/internal/model"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ensureTableMemoTTL bounds how long a successful EnsureTable is remembered
// before the next call re-verifies against the database. Keeps repeated
// CreateTable calls under churn from re-issuing DDL every time, without
// permanently hiding a table dropped out-of-band.
const ensureTableMemoTTL = 5 * time.Minute

// SQLStore is the real Adapter implementation, backed by a pure-Go SQLite
// connection pool. One instance serves every table the engine manages.
type SQLStore struct {
	db *sql.DB

	ensureCache otter.Cache[string, struct{}]
	schemaError *xsync.Map[string, error]

	maintenance *cron.Cron
}

// Open creates (or attaches to) the database at dsn, applies the
// recommended pragmas, bootstraps the internal table registry, and starts
// the maintenance cron schedule.
func Open(dsn string, maxConnections int, maintenanceSchedule string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}

	if maxConnections <= 0 {
		maxConnections = 5
	}
	db.SetMaxOpenConns(maxConnections)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: exec %q: %w", p, err)
		}
	}

	if err := migrateRegistry(db); err != nil {
		db.Close()
		return nil, err
	}

	cache, err := otter.MustBuilder[string, struct{}](1024).
		Cost(func(_ string, _ struct{}) uint32 { return 1 }).
		WithTTL(ensureTableMemoTTL).
		Build()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: build ensure-table cache: %w", err)
	}

	s := &SQLStore{
		db:          db,
		ensureCache: cache,
		schemaError: xsync.NewMap[string, error](),
	}

	if maintenanceSchedule != "" {
		if _, err := cron.ParseStandard(maintenanceSchedule); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: invalid maintenance schedule %q: %w", maintenanceSchedule, err)
		}
		s.maintenance = cron.New()
		if _, err := s.maintenance.AddFunc(maintenanceSchedule, s.runMaintenance); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: schedule maintenance: %w", err)
		}
		s.maintenance.Start()
	}

	return s, nil
}

func (s *SQLStore) runMaintenance() {
	log.Printf("[store] running maintenance (VACUUM, PRAGMA optimize)")
	if _, err := s.db.Exec("PRAGMA optimize"); err != nil {
		log.Printf("[store] maintenance: PRAGMA optimize failed: %v", err)
	}
	if _, err := s.db.Exec("VACUUM"); err != nil {
		log.Printf("[store] maintenance: VACUUM failed: %v", err)
	}
}

// SchemaErrorTables reports the tables currently blacklisted after a fatal
// DDL/write schema error, along with the error that blacklisted them.
func (s *SQLStore) SchemaErrorTables() map[string]error {
	out := make(map[string]error)
	s.schemaError.Range(func(table string, err error) bool {
		out[table] = err
		return true
	})
	return out
}

// ClearSchemaError removes table from the blacklist reported by
// SchemaErrorTables. The store does not consult this blacklist itself; the
// engine's flush-skip block is lifted by Engine.ClearSchemaError.
func (s *SQLStore) ClearSchemaError(table string) {
	s.schemaError.Delete(table)
}

func (s *SQLStore) EnsureTable(ctx context.Context, table string, schemaHint map[string]any) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("%w: invalid table name %q", cacheerr.ErrInvalidArgument, table)
	}
	if _, ok := s.ensureCache.Get(table); ok {
		return nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		data JSON NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`, table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		wrapped := fmt.Errorf("%w: ensure_table %s: %v", cacheerr.ErrSchemaError, table, err)
		s.schemaError.Store(table, wrapped)
		return wrapped
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_data ON %s (data)`, table, table)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		wrapped := fmt.Errorf("%w: ensure_table index %s: %v", cacheerr.ErrSchemaError, table, err)
		s.schemaError.Store(table, wrapped)
		return wrapped
	}

	hintJSON, err := json.Marshal(schemaHint)
	if err != nil {
		hintJSON = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO _latch_tables (name, schema_hint, created_at_ns) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		table, string(hintJSON), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: register table %s: %v", cacheerr.ErrSchemaError, table, err)
	}

	s.ensureCache.Set(table, struct{}{})
	s.schemaError.Delete(table)
	return nil
}

func (s *SQLStore) Fetch(ctx context.Context, table, key string) (model.Document, bool, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, false, fmt.Errorf("%w: invalid table name %q", cacheerr.ErrInvalidArgument, table)
	}

	query := fmt.Sprintf("SELECT data FROM %s WHERE key = ?", table)
	var raw string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("%w: fetch %s/%s: %v", cacheerr.ErrStoreUnavailable, table, key, err)
	}

	var doc model.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("%w: decode %s/%s: %v", cacheerr.ErrSchemaError, table, key, err)
	}
	return doc, true, nil
}

func (s *SQLStore) UpsertBatch(ctx context.Context, table string, items []UpsertItem) (UpsertResult, error) {
	if !tableNamePattern.MatchString(table) {
		return UpsertResult{}, fmt.Errorf("%w: invalid table name %q", cacheerr.ErrInvalidArgument, table)
	}
	if len(items) == 0 {
		return UpsertResult{}, nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (key, data, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, table)

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		wrapped := fmt.Errorf("%w: prepare upsert %s: %v", cacheerr.ErrSchemaError, table, err)
		s.schemaError.Store(table, wrapped)
		return UpsertResult{}, wrapped
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	result := UpsertResult{Acknowledged: make([]string, 0, len(items))}
	// Each item commits independently: the spec requires per-item atomicity
	// but not whole-batch atomicity, and a single bad document should not
	// sink the rest of the batch.
	for _, item := range items {
		raw, err := json.Marshal(item.Document)
		if err != nil {
			log.Printf("[store] upsert %s/%s: document does not marshal: %v", table, item.Key, err)
			continue
		}
		if _, err := stmt.ExecContext(ctx, item.Key, string(raw), now, now); err != nil {
			log.Printf("[store] upsert %s/%s failed: %v", table, item.Key, err)
			continue
		}
		result.Acknowledged = append(result.Acknowledged, item.Key)
	}

	if len(result.Acknowledged) == 0 {
		return result, fmt.Errorf("%w: upsert_batch %s: all %d items failed", cacheerr.ErrStoreUnavailable, table, len(items))
	}
	return result, nil
}

func (s *SQLStore) Query(ctx context.Context, table, predicate string, limit int) ([]model.Document, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid table name %q", cacheerr.ErrInvalidArgument, table)
	}
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf("SELECT data FROM %s", table)
	if predicate != "" {
		query += " WHERE " + predicate
	}
	query += " LIMIT ?"

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", cacheerr.ErrQueryError, table, err)
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", cacheerr.ErrQueryError, table, err)
		}
		var doc model.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", cacheerr.ErrSchemaError, table, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", cacheerr.ErrQueryError, table, err)
	}
	return docs, nil
}

func (s *SQLStore) Close() error {
	if s.maintenance != nil {
		s.maintenance.Stop()
	}
	s.ensureCache.Close()
	return s.db.Close()
}
