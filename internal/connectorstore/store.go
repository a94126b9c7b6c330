package connectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Notification is published on every successful Upsert, per spec §4.1.
type Notification struct {
	InstanceName string
	ShortID      string
}

// dsn is a single named in-memory database shared by every handle this
// process opens against it, per spec §4.1/§5: "an in-memory shared-cache
// backing store with a primary read-write handle and any number of
// reader handles." SQLite's cache=shared mode is a direct realization of
// that sentence.
const dsn = "file:dsepconnectors?mode=memory&cache=shared"

const schema = `
CREATE TABLE IF NOT EXISTS connector_records (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_name  TEXT NOT NULL,
	action_type    TEXT NOT NULL DEFAULT '',
	input_type     TEXT NOT NULL DEFAULT '',
	expression     TEXT NOT NULL DEFAULT '',
	file           TEXT NOT NULL DEFAULT '',
	alias          TEXT NOT NULL DEFAULT '',
	instance_scope TEXT NOT NULL DEFAULT '',
	default_type   TEXT NOT NULL DEFAULT '',
	default_value  TEXT NOT NULL DEFAULT '',
	connector_id   TEXT NOT NULL DEFAULT '',
	short_id       TEXT NOT NULL,
	timestamp_ms   INTEGER NOT NULL,
	UNIQUE(instance_name, action_type, input_type, expression, file, alias, instance_scope, default_type, default_value)
);
CREATE INDEX IF NOT EXISTS idx_connector_short_id ON connector_records(short_id);
`

// Store is the primary read-write handle, owned by the host-message
// ingester (spec §4.1, §4.7 "Short-connector notification").
type Store struct {
	db *sql.DB

	mu   sync.Mutex
	subs map[int]func(Notification)
	next int
}

// Open creates the shared backing database and the primary handle. It is
// safe to call Open and OpenReader any number of times against the same
// process; the in-memory database is keyed by DSN and lives as long as
// at least one handle is open.
func Open(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open connector store: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY from concurrent
	// writers; reader handles get their own pool.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init connector schema: %w", err)
	}
	return &Store{db: db, subs: make(map[int]func(Notification))}, nil
}

// Close releases the primary handle. The backing database is dropped
// once every handle (primary and all readers) referencing the shared
// cache has closed.
func (s *Store) Close() error {
	return s.db.Close()
}

// OpenReader opens an independent read-only handle against the same
// shared-cache database, for use by engine workers (spec §4.1).
func (s *Store) OpenReader(ctx context.Context) (*Reader, error) {
	db, err := sql.Open("sqlite", dsn+"&_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("open connector reader: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping connector reader: %w", err)
	}
	return &Reader{db: db}, nil
}

// Subscribe registers a callback invoked (instance_name, short_id) on
// every Upsert. Returns an unsubscribe func.
func (s *Store) Subscribe(fn func(Notification)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) publish(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fn := range s.subs {
		fn(n)
	}
}

// Upsert replaces on composite-key collision and publishes a
// notification, per spec §4.1.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	now := rec.TimestampMs
	if now == 0 {
		now = time.Now().UnixMilli()
	}
	const q = `
INSERT INTO connector_records
	(instance_name, action_type, input_type, expression, file, alias, instance_scope, default_type, default_value, connector_id, short_id, timestamp_ms)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(instance_name, action_type, input_type, expression, file, alias, instance_scope, default_type, default_value)
DO UPDATE SET connector_id=excluded.connector_id, short_id=excluded.short_id, timestamp_ms=excluded.timestamp_ms
`
	_, err := s.db.ExecContext(ctx, q,
		rec.InstanceName, rec.ActionType, string(rec.InputType), rec.Expression, rec.File, rec.Alias,
		string(rec.InstanceScope), string(rec.DefaultType), rec.DefaultValue, rec.ConnectorID, rec.ShortID, now,
	)
	if err != nil {
		return fmt.Errorf("upsert connector record: %w", err)
	}
	s.publish(Notification{InstanceName: rec.InstanceName, ShortID: rec.ShortID})
	return nil
}

// Reader is a read-only handle used by engine workers to query the store
// from script code (spec §4.1).
type Reader struct {
	db *sql.DB
}

// Close releases the reader handle.
func (r *Reader) Close() error { return r.db.Close() }

const selectCols = `instance_name, action_type, input_type, expression, file, alias, instance_scope, default_type, default_value, connector_id, short_id, timestamp_ms`

// GetByShortID glob-matches short_id and returns the most recent record
// by timestamp descending, or a null-record (IsNull=true) if nothing
// matches (spec §4.1).
func (r *Reader) GetByShortID(ctx context.Context, pattern string) (Record, error) {
	q := `SELECT ` + selectCols + ` FROM connector_records WHERE short_id GLOB ? ORDER BY timestamp_ms DESC LIMIT 1`
	row := r.db.QueryRowContext(ctx, q, pattern)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{IsNull: true}, nil
	}
	if err != nil {
		return Record{IsNull: true}, fmt.Errorf("get_by_short_id: %w", err)
	}
	return rec, nil
}

// allowedOrderBy is the set of columns Query() will sort by, guarding
// against building a dynamic ORDER BY from arbitrary script input.
var allowedOrderBy = map[string]bool{
	"timestamp_ms ASC": true, "timestamp_ms DESC": true,
	"instance_name ASC": true, "instance_name DESC": true,
	"short_id ASC": true, "short_id DESC": true,
}

// Query runs a filtered scan per spec §4.1. Query-compilation is
// infallible by construction here (the WHERE clause is built from a
// fixed set of columns), but a bad OrderBy value is reported as a
// diagnostic rather than an error, returning an empty result — the
// "never raise into the caller's scope" failure policy.
func (r *Reader) Query(ctx context.Context, f Filter) (recs []Record, diagnostic string) {
	var where []string
	var args []any

	addGlob := func(col, pattern string) {
		if pattern != "" {
			where = append(where, col+" GLOB ?")
			args = append(args, pattern)
		}
	}
	addEq := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}

	addGlob("instance_name", f.InstanceName)
	addGlob("action_type", f.ActionType)
	addEq("input_type", string(f.InputType))
	addEq("default_type", string(f.DefaultType))
	addEq("instance_scope", string(f.InstanceScope))
	addGlob("expression", f.Expression)
	addGlob("file", f.File)
	addGlob("alias", f.Alias)
	addGlob("default_value", f.DefaultValue)
	addGlob("connector_id", f.ConnectorID)
	addGlob("short_id", f.ShortID)

	orderBy := "timestamp_ms DESC"
	if f.OrderBy != "" {
		if !allowedOrderBy[f.OrderBy] {
			return nil, fmt.Sprintf("query: unsupported order_by %q", f.OrderBy)
		}
		orderBy = f.OrderBy
	}

	q := `SELECT ` + selectCols + ` FROM connector_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + orderBy

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Sprintf("query failed: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Sprintf("scan failed: %v", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Sprintf("rows error: %v", err)
	}
	return recs, ""
}

// ShortIDs is the short_id projection of Query (spec §4.1).
func (r *Reader) ShortIDs(ctx context.Context, f Filter) ([]string, string) {
	recs, diag := r.Query(ctx, f)
	if diag != "" {
		return nil, diag
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ShortID
	}
	return ids, ""
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var inputType, instanceScope, defaultType string
	err := row.Scan(
		&rec.InstanceName, &rec.ActionType, &inputType, &rec.Expression, &rec.File, &rec.Alias,
		&instanceScope, &defaultType, &rec.DefaultValue, &rec.ConnectorID, &rec.ShortID, &rec.TimestampMs,
	)
	if err != nil {
		return Record{}, err
	}
	rec.InputType = InputType(inputType)
	rec.InstanceScope = InstanceScope(instanceScope)
	rec.DefaultType = DefaultType(defaultType)
	return rec, nil
}
