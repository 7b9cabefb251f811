// Package store provides the durable queue store shared by the foreground
// CLI and the background sync daemon.
//
// The store is an embedded SQLite database opened in WAL mode so both
// execution contexts can read and write it concurrently. Every operation is
// atomic with respect to a single record; records are independent, so no
// multi-record transaction exists. GetAll reflects a consistent snapshot.
//
// Storage failures (quota, disabled storage, bad permissions) surface loudly
// to the caller. Losing a capture at the point of enqueue is the single worst
// failure mode in this system, so nothing here swallows a write error.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldnote/fieldnote/internal/record"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by Get when no record has the given id.
var ErrNotFound = errors.New("capture record not found")

// Store wraps the SQLite connection holding the capture queue.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a queue store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent access
// from the CLI and the daemon. If the database doesn't exist, it is created
// along with the schema. The caller MUST call Close when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	// WAL mode lets the daemon drain while the CLI enqueues.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
// Useful for diagnostics and tests that need direct row access.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the filesystem path of the backing database.
func (s *Store) Path() string {
	return s.path
}

// Close closes the store connection.
// Performs a WAL checkpoint so all changes are persisted to the main file.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.conn = nil
	return nil
}

// initSchema creates the captures table if it doesn't exist. Idempotent.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS captures (
		id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		kind TEXT NOT NULL,
		fields BLOB NOT NULL,  -- JSON field list, attachments inline as base64
		auth_token TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_attempt_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_captures_created ON captures(created_at);
	CREATE INDEX IF NOT EXISTS idx_captures_kind ON captures(kind);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Put inserts a new record into the queue.
//
// Record ids are globally unique for the lifetime of the store; inserting a
// duplicate id fails rather than overwriting.
func (s *Store) Put(rec *record.Record) error {
	return s.PutContext(context.Background(), rec)
}

// PutContext inserts a new record with context support.
func (s *Store) PutContext(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `
	INSERT INTO captures (
		id, endpoint, kind, fields, auth_token,
		retry_count, created_at, last_attempt_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.conn.ExecContext(ctx, query,
		rec.ID,
		rec.Endpoint,
		string(rec.Kind),
		fieldsJSON,
		rec.AuthToken,
		rec.RetryCount,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		timeToNullString(rec.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store capture %s: %w", rec.ID, err)
	}

	return nil
}

// Get retrieves a single record by id. Returns ErrNotFound if absent.
func (s *Store) Get(id string) (*record.Record, error) {
	return s.GetContext(context.Background(), id)
}

// GetContext retrieves a single record by id with context support.
func (s *Store) GetContext(ctx context.Context, id string) (*record.Record, error) {
	query := `
	SELECT id, endpoint, kind, fields, auth_token,
	       retry_count, created_at, last_attempt_at
	FROM captures
	WHERE id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture %s: %w", id, err)
	}
	return rec, nil
}

// GetAll returns every queued record ordered by created_at ascending.
//
// A row whose fields payload cannot be parsed is still returned, with Fields
// set to nil, so the sync engine can report it as corrupted instead of the
// whole read failing.
func (s *Store) GetAll() ([]*record.Record, error) {
	return s.GetAllContext(context.Background())
}

// GetAllContext returns all queued records with context support.
func (s *Store) GetAllContext(ctx context.Context) ([]*record.Record, error) {
	query := `
	SELECT id, endpoint, kind, fields, auth_token,
	       retry_count, created_at, last_attempt_at
	FROM captures
	ORDER BY created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	var recs []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating captures: %w", err)
	}

	return recs, nil
}

// Update persists the sync engine's retry bookkeeping for a record.
//
// Only retry_count and last_attempt_at are mutable; everything else is
// immutable after Put.
func (s *Store) Update(rec *record.Record) error {
	return s.UpdateContext(context.Background(), rec)
}

// UpdateContext persists retry bookkeeping with context support.
func (s *Store) UpdateContext(ctx context.Context, rec *record.Record) error {
	query := `
	UPDATE captures
	SET retry_count = ?, last_attempt_at = ?
	WHERE id = ?
	`

	_, err := s.conn.ExecContext(ctx, query,
		rec.RetryCount,
		timeToNullString(rec.LastAttemptAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update capture %s: %w", rec.ID, err)
	}

	return nil
}

// Delete removes a record from the queue.
//
// Deleting a record that no longer exists is success, not an error: two
// concurrent drains racing on the same record converge to the same state.
func (s *Store) Delete(id string) error {
	return s.DeleteContext(context.Background(), id)
}

// DeleteContext removes a record with context support.
func (s *Store) DeleteContext(ctx context.Context, id string) error {
	query := `DELETE FROM captures WHERE id = ?`
	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete capture %s: %w", id, err)
	}
	return nil
}

// Clear removes every record from the queue.
func (s *Store) Clear() error {
	return s.ClearContext(context.Background())
}

// ClearContext removes every record with context support.
func (s *Store) ClearContext(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM captures"); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

// Count returns the number of queued records.
func (s *Store) Count() (int, error) {
	return s.CountContext(context.Background())
}

// CountContext returns the queue size with context support.
func (s *Store) CountContext(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM captures").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count captures: %w", err)
	}
	return count, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one capture row into a Record.
func scanRecord(row scanner) (*record.Record, error) {
	var rec record.Record
	var kind string
	var fieldsJSON []byte
	var createdAt string
	var lastAttemptAt sql.NullString

	err := row.Scan(
		&rec.ID,
		&rec.Endpoint,
		&kind,
		&fieldsJSON,
		&rec.AuthToken,
		&rec.RetryCount,
		&createdAt,
		&lastAttemptAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = record.Kind(kind)

	// A fields payload written by an older schema version may not parse.
	// Leave Fields nil so the sync engine reports the record as corrupted.
	var fields []record.Field
	if err := json.Unmarshal(fieldsJSON, &fields); err == nil {
		rec.Fields = fields
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	rec.LastAttemptAt = nullStringToTime(lastAttemptAt)

	return &rec, nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
