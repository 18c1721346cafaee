// Package history keeps an append-only SQLite log of occupation events.
// It is an audit trail only; the ledger remains the source of truth for
// what is currently running.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Kind is the type of an occupation event.
type Kind string

const (
	KindStarted     Kind = "started"
	KindStartFailed Kind = "start_failed"
	KindCancelled   Kind = "cancelled"
	KindOwnerKill   Kind = "owner_kill"
)

// Event is one recorded occupation event.
type Event struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Node           string    `json:"node"`
	PID            int       `json:"pid,omitempty"`
	GPUIDs         []int     `json:"gpu_ids,omitempty"`
	MemoryGBPerGPU float64   `json:"memory_gb_per_gpu,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

// DB wraps the history database connection.
type DB struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			node TEXT NOT NULL COLLATE NOCASE,
			pid INTEGER,
			gpu_ids_json TEXT,
			memory_gb_per_gpu REAL,
			outcome TEXT,
			detail TEXT,
			at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_node_at ON events(node, at);
		CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
	`
	_, err := db.Exec(schema)
	return err
}

// Record stores e, assigning an ID and timestamp when unset.
func (d *DB) Record(ctx context.Context, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.At = e.At.UTC()

	gpuJSON, err := json.Marshal(e.GPUIDs)
	if err != nil {
		return Event{}, fmt.Errorf("encoding gpu ids: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, node, pid, gpu_ids_json, memory_gb_per_gpu, outcome, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, string(e.Kind), e.Node, e.PID, string(gpuJSON), e.MemoryGBPerGPU, e.Outcome, e.Detail, e.At.UnixNano())
	if err != nil {
		return Event{}, fmt.Errorf("inserting event: %w", err)
	}
	return e, nil
}

const selectEventFields = `id, kind, node, pid, gpu_ids_json, memory_gb_per_gpu, outcome, detail, at`

// Recent returns up to limit events, newest first.
func (d *DB) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+selectEventFields+`
		FROM events
		ORDER BY at DESC, rowid DESC
		LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ForNode returns up to limit events for the named node (case-insensitive),
// newest first.
func (d *DB) ForNode(ctx context.Context, node string, limit int) ([]Event, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+selectEventFields+`
		FROM events
		WHERE node = ?
		ORDER BY at DESC, rowid DESC
		LIMIT ?
	`, node, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying events for %s: %w", node, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DefaultLimit applies when a non-positive limit is requested.
const DefaultLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			e       Event
			kind    string
			pid     sql.NullInt64
			gpuJSON sql.NullString
			memGB   sql.NullFloat64
			outcome sql.NullString
			detail  sql.NullString
			atNanos int64
		)
		if err := rows.Scan(&e.ID, &kind, &e.Node, &pid, &gpuJSON, &memGB, &outcome, &detail, &atNanos); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Kind = Kind(kind)
		e.PID = int(pid.Int64)
		e.MemoryGBPerGPU = memGB.Float64
		e.Outcome = outcome.String
		e.Detail = detail.String
		e.At = time.Unix(0, atNanos).UTC()
		if gpuJSON.Valid && gpuJSON.String != "" && gpuJSON.String != "null" {
			if err := json.Unmarshal([]byte(gpuJSON.String), &e.GPUIDs); err != nil {
				return nil, fmt.Errorf("decoding gpu ids for event %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}
