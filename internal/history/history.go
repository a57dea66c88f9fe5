// Package history maintains a sqlite index of job lifecycle events for
// operator queries. The index is advisory: the JSON state files remain the
// restart source of truth, and scheduling never depends on this database.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/openclaw/gateway/internal/events"
)

// DB wraps the sqlite connection with gateway-specific operations.
type DB struct {
	conn *sql.DB
	log  zerolog.Logger

	mu sync.Mutex
}

// Open creates or opens the history database at path, enabling WAL mode and
// running migrations.
func Open(path string, log zerolog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, log: log.With().Str("component", "history").Logger()}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS job_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    at_ms       INTEGER NOT NULL,
    event_type  TEXT NOT NULL,
    job_id      TEXT,
    node_id     TEXT,
    attempt     INTEGER,
    error       TEXT,
    payload_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id);
CREATE INDEX IF NOT EXISTS idx_job_events_type ON job_events(event_type);
`
	_, err := db.conn.Exec(schema)
	return err
}

// Observe wires the index to the event bus. Insert failures are logged and
// dropped.
func (db *DB) Observe(bus *events.Bus) {
	bus.Subscribe(func(e events.Event) {
		if err := db.record(e); err != nil {
			db.log.Warn().Err(err).Str("type", string(e.Type)).Msg("history insert failed")
		}
	})
}

func (db *DB) record(e events.Event) error {
	var payload any
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err == nil {
			payload = string(data)
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(
		`INSERT INTO job_events (at_ms, event_type, job_id, node_id, attempt, error, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UnixMilli(), string(e.Type), nullable(e.JobID), nullable(e.NodeID),
		e.Attempt, nullable(e.Error), payload,
	)
	return err
}

// EventRecord is one row returned by queries.
type EventRecord struct {
	AtMs      int64  `json:"atMs"`
	EventType string `json:"type"`
	JobID     string `json:"jobId,omitempty"`
	NodeID    string `json:"nodeId,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Error     string `json:"error,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

// JobEvents returns the recorded lifecycle of one job, oldest first.
func (db *DB) JobEvents(jobID string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 200
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(
		`SELECT at_ms, event_type, COALESCE(job_id, ''), COALESCE(node_id, ''),
		        COALESCE(attempt, 0), COALESCE(error, ''), COALESCE(payload_json, '')
		 FROM job_events WHERE job_id = ? ORDER BY id ASC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.AtMs, &r.EventType, &r.JobID, &r.NodeID, &r.Attempt, &r.Error, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
