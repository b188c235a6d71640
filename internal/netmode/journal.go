package netmode

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Journal persists mode transitions to SQLite. Flap diagnosis needs the
// history to survive restarts; everything else in this package is derived
// state and deliberately is not persisted.
type Journal struct {
	conn *sql.DB
}

// TransitionRecord is one persisted mode change.
type TransitionRecord struct {
	ID     int64     `json:"id"`
	At     time.Time `json:"at"`
	Mode   Mode      `json:"mode"`
	Reason Reason    `json:"reason"`
	Source string    `json:"source"` // what triggered the tick: timer, provision, settings
}

// OpenJournal opens or creates the transition journal at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		id     INTEGER PRIMARY KEY AUTOINCREMENT,
		at     TEXT NOT NULL,
		mode   TEXT NOT NULL,
		reason TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at);
	`
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing journal schema: %w", err)
	}

	return &Journal{conn: conn}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.conn == nil {
		return nil
	}
	j.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return j.conn.Close()
}

// Record appends one transition. Journal failures must never stall the
// reconciler, so the caller logs and continues on error.
func (j *Journal) Record(mode Mode, reason Reason, source string) error {
	if j == nil || j.conn == nil {
		return nil
	}
	_, err := j.conn.Exec(
		"INSERT INTO transitions (at, mode, reason, source) VALUES (?, ?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339Nano), string(mode), string(reason), source,
	)
	return err
}

// Recent returns the latest n transitions, newest first.
func (j *Journal) Recent(n int) ([]TransitionRecord, error) {
	if j == nil || j.conn == nil {
		return nil, nil
	}
	rows, err := j.conn.Query(
		"SELECT id, at, mode, reason, source FROM transitions ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var at string
		if err := rows.Scan(&rec.ID, &at, &rec.Mode, &rec.Reason, &rec.Source); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, at); err == nil {
			rec.At = ts
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
