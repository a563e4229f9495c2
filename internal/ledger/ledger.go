// Package ledger keeps a queryable SQLite record of every trim attempt in a
// sweep: one row per run, per cell and per evaluated attempt.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the default ledger database name inside the results directory.
const FileName = "ledger.db"

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL,
	settings_hash TEXT
);
CREATE TABLE IF NOT EXISTS cells (
	run_id TEXT NOT NULL,
	cell TEXT NOT NULL,
	mach REAL NOT NULL,
	target REAL NOT NULL,
	outcome TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	control REAL,
	moment REAL,
	residual REAL,
	reason TEXT,
	PRIMARY KEY (run_id, cell)
);
CREATE TABLE IF NOT EXISTS attempts (
	run_id TEXT NOT NULL,
	cell TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	control REAL NOT NULL,
	moment REAL NOT NULL,
	residual REAL NOT NULL,
	next_control REAL,
	PRIMARY KEY (run_id, cell, attempt)
);
CREATE INDEX IF NOT EXISTS idx_attempts_cell ON attempts(run_id, cell);
`

// Ledger is a SQLite-backed attempt log. Safe for use from one sweep at a time.
type Ledger struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open creates or opens the ledger at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// One writer; sqlite serializes anyway and this keeps ordering by rowid.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &Ledger{db: db, path: path}, nil
}

// OpenExisting opens a ledger for reading and fails if path does not exist.
func OpenExisting(path string) (*Ledger, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return Open(path)
}

func (l *Ledger) Path() string { return l.path }

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// BeginRun inserts a run row.
func (l *Ledger) BeginRun(runID, settingsHash string, started time.Time) error {
	if runID == "" {
		return errors.New("runID is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		`INSERT INTO runs (run_id, started_at, status, settings_hash) VALUES (?, ?, 'running', ?)`,
		runID, stamp(started), settingsHash,
	)
	if err != nil {
		return fmt.Errorf("ledger: begin run: %w", err)
	}
	return nil
}

// FinishRun records the run's final status.
func (l *Ledger) FinishRun(runID, status string, finished time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.Exec(`UPDATE runs SET finished_at = ?, status = ? WHERE run_id = ?`, stamp(finished), status, runID)
	if err != nil {
		return fmt.Errorf("ledger: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: unknown run %q", runID)
	}
	return nil
}

// BeginCell inserts the cell row and returns an observer recording its loop.
func (l *Ledger) BeginCell(runID, cell string, mach, target float64) (*CellObserver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		`INSERT INTO cells (run_id, cell, mach, target) VALUES (?, ?, ?, ?)`,
		runID, cell, mach, target,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin cell %s: %w", cell, err)
	}
	return &CellObserver{l: l, runID: runID, cell: cell}, nil
}
