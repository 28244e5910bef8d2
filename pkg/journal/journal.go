// Package journal keeps an audit trail of firmware update runs in SQLite.
// It is never consulted for the installed version; artifact filenames are.
package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	tableName = "update_runs"

	KindNode  = "node"
	KindProbe = "probe"
)

// Run is one finished updater execution.
type Run struct {
	ID          string
	Kind        string
	FromVersion uint32
	ToVersion   uint32
	FinalState  string
	Rebooted    bool
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Store writes runs to a single SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the database file (and its directory) if needed.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal: empty database path")
	}
	if err := ensureDirExists(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "journal: open sqlite %s failed", path)
	}
	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("update journal opened")
	return &Store{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record upserts run by ID. A missing ID is generated.
func (s *Store) Record(ctx context.Context, run Run) error {
	if s == nil || s.db == nil {
		return nil
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Kind == "" {
		return errors.New("journal: run kind is empty")
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+tableName+` (id, kind, from_version, to_version, final_state, rebooted, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Kind, int64(run.FromVersion), int64(run.ToVersion), run.FinalState,
		boolToInt(run.Rebooted), run.Error, run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "journal: insert %s run failed", run.Kind)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, from_version, to_version, final_state, rebooted, error, started_at, finished_at
		FROM `+tableName+` ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "journal: query runs failed")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			from, to          int64
			rebooted          int
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.Kind, &from, &to, &r.FinalState, &rebooted, &r.Error, &started, &finished); err != nil {
			return nil, errors.Wrap(err, "journal: scan run failed")
		}
		r.FromVersion = uint32(from)
		r.ToVersion = uint32(to)
		r.Rebooted = rebooted != 0
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "journal: iterate runs failed")
	}
	return runs, nil
}

func ensureDirExists(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(err, "journal: create dir %s failed", path)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "journal: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			from_version INTEGER NOT NULL,
			to_version INTEGER NOT NULL,
			final_state TEXT NOT NULL,
			rebooted INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_` + tableName + `_finished ON ` + tableName + ` (finished_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "journal: prepare schema failed")
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
