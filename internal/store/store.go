// Package store provides a SQLite-backed history of question and answer
// exchanges. Each indexed repository has its own thread, so `codeqa history`
// can list what was asked about a repository across runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// memoryPath opens a private in-memory database.
const memoryPath = ":memory:"

// Exchange is a single answered question.
type Exchange struct {
	// ID is the row identifier assigned on Record.
	ID int64
	// Repo is the absolute path of the repository the question was asked about.
	Repo string
	// Question is the text the user typed.
	Question string
	// Answer is the model text returned to the user.
	Answer string
	// Sources lists the file paths of the snippets the answer was built from.
	Sources []string
	// CreatedAt is when the exchange was persisted.
	CreatedAt time.Time
}

// HistoryStore persists and retrieves exchanges keyed by repository.
// Implementations must be safe for concurrent use.
type HistoryStore interface {
	// Record persists ex. Repo and Question must be non-empty.
	Record(ctx context.Context, ex Exchange) error
	// Recent returns the most recent n exchanges for repo, newest first.
	Recent(ctx context.Context, repo string, n int) ([]Exchange, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a HistoryStore backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ HistoryStore = (*SQLiteStore)(nil)

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. The parent directory is created when missing. Use ":memory:"
// for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: create dir for %s: %w", path, err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS exchanges (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    repo         TEXT    NOT NULL,
    question     TEXT    NOT NULL,
    answer       TEXT    NOT NULL,
    sources      TEXT    NOT NULL DEFAULT '[]',
    created_at   INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_exchanges_repo_created
    ON exchanges (repo, created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Record persists ex. A zero CreatedAt is replaced with the current time.
func (s *SQLiteStore) Record(ctx context.Context, ex Exchange) error {
	if ex.Repo == "" || ex.Question == "" {
		return fmt.Errorf("store: record: repo and question are required")
	}
	if ex.Sources == nil {
		ex.Sources = []string{}
	}
	sources, err := json.Marshal(ex.Sources)
	if err != nil {
		return fmt.Errorf("store: record: encode sources: %w", err)
	}
	created := ex.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	const q = `INSERT INTO exchanges (repo, question, answer, sources, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, ex.Repo, ex.Question, ex.Answer, string(sources), created.Unix()); err != nil {
		return fmt.Errorf("store: record: %w", err)
	}
	return nil
}

// Recent returns the most recent n exchanges for repo, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, repo string, n int) ([]Exchange, error) {
	if n <= 0 {
		return nil, nil
	}

	const q = `
SELECT id, repo, question, answer, sources, created_at
FROM   exchanges
WHERE  repo = ?
ORDER  BY created_at DESC, id DESC
LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, repo, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var (
			ex      Exchange
			sources string
			ts      int64
		)
		if err := rows.Scan(&ex.ID, &ex.Repo, &ex.Question, &ex.Answer, &sources, &ts); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &ex.Sources); err != nil {
			return nil, fmt.Errorf("store: recent: decode sources of exchange %d: %w", ex.ID, err)
		}
		ex.CreatedAt = time.Unix(ts, 0)
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent rows: %w", err)
	}
	return out, nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
