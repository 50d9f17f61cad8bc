package rag

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// MemoryDatabase opens a private in-memory SQLite database. Intended for tests.
const MemoryDatabase = ":memory:"

// identRe matches the table and database names accepted by the SQLite store.
// Names are interpolated into DDL, so anything else is rejected.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteBootstrapper creates SQLite database files under Dir. Each database
// is the file <Dir>/<name>.db.
type SQLiteBootstrapper struct {
	// Dir is the directory holding database files. Created when absent.
	Dir string
}

// Path returns the database file path for name.
func (b *SQLiteBootstrapper) Path(name string) string {
	if name == MemoryDatabase {
		return MemoryDatabase
	}
	return filepath.Join(b.Dir, name+".db")
}

// EnsureDatabase creates the database file for name if it does not exist.
func (b *SQLiteBootstrapper) EnsureDatabase(ctx context.Context, name string) error {
	if name == MemoryDatabase {
		return nil
	}
	if !identRe.MatchString(name) {
		return fmt.Errorf("sqlite: invalid database name %q", name)
	}
	if err := os.MkdirAll(b.Dir, 0o700); err != nil {
		return fmt.Errorf("sqlite: create data dir %s: %w", b.Dir, err)
	}

	db, err := openSQLite(b.Path(name))
	if err != nil {
		return err
	}
	defer db.Close()

	// Opening is lazy; a ping forces the file to be created.
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: create database %q: %w", name, err)
	}
	return nil
}

// SQLiteConfig holds the settings for an embedded SQLite vector store.
type SQLiteConfig struct {
	// Dir is the directory holding database files.
	Dir string

	// Database is the database name; the file is <Dir>/<Database>.db.
	// Use MemoryDatabase for an in-memory store.
	Database string

	// Table is the table holding documents and embeddings.
	Table string

	// VectorSize is the expected embedding dimensionality (0 = not enforced).
	VectorSize int

	// Repo is the repository partition the store starts scoped to. See
	// WithRepo.
	Repo string
}

// SQLiteStore implements VectorStore on a local SQLite database. Embeddings
// are stored as little-endian float32 blobs and nearest neighbours are found
// with an exact cosine scan over one repository's rows. Rows are keyed by
// (repo, id), so repositories sharing a table never see each other.
type SQLiteStore struct {
	// db is the underlying database connection pool, shared by every view.
	db *sql.DB

	// cfg holds the resolved configuration.
	cfg *SQLiteConfig

	// repo is the partition this view reads and writes.
	repo string

	// mu serialises scans with writes so a search never sees half a batch.
	// Shared by every view of the same database.
	mu *sync.RWMutex
}

// NewSQLiteStore bootstraps the configured database, creates the table if
// needed, and returns a ready-to-use store.
func NewSQLiteStore(ctx context.Context, cfg *SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("sqlite: database name must not be empty")
	}
	if !identRe.MatchString(cfg.Table) {
		return nil, fmt.Errorf("sqlite: invalid table name %q", cfg.Table)
	}

	boot := &SQLiteBootstrapper{Dir: cfg.Dir}
	if err := boot.EnsureDatabase(ctx, cfg.Database); err != nil {
		return nil, err
	}

	db, err := openSQLite(boot.Path(cfg.Database))
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db, cfg: cfg, repo: cfg.Repo, mu: &sync.RWMutex{}}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// openSQLite opens path with WAL journaling and a busy timeout, limited to a
// single connection to avoid SQLITE_BUSY under concurrent writes.
func openSQLite(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// WithRepo returns a view of the store scoped to repo. The view shares the
// connection with s; closing either closes both.
func (s *SQLiteStore) WithRepo(repo string) VectorStore {
	v := *s
	v.repo = repo
	return &v
}

// migrate creates the document table and its source index. A table created
// before rows carried a repository is dropped and rebuilt empty; the index
// is derived from files on disk and is refilled by the next indexing run.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	t := s.cfg.Table

	legacy, err := s.lacksRepoColumn(ctx)
	if err != nil {
		return err
	}
	if legacy {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %q`, t)); err != nil {
			return fmt.Errorf("sqlite: drop legacy table %s: %w", t, err)
		}
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]q (
    repo       TEXT NOT NULL,
    id         TEXT NOT NULL,
    source     TEXT NOT NULL,
    content    TEXT NOT NULL,
    metadata   TEXT NOT NULL,  -- JSON object
    embedding  BLOB NOT NULL,  -- little-endian float32
    dims       INTEGER NOT NULL,
    PRIMARY KEY (repo, id)
);
CREATE INDEX IF NOT EXISTS %[2]q ON %[1]q (repo, source);
`, t, "idx_"+t+"_source")
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: migrate %s: %w", t, err)
	}
	return nil
}

// lacksRepoColumn reports whether the table exists without a repo column.
func (s *SQLiteStore) lacksRepoColumn(ctx context.Context) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, s.cfg.Table)
	if err != nil {
		return false, fmt.Errorf("sqlite: inspect %s: %w", s.cfg.Table, err)
	}
	defer rows.Close()

	columns := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("sqlite: inspect %s: %w", s.cfg.Table, err)
		}
		if name == "repo" {
			return false, nil
		}
		columns++
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("sqlite: inspect %s: %w", s.cfg.Table, err)
	}
	return columns > 0, nil
}

// Upsert stores or replaces a batch of documents in a single transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error {
	if err := checkBatch(docs, embeddings, s.cfg.VectorSize); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`
INSERT INTO %q (repo, id, source, content, metadata, embedding, dims)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(repo, id) DO UPDATE SET
    source = excluded.source,
    content = excluded.content,
    metadata = excluded.metadata,
    embedding = excluded.embedding,
    dims = excluded.dims`, s.cfg.Table)

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("sqlite: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i, doc := range docs {
		meta, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: encode metadata for %s: %w", doc.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, s.repo, doc.ID, doc.Source, doc.Content, string(meta),
			encodeVector(embeddings[i]), len(embeddings[i])); err != nil {
			return fmt.Errorf("sqlite: upsert %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit upsert: %w", err)
	}
	return nil
}

// Search scans the repository's rows and returns the topK most similar
// documents by cosine similarity, nearest first. Ties keep ID order.
func (s *SQLiteStore) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error) {
	if topK <= 0 {
		return nil, nil
	}
	if s.cfg.VectorSize > 0 && len(queryEmbedding) != s.cfg.VectorSize {
		return nil, fmt.Errorf("%w: query has %d dimensions, store expects %d",
			ErrDimensionMismatch, len(queryEmbedding), s.cfg.VectorSize)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	q := fmt.Sprintf(`SELECT id, source, content, metadata, embedding, dims FROM %q WHERE repo = ? ORDER BY id`, s.cfg.Table)
	rows, err := s.db.QueryContext(ctx, q, s.repo)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search: %w", err)
	}
	defer rows.Close()

	var scored []Document
	for rows.Next() {
		var (
			doc  Document
			meta string
			blob []byte
			dims int
		)
		if err := rows.Scan(&doc.ID, &doc.Source, &doc.Content, &meta, &blob, &dims); err != nil {
			return nil, fmt.Errorf("sqlite: search scan: %w", err)
		}
		if dims != len(queryEmbedding) {
			return nil, fmt.Errorf("%w: stored %q has %d dimensions, query has %d",
				ErrDimensionMismatch, doc.ID, dims, len(queryEmbedding))
		}
		if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: decode metadata for %s: %w", doc.ID, err)
		}
		doc.Score = Cosine(queryEmbedding, decodeVector(blob))
		scored = append(scored, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: search rows: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// Delete removes documents of the repository by their IDs.
func (s *SQLiteStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`DELETE FROM %q WHERE repo = ? AND id = ?`, s.cfg.Table)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, q, s.repo, id); err != nil {
			return fmt.Errorf("sqlite: delete %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit delete: %w", err)
	}
	return nil
}

// DeleteBySource removes every document of the repository whose source matches.
func (s *SQLiteStore) DeleteBySource(ctx context.Context, source string) error {
	q := fmt.Sprintf(`DELETE FROM %q WHERE repo = ? AND source = ?`, s.cfg.Table)
	if err := s.exec(ctx, q, s.repo, source); err != nil {
		return fmt.Errorf("sqlite: delete by source %q: %w", source, err)
	}
	return nil
}

// DeleteByDir removes every document of the repository stored below dir.
func (s *SQLiteStore) DeleteByDir(ctx context.Context, dir string) error {
	prefix, all := dirPrefix(dir)
	if all {
		return s.Clear(ctx)
	}
	// instr = 1 is a prefix test that needs no LIKE escaping.
	q := fmt.Sprintf(`DELETE FROM %q WHERE repo = ? AND instr(source, ?) = 1`, s.cfg.Table)
	if err := s.exec(ctx, q, s.repo, prefix); err != nil {
		return fmt.Errorf("sqlite: delete by dir %q: %w", dir, err)
	}
	return nil
}

// Clear removes every document of the repository.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	q := fmt.Sprintf(`DELETE FROM %q WHERE repo = ?`, s.cfg.Table)
	if err := s.exec(ctx, q, s.repo); err != nil {
		return fmt.Errorf("sqlite: clear: %w", err)
	}
	return nil
}

// Count returns the number of documents stored for the repository.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %q WHERE repo = ?`, s.cfg.Table)
	if err := s.db.QueryRowContext(ctx, q, s.repo).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return n, nil
}

// exec runs a write statement under the store lock.
func (s *SQLiteStore) exec(ctx context.Context, q string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

// Ping verifies the database connection is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	return nil
}

// encodeVector serialises v as little-endian float32 values.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
