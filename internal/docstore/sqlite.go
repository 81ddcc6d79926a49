package docstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/reachyrag-go/internal/rag"
)

// dbFileName is the persisted database name inside the store directory.
const dbFileName = "reachyrag.db"

// SQLiteIndex is an embedded Index with exact cosine search. It works on a
// private copy of the database in a temporary directory; Save copies that
// working state back to the persist directory.
type SQLiteIndex struct {
	// db is the working database.
	db *sql.DB
	// persistPath is the durable database file; empty for in-memory indexes.
	persistPath string
	// workDir holds the working copy and is removed on Close.
	workDir string
}

var (
	_ Index     = (*SQLiteIndex)(nil)
	_ Persister = (*SQLiteIndex)(nil)
)

// OpenSQLite opens an index persisted under dir. The working copy is seeded
// from dir/reachyrag.db when that file exists. An empty dir opens a
// throwaway in-memory index.
func OpenSQLite(ctx context.Context, dir string) (*SQLiteIndex, error) {
	idx := &SQLiteIndex{}
	path := ":memory:"

	if dir != "" {
		workDir, err := os.MkdirTemp("", "reachyrag-store-*")
		if err != nil {
			return nil, fmt.Errorf("docstore: create working dir: %w", err)
		}
		idx.workDir = workDir
		idx.persistPath = filepath.Join(dir, dbFileName)
		path = filepath.Join(workDir, dbFileName)

		if err := copyFile(idx.persistPath, path); err != nil && !errors.Is(err, os.ErrNotExist) {
			_ = os.RemoveAll(workDir)
			return nil, fmt.Errorf("docstore: seed working copy from %s: %w", idx.persistPath, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		idx.removeWorkDir()
		return nil, fmt.Errorf("docstore: open %s: %w", path, err)
	}
	// One connection: keeps :memory: databases alive and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	idx.db = db

	if err := idx.migrate(ctx); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLiteIndex) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS collections (
    name       TEXT    PRIMARY KEY,
    dimension  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
    id         TEXT NOT NULL,
    text       TEXT NOT NULL,
    metadata   TEXT NOT NULL,  -- JSON object of string values
    embedding  BLOB NOT NULL,  -- little-endian float32
    PRIMARY KEY (collection, id)
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("docstore: migrate: %w: %w", rag.ErrStore, err)
	}
	return nil
}

// EnsureCollection implements Index.
func (s *SQLiteIndex) EnsureCollection(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("docstore: collection %q: dimension %d: %w", name, dim, rag.ErrInvalidInput)
	}
	const q = `INSERT INTO collections (name, dimension) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, name, dim); err != nil {
		return fmt.Errorf("docstore: create collection %q: %w: %w", name, rag.ErrStore, err)
	}
	have, err := s.Dimension(ctx, name)
	if err != nil {
		return err
	}
	if have != dim {
		return fmt.Errorf("docstore: collection %q has dimension %d, got %d: %w", name, have, dim, rag.ErrDimensionMismatch)
	}
	return nil
}

// Dimension implements Index.
func (s *SQLiteIndex) Dimension(ctx context.Context, name string) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx, `SELECT dimension FROM collections WHERE name = ?`, name).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("docstore: collection %q: %w", name, rag.ErrCollectionNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("docstore: read collection %q: %w: %w", name, rag.ErrStore, err)
	}
	return dim, nil
}

// DeleteCollection implements Index.
func (s *SQLiteIndex) DeleteCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("docstore: delete collection %q: %w: %w", name, rag.ErrStore, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, name); err != nil {
		return fmt.Errorf("docstore: delete documents of %q: %w: %w", name, rag.ErrStore, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name); err != nil {
		return fmt.Errorf("docstore: delete collection %q: %w: %w", name, rag.ErrStore, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("docstore: delete collection %q: commit: %w: %w", name, rag.ErrStore, err)
	}
	return nil
}

// Collections implements Index.
func (s *SQLiteIndex) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("docstore: list collections: %w: %w", rag.ErrStore, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("docstore: list collections scan: %w: %w", rag.ErrStore, err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: list collections rows: %w: %w", rag.ErrStore, err)
	}
	return names, nil
}

// Upsert implements Index.
func (s *SQLiteIndex) Upsert(ctx context.Context, name string, docs []rag.Document, vecs [][]float32) error {
	if len(docs) != len(vecs) {
		return fmt.Errorf("docstore: upsert into %q: %d documents, %d vectors: %w", name, len(docs), len(vecs), rag.ErrInvalidInput)
	}
	dim, err := s.Dimension(ctx, name)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("docstore: upsert into %q: %w: %w", name, rag.ErrStore, err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT OR REPLACE INTO documents (collection, id, text, metadata, embedding) VALUES (?, ?, ?, ?, ?)`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("docstore: upsert into %q: prepare: %w: %w", name, rag.ErrStore, err)
	}
	defer stmt.Close()

	for i, d := range docs {
		if len(vecs[i]) != dim {
			return fmt.Errorf("docstore: document %q has dimension %d, collection %q has %d: %w",
				d.ID, len(vecs[i]), name, dim, rag.ErrDimensionMismatch)
		}
		meta, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("docstore: marshal metadata of %q: %w", d.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, name, d.ID, d.Text, string(meta), encodeVector(vecs[i])); err != nil {
			return fmt.Errorf("docstore: upsert %q into %q: %w: %w", d.ID, name, rag.ErrStore, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("docstore: upsert into %q: commit: %w: %w", name, rag.ErrStore, err)
	}
	return nil
}

// Search implements Index with an exact scan over the collection.
func (s *SQLiteIndex) Search(ctx context.Context, name string, vec []float32, n int) ([]rag.Hit, error) {
	dim, err := s.Dimension(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(vec) != dim {
		return nil, fmt.Errorf("docstore: query has dimension %d, collection %q has %d: %w", len(vec), name, dim, rag.ErrDimensionMismatch)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, text, metadata, embedding FROM documents WHERE collection = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("docstore: search %q: %w: %w", name, rag.ErrStore, err)
	}
	defer rows.Close()

	hits := make([]rag.Hit, 0, n)
	for rows.Next() {
		var (
			h    rag.Hit
			meta string
			blob []byte
		)
		if err := rows.Scan(&h.ID, &h.Text, &meta, &blob); err != nil {
			return nil, fmt.Errorf("docstore: search %q scan: %w: %w", name, rag.ErrStore, err)
		}
		if err := json.Unmarshal([]byte(meta), &h.Metadata); err != nil {
			return nil, fmt.Errorf("docstore: decode metadata of %q: %w: %w", h.ID, rag.ErrStore, err)
		}
		h.Distance = cosineDistance(vec, decodeVector(blob))
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: search %q rows: %w: %w", name, rag.ErrStore, err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > n {
		hits = hits[:n]
	}
	return hits, nil
}

// Count implements Index.
func (s *SQLiteIndex) Count(ctx context.Context, name string) (int, error) {
	if _, err := s.Dimension(ctx, name); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = ?`, name).Scan(&n); err != nil {
		return 0, fmt.Errorf("docstore: count %q: %w: %w", name, rag.ErrStore, err)
	}
	return n, nil
}

// Save writes the working database to the persist directory atomically.
// In-memory indexes have nothing to persist.
func (s *SQLiteIndex) Save(ctx context.Context) error {
	if s.persistPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.persistPath), 0o755); err != nil {
		return fmt.Errorf("docstore: save: %w: %w", rag.ErrStore, err)
	}
	tmp := s.persistPath + ".tmp"
	_ = os.Remove(tmp)
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		return fmt.Errorf("docstore: save: snapshot: %w: %w", rag.ErrStore, err)
	}
	if err := os.Rename(tmp, s.persistPath); err != nil {
		return fmt.Errorf("docstore: save: rename: %w: %w", rag.ErrStore, err)
	}
	return nil
}

// Close closes the working database and removes its directory.
func (s *SQLiteIndex) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	s.removeWorkDir()
	if err != nil {
		return fmt.Errorf("docstore: close: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) removeWorkDir() {
	if s.workDir != "" {
		_ = os.RemoveAll(s.workDir)
	}
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
