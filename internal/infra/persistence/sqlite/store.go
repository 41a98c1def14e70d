// Package sqlite keeps the document store in an embedded SQLite database,
// one row of JSON per collection.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"virtool/internal/infra/persistence/memory"
	"virtool/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "virtool.db"

const (
	createCollections = `CREATE TABLE IF NOT EXISTS collections (
		name       TEXT PRIMARY KEY,
		documents  BLOB NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	selectCollections = `SELECT name, documents FROM collections`
	upsertCollection  = `INSERT INTO collections(name, documents, updated_at) VALUES(?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET documents = excluded.documents, updated_at = excluded.updated_at`
)

// Store serves reads and transactions from memory and writes the
// collections a committed transaction changed.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string

	mu      sync.Mutex
	written map[string][]byte
}

// NewStore opens or creates the database at path and loads its collections.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc connections do not share an in-process write lock.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createCollections); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create collections table: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path, written: map[string][]byte{}}
	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, selectCollections)
	if err != nil {
		return fmt.Errorf("select collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	found := false
	for rows.Next() {
		var name string
		var documents []byte
		if err := rows.Scan(&name, &documents); err != nil {
			return fmt.Errorf("scan collection: %w", err)
		}
		ok, err := memory.DecodeCollection(&snapshot, name, documents)
		if err != nil {
			return err
		}
		if ok {
			s.written[name] = documents
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate collections: %w", err)
	}
	if found {
		s.ImportState(snapshot)
	}
	return nil
}

// RunInTransaction commits fn in memory, then writes the changed
// collections. A write failure is returned after the in-memory commit.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	return res, s.flush(context.WithoutCancel(ctx))
}

func (s *Store) flush(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	encoded, err := memory.EncodeCollections(s.ExportState())
	if err != nil {
		return err
	}
	changed := memory.ChangedCollections(s.written, encoded)
	if len(changed) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, name := range changed {
		if _, err := tx.ExecContext(ctx, upsertCollection, name, encoded[name]); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, name := range changed {
		s.written[name] = encoded[name]
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the database handle to tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }
