// Package postgres keeps the document store in a Postgres table holding one
// JSONB row per collection.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"virtool/internal/infra/persistence/memory"
	"virtool/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	driverName = "pgx"
	defaultDSN = "postgres://localhost/virtool?sslmode=disable"
)

const (
	createCollections = `CREATE TABLE IF NOT EXISTS collections (
		name       TEXT PRIMARY KEY,
		documents  JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	selectCollections = `SELECT name, documents FROM collections`
	upsertCollection  = `INSERT INTO collections(name, documents, updated_at) VALUES($1, $2, now())
		ON CONFLICT(name) DO UPDATE SET documents = EXCLUDED.documents, updated_at = EXCLUDED.updated_at`
)

var (
	openMu  sync.Mutex
	sqlOpen = sql.Open
)

// Store serves reads and transactions from memory and writes the
// collections a committed transaction changed.
type Store struct {
	*memory.Store
	db *sql.DB

	mu      sync.Mutex
	written map[string][]byte
}

// NewStore connects to dsn, or a local default when empty, and loads the
// stored collections.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(driverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createCollections); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create collections table: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine), db: db, written: map[string][]byte{}}
	if err := s.load(ctx); err != nil {
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
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate collections: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

// RunInTransaction commits fn in memory, then writes the changed
// collections in one database transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
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

// DB exposes the database handle to tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen replaces the function used to open connections and
// returns a func restoring the previous one.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
