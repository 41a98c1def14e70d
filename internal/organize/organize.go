// Package organize brings stored documents up to the shape the current
// release expects. Migrations run in order, once, before the server accepts
// requests.
package organize

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"virtool/internal/config"
	"virtool/internal/core"
	"virtool/pkg/domain"
)

// StatusID is the status document applied migration ids are recorded in.
const StatusID = "organize"

// Env carries what migrations may consult besides the documents themselves.
type Env struct {
	Settings config.Settings
	Version  string
	Now      time.Time
}

// Migration is one named document rewrite. Always migrations run on every
// startup; the rest run until they succeed once.
type Migration struct {
	ID     string
	Always bool
	Apply  func(tx domain.Transaction, env Env) error
}

// Runner applies migrations against a store.
type Runner struct {
	store      domain.PersistentStore
	migrations []Migration
	env        Env
	logger     core.Logger
	now        func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(logger core.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMigrations replaces the default migration list.
func WithMigrations(migrations ...Migration) Option {
	return func(r *Runner) { r.migrations = migrations }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner returns a runner for the default migrations.
func NewRunner(store domain.PersistentStore, settings config.Settings, version string, opts ...Option) *Runner {
	r := &Runner{
		store:      store,
		migrations: Default(),
		env:        Env{Settings: settings, Version: version},
		logger:     slog.New(slog.DiscardHandler),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run applies every pending migration and returns the ids it applied. Each
// migration commits with its bookkeeping in one transaction, so a failure
// leaves earlier migrations recorded.
func (r *Runner) Run(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool, len(r.migrations))
	for _, m := range r.migrations {
		if m.ID == "" || seen[m.ID] {
			return nil, fmt.Errorf("migration id %q is empty or duplicated", m.ID)
		}
		seen[m.ID] = true
	}

	var applied []string
	for _, m := range r.migrations {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		env := r.env
		env.Now = r.now()
		ran := false
		_, err := r.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			done := Applied(tx)
			if !m.Always && slices.Contains(done, m.ID) {
				return nil
			}
			if err := m.Apply(tx, env); err != nil {
				return err
			}
			ran = true
			if !slices.Contains(done, m.ID) {
				done = append(done, m.ID)
			}
			_, err := tx.PutStatus(domain.Status{
				Base:   domain.Base{ID: StatusID},
				Fields: map[string]any{"applied": done, "updated_at": env.Now.Format(time.RFC3339)},
			})
			return err
		})
		if err != nil {
			r.logger.Error("migration failed", "migration", m.ID, "error", err)
			return applied, fmt.Errorf("migration %s: %w", m.ID, err)
		}
		if ran {
			r.logger.Info("migration applied", "migration", m.ID)
			applied = append(applied, m.ID)
		}
	}
	return applied, nil
}

// Applied returns the migration ids recorded as applied.
func Applied(view domain.TransactionView) []string {
	status, ok := view.FindStatus(StatusID)
	if !ok {
		return nil
	}
	raw, _ := status.Field("applied")
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
