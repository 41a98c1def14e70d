package core

import (
	"context"
	"time"

	"virtool/internal/blob"
	"virtool/internal/config"
	"virtool/internal/infra/persistence/memory"
	"virtool/pkg/domain"
)

// Service exposes the sample, analysis, index and file operations of
// virtool on top of a transactional document store.
type Service struct {
	store        domain.PersistentStore
	settings     config.Settings
	paths        config.Paths
	reservations *Reservations

	logger     Logger
	clock      Clock
	audit      AuditRecorder
	metrics    MetricsRecorder
	tracer     Tracer
	blobs      blob.Store
	scheduler  JobScheduler
	dispatcher Dispatcher
}

// nowSetter is implemented by stores that stamp created_at themselves.
type nowSetter interface {
	SetNowFunc(func() time.Time)
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, settings config.Settings, opts ...Option) *Service {
	cfg := defaultServiceOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.blobs == nil {
		cfg.blobs = blob.NewMemory()
	}
	if stamped, ok := store.(nowSetter); ok && cfg.clockSet {
		stamped.SetNowFunc(func() time.Time { return cfg.clock.Now().UTC() })
	}
	return &Service{
		store:        store,
		settings:     settings,
		paths:        settings.PathsFor(),
		reservations: NewReservations(),
		logger:       cfg.logger,
		clock:        cfg.clock,
		audit:        cfg.audit,
		metrics:      cfg.metrics,
		tracer:       cfg.tracer,
		blobs:        cfg.blobs,
		scheduler:    cfg.scheduler,
		dispatcher:   cfg.dispatcher,
	}
}

// NewInMemoryService creates a service over a fresh in-memory store.
func NewInMemoryService(engine *domain.RulesEngine, settings config.Settings, opts ...Option) *Service {
	return NewService(memory.NewStore(engine), settings, opts...)
}

// Store returns the underlying document store.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Settings returns the settings the service was built with.
func (s *Service) Settings() config.Settings { return s.settings }

// Paths returns the on-disk data layout.
func (s *Service) Paths() config.Paths { return s.paths }

// Reservations returns the upload files currently claimed by imports.
func (s *Service) Reservations() *Reservations { return s.reservations }

// Blobs returns the blob store holding uploads and exports.
func (s *Service) Blobs() blob.Store { return s.blobs }

// Logger returns the service logger so jobs log through the same sink.
func (s *Service) Logger() Logger { return s.logger }

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

// observe wraps an operation with tracing, metrics, audit and logging. fn
// returns the id of the primary document it touched.
func (s *Service) observe(ctx context.Context, op string, entity domain.EntityType, fn func(ctx context.Context) (string, error)) error {
	ctx, span := s.tracer.Start(ctx, op)
	started := s.clock.Now()
	id, err := fn(ctx)
	duration := s.clock.Now().Sub(started)

	s.metrics.Observe(ctx, op, err == nil, duration)
	entry := AuditEntry{
		Operation:  op,
		Entity:     string(entity),
		EntityID:   id,
		Status:     AuditStatusSuccess,
		Duration:   duration,
		OccurredAt: started.UTC(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		s.logger.Error("operation failed", "operation", op, "entity", entity, "id", id, "duration", duration, "error", err)
	} else {
		s.logger.Debug("operation complete", "operation", op, "entity", entity, "id", id, "duration", duration)
	}
	s.audit.Record(ctx, entry)
	span.End(err)
	return err
}

// run executes fn in a store transaction under observe and logs non-blocking
// rule violations.
func (s *Service) run(ctx context.Context, op string, entity domain.EntityType, fn func(tx domain.Transaction) (string, error)) error {
	return s.observe(ctx, op, entity, func(ctx context.Context) (string, error) {
		var id string
		res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			id, err = fn(tx)
			return err
		})
		for _, v := range res.Violations {
			if v.Severity == domain.SeverityBlock {
				continue
			}
			s.logger.Warn("rule violation", "operation", op, "rule", v.Rule, "severity", v.Severity, "entity", v.Entity, "id", v.EntityID, "message", v.Message)
		}
		return id, err
	})
}

func (s *Service) view(ctx context.Context, fn func(view domain.TransactionView) error) error {
	return s.store.View(ctx, fn)
}
