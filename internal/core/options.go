package core

import (
	"context"
	"time"

	"virtool/internal/blob"
)

// Logger is the structured logging surface the service writes to. Arguments
// are alternating key/value pairs; *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now returns the function result, or the current UTC time for a nil func.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f()
}

// AuditStatus is the outcome recorded for an audited operation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one service operation.
type AuditEntry struct {
	Operation  string
	Entity     string
	EntityID   string
	Status     AuditStatus
	Error      string
	Duration   time.Duration
	OccurredAt time.Time
}

// AuditRecorder receives an entry for every service operation.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder observes operation latency and outcome.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts a span per operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type serviceOptions struct {
	logger     Logger
	clock      Clock
	clockSet   bool
	audit      AuditRecorder
	metrics    MetricsRecorder
	tracer     Tracer
	blobs      blob.Store
	scheduler  JobScheduler
	dispatcher Dispatcher
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		logger:     noopLogger{},
		clock:      ClockFunc(nil),
		audit:      noopAudit{},
		metrics:    noopMetrics{},
		tracer:     noopTracer{},
		scheduler:  discardScheduler{},
		dispatcher: noopDispatcher{},
	}
}

// Option configures a Service.
type Option func(*serviceOptions)

// WithLogger sets the service logger. A nil logger is ignored.
func WithLogger(logger Logger) Option {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
			o.clockSet = true
		}
	}
}

func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.audit = recorder
		}
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

func WithTracer(tracer Tracer) Option {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithBlobStore sets where uploaded read files and exports live. The default
// is an in-memory store.
func WithBlobStore(store blob.Store) Option {
	return func(o *serviceOptions) {
		if store != nil {
			o.blobs = store
		}
	}
}

// WithScheduler sets the job scheduler samples, analyses and index builds
// are enqueued on.
func WithScheduler(scheduler JobScheduler) Option {
	return func(o *serviceOptions) {
		if scheduler != nil {
			o.scheduler = scheduler
		}
	}
}

// WithDispatcher sets the realtime change listener.
func WithDispatcher(dispatcher Dispatcher) Option {
	return func(o *serviceOptions) {
		if dispatcher != nil {
			o.dispatcher = dispatcher
		}
	}
}
