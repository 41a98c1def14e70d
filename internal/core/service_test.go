package core

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"virtool/internal/config"
	"virtool/pkg/domain"
)

type logEntry struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (c *captureLogger) log(level, msg string, args []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, logEntry{level: level, msg: msg, args: args})
}

func (c *captureLogger) Debug(msg string, args ...any) { c.log("debug", msg, args) }
func (c *captureLogger) Info(msg string, args ...any)  { c.log("info", msg, args) }
func (c *captureLogger) Warn(msg string, args ...any)  { c.log("warn", msg, args) }
func (c *captureLogger) Error(msg string, args ...any) { c.log("error", msg, args) }

func (c *captureLogger) has(level, msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

type captureAuditRecorder struct {
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus) bool {
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			return true
		}
	}
	return false
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

type captureTracer struct {
	ended map[string]error
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, spanFunc(func(err error) {
		if c.ended == nil {
			c.ended = make(map[string]error)
		}
		c.ended[op] = err
	})
}

type spanFunc func(error)

func (f spanFunc) End(err error) { f(err) }

func TestServiceObservability(t *testing.T) {
	ctx := context.Background()
	audit := &captureAuditRecorder{}
	metrics := &captureMetricsRecorder{}
	tracer := &captureTracer{}
	logger := &captureLogger{}
	f := newFixture(t, testSettings(t),
		WithAuditRecorder(audit),
		WithMetricsRecorder(metrics),
		WithTracer(tracer),
		WithLogger(logger),
	)
	files := f.seedUploads(t, 1)
	sample := f.createSample(t, owner(), "S1", files)

	if !audit.has("create_sample", AuditStatusSuccess) {
		t.Fatalf("expected audit success for create_sample, got %+v", audit.entries)
	}
	if audit.entries[0].EntityID != sample.ID || audit.entries[0].Entity != string(domain.EntitySample) {
		t.Fatalf("unexpected audit entry %+v", audit.entries[0])
	}
	if _, err := f.svc.SetStats(ctx, "missing", domain.Quality{}); err == nil {
		t.Fatalf("expected set_stats failure")
	}
	if !audit.has("set_stats", AuditStatusError) {
		t.Fatalf("expected audit error entry")
	}
	if len(metrics.calls) != 2 || metrics.calls[1] != (metricsCall{op: "set_stats", success: false}) {
		t.Fatalf("unexpected metrics %+v", metrics.calls)
	}
	if err, ok := tracer.ended["set_stats"]; !ok || err == nil {
		t.Fatalf("expected failed span for set_stats")
	}
	if !logger.has("error", "operation failed") || !logger.has("debug", "operation complete") {
		t.Fatalf("expected operation logs, got %+v", logger.entries)
	}
}

func TestClockFunc(t *testing.T) {
	if ClockFunc(nil).Now().IsZero() {
		t.Fatalf("expected nil ClockFunc to fall back to wall time")
	}
	fixed := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	if !ClockFunc(func() time.Time { return fixed }).Now().Equal(fixed) {
		t.Fatalf("expected delegated time")
	}
}

func TestServiceClockStampsDocuments(t *testing.T) {
	fixed := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	svc := NewInMemoryService(nil, testSettings(t), WithClock(ClockFunc(func() time.Time { return fixed })))
	_, err := svc.Store().RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateSample(domain.Sample{Base: domain.Base{ID: "s1"}})
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sample, _ := svc.Store().GetSample("s1")
	if !sample.CreatedAt.Equal(fixed) {
		t.Fatalf("expected created_at from service clock, got %v", sample.CreatedAt)
	}
}

func TestNilOptionsIgnored(t *testing.T) {
	svc := NewInMemoryService(nil, testSettings(t), nil, WithLogger(nil), WithTracer(nil), WithBlobStore(nil), WithDispatcher(nil), WithScheduler(nil))
	if svc.Logger() == nil || svc.Blobs() == nil {
		t.Fatalf("expected defaults kept")
	}
	id, err := svc.scheduler.Enqueue(context.Background(), "", JobImportReads, nil, "bob")
	if err != nil || id == "" {
		t.Fatalf("expected discard scheduler to hand out ids, got %q %v", id, err)
	}
}

func TestClientFor(t *testing.T) {
	svc := NewInMemoryService(nil, testSettings(t))
	_, err := svc.Store().RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateGroup(domain.Group{Base: domain.Base{ID: "technicians"}, Permissions: domain.Permissions{PermissionCreateSample: true, PermissionUploadFile: false}}); err != nil {
			return err
		}
		_, err := tx.CreateUser(domain.User{Base: domain.Base{ID: "bob"}, Groups: []string{"technicians", "gone"}, Permissions: domain.Permissions{PermissionUploadFile: true}})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	client, err := svc.ClientFor(context.Background(), "bob")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if !client.Can(PermissionCreateSample) || !client.Can(PermissionUploadFile) || client.Can(PermissionCreateRef) {
		t.Fatalf("unexpected permissions %+v", client.Permissions)
	}
	if _, err := svc.ClientFor(context.Background(), "nobody"); !errors.As(err, new(ErrNotFound)) {
		t.Fatalf("expected unknown user, got %v", err)
	}
}

func TestUploadListOpenRemoveFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings(t))

	if _, err := f.svc.UploadFile(ctx, Client{UserID: "eve"}, "reads.fq", strings.NewReader("@r1")); !errors.As(err, new(ErrInsufficientRights)) {
		t.Fatalf("expected permission error, got %v", err)
	}
	file, err := f.svc.UploadFile(ctx, owner(), "reads.fq", strings.NewReader("@r1\nACGT\n+\nIIII\n"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if file.Size != 16 || file.Key != FileKey(file.ID, "reads.fq") || file.User.ID != "bob" {
		t.Fatalf("unexpected file %+v", file)
	}
	_, rc, err := f.svc.OpenFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.HasPrefix(body, []byte("@r1")) {
		t.Fatalf("unexpected body %q", body)
	}

	f.svc.Reservations().Add(file.ID)
	if available, _ := f.svc.ListAvailableFiles(ctx); len(available) != 0 {
		t.Fatalf("expected reserved file hidden")
	}
	if err := f.svc.RemoveFile(ctx, file.ID, false); !errors.As(err, new(ErrConflict)) {
		t.Fatalf("expected conflict for reserved file, got %v", err)
	}
	if err := f.svc.RemoveFile(ctx, file.ID, true); err != nil {
		t.Fatalf("forced remove: %v", err)
	}
	if _, _, err := f.svc.OpenFile(ctx, file.ID); !errors.As(err, new(ErrNotFound)) {
		t.Fatalf("expected removed file, got %v", err)
	}
	if f.svc.Reservations().Has(file.ID) {
		t.Fatalf("expected reservation released with file")
	}
}

func TestReservations(t *testing.T) {
	r := NewReservations()
	r.Add("b", "a", "b")
	if got := r.List(); len(got) != 2 || got[0] != "a" {
		t.Fatalf("unexpected list %v", got)
	}
	r.Release("a", "missing")
	if r.Has("a") || !r.Has("b") {
		t.Fatalf("unexpected membership %v", r.List())
	}
}

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	rec.Observe(context.Background(), "create_sample", true, 2*time.Millisecond)
	rec.Observe(context.Background(), "create_sample", false, time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Second)
	snap := rec.Snapshot()
	if snap.Results["create_sample"]["success"] != 1 || snap.Results["create_sample"]["error"] != 1 {
		t.Fatalf("unexpected results %+v", snap.Results)
	}
	if snap.DurationsMS["create_sample"] != 3 {
		t.Fatalf("unexpected durations %+v", snap.DurationsMS)
	}
	if expvar.Get(rec.Name()) == nil {
		t.Fatalf("expected recorder published as %s", rec.Name())
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	rec.Observe(context.Background(), "analyze", true, 10*time.Millisecond)
	rec.Observe(context.Background(), "analyze", false, 10*time.Millisecond)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := map[string]int{}
	for _, mf := range families {
		seen[mf.GetName()] = len(mf.GetMetric())
	}
	if seen["virtool_service_operations_total"] != 2 || seen["virtool_service_operation_duration_seconds"] != 1 {
		t.Fatalf("unexpected families %+v", seen)
	}
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestJSONTracer(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	_, span := tracer.Start(context.Background(), "replace_old")
	span.End(errors.New("boom"))
	entries := tracer.Entries()
	if len(entries) != 1 || entries[0].Status != "error" || entries[0].Error != "boom" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if !strings.Contains(buf.String(), `"operation":"replace_old"`) {
		t.Fatalf("expected encoded span, got %s", buf.String())
	}
}

func TestOpenPersistentStore(t *testing.T) {
	store, err := OpenPersistentStore(config.Storage{Driver: string(StorageMemory)}, nil)
	if err != nil || store == nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, err := OpenPersistentStore(config.Storage{Driver: "mongo"}, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	path := t.TempDir() + "/virtool.db"
	store, err = OpenPersistentStore(config.Storage{SQLitePath: path}, NewDefaultRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if closer, ok := store.(io.Closer); ok {
		_ = closer.Close()
	}
}
