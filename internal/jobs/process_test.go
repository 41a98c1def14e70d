package jobs

import (
	"context"
	"errors"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin", "LD_LIBRARY_PATH=/old", "HOME=/root"}
	got := mergeEnv(base, map[string]string{"LD_LIBRARY_PATH": "/usr/lib", "A": "1"})
	want := []string{"PATH=/bin", "HOME=/root", "A=1", "LD_LIBRARY_PATH=/usr/lib"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if got := mergeEnv(base, nil); !reflect.DeepEqual(got, base) {
		t.Fatalf("expected base unchanged, got %v", got)
	}
}

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) Debug(msg string, args ...any) {
	if msg != "process output" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, args[len(args)-1].(string))
}
func (l *lineLogger) Info(string, ...any)  {}
func (l *lineLogger) Warn(string, ...any)  {}
func (l *lineLogger) Error(string, ...any) {}

func TestExecRunner(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh unavailable: %v", err)
	}
	logger := &lineLogger{}
	runner := ExecRunner{Logger: logger}

	err = runner.Run(context.Background(), Command{
		Argv: []string{sh, "-c", `echo "lib=$LD_LIBRARY_PATH"`},
		Env:  map[string]string{"LD_LIBRARY_PATH": "/opt/skewer"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(logger.lines) != 1 || logger.lines[0] != "lib=/opt/skewer" {
		t.Fatalf("unexpected stdout lines %v", logger.lines)
	}

	err = runner.Run(context.Background(), Command{
		Argv:          []string{sh, "-c", "echo out; echo bad input >&2; exit 3"},
		DiscardStdout: true,
	})
	var procErr ProcessError
	if !errors.As(err, &procErr) || procErr.ExitCode != 3 || !strings.Contains(procErr.Stderr, "bad input") {
		t.Fatalf("expected process error, got %v", err)
	}
	if len(logger.lines) != 1 {
		t.Fatalf("discarded stdout must not be logged, got %v", logger.lines)
	}

	if err := runner.Run(context.Background(), Command{Argv: []string{"/nonexistent/virtool-tool"}}); err == nil || errors.As(err, &procErr) {
		t.Fatalf("expected start failure, got %v", err)
	}
	if err := runner.Run(context.Background(), Command{}); err == nil {
		t.Fatalf("expected empty command error")
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2)
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Run(context.Background(), func() error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-gate
				running.Add(-1)
				return nil
			})
		}()
	}
	close(gate)
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", peak.Load())
	}

	want := errors.New("rmtree failed")
	if err := pool.Run(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected fn error, got %v", err)
	}
	full := NewPool(1)
	acquired := make(chan struct{})
	hold := make(chan struct{})
	go func() {
		_ = full.Run(context.Background(), func() error {
			close(acquired)
			<-hold
			return nil
		})
	}()
	<-acquired
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := full.Run(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled wait, got %v", err)
	}
	close(hold)
}

func TestArgs(t *testing.T) {
	args := map[string]any{
		"sample_id": "s1",
		"version":   float64(3),
		"paired":    true,
		"files":     []any{"a", "b"},
		"manifest":  map[string]any{"otu": float64(2)},
	}
	if v, err := StringArg(args, "sample_id"); err != nil || v != "s1" {
		t.Fatalf("string: %q %v", v, err)
	}
	if v, err := IntArg(args, "version"); err != nil || v != 3 {
		t.Fatalf("int: %d %v", v, err)
	}
	if v, err := BoolArg(args, "paired"); err != nil || !v {
		t.Fatalf("bool: %v %v", v, err)
	}
	if v, err := BoolArg(args, "missing"); err != nil || v {
		t.Fatalf("absent bool: %v %v", v, err)
	}
	if v, err := StringsArg(args, "files"); err != nil || !reflect.DeepEqual(v, []string{"a", "b"}) {
		t.Fatalf("strings: %v %v", v, err)
	}
	if v, err := VersionsArg(args, "manifest"); err != nil || v["otu"] != 2 {
		t.Fatalf("versions: %v %v", v, err)
	}
	if _, err := StringArg(args, "version"); err == nil {
		t.Fatalf("expected type error")
	}
	if _, err := IntArg(map[string]any{"n": 1.5}, "n"); err == nil {
		t.Fatalf("expected fractional error")
	}
}

func TestExecRunnerLongOutputLine(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh unavailable: %v", err)
	}
	logger := &lineLogger{}
	runner := ExecRunner{Logger: logger}
	// 100000 bytes on one line, then more output the tool must be able to write.
	script := `head -c 100000 /dev/zero | tr '\0' 'A'; echo; i=0; while [ $i -lt 2000 ]; do echo "line $i"; i=$((i+1)); done`

	done := make(chan error, 1)
	go func() {
		done <- runner.Run(context.Background(), Command{Argv: []string{sh, "-c", script}})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not return with a long output line")
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.lines) != 2001 || len(logger.lines[0]) != 100000 || logger.lines[2000] != "line 1999" {
		t.Fatalf("unexpected output: %d lines", len(logger.lines))
	}
}
