package jobs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	"virtool/internal/core"
)

// Command describes one external tool invocation.
type Command struct {
	Argv []string
	// Env overrides are merged over the current process environment.
	Env           map[string]string
	Dir           string
	DiscardStdout bool
}

// ProcessRunner runs external tools.
type ProcessRunner interface {
	Run(ctx context.Context, cmd Command) error
}

// ProcessError reports a tool that exited nonzero.
type ProcessError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e ProcessError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// ExecRunner runs commands with os/exec. Started processes are not
// interrupted when ctx is cancelled.
type ExecRunner struct {
	Logger core.Logger
}

// Run starts cmd and waits for it. Stdout lines are logged at debug level
// unless discarded; stderr is captured into ProcessError.
func (r ExecRunner) Run(_ context.Context, c Command) error {
	if len(c.Argv) == 0 {
		return errors.New("empty command")
	}
	log := r.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	name := c.Argv[0]
	cmd := exec.Command(name, c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	var stdout io.ReadCloser
	if c.DiscardStdout {
		cmd.Stdout = io.Discard
	} else {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		stdout = pipe
	}
	log.Debug("process started", "argv", c.Argv)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	var readErr error
	if stdout != nil {
		readErr = logLines(log, name, stdout)
	}
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ProcessError{Name: name, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if readErr != nil {
		return fmt.Errorf("read %s output: %w", name, readErr)
	}
	return nil
}

// logLines logs r line by line until EOF. Lines may be any length. On a read
// error the rest of r is discarded so the process never blocks on a full pipe.
func logLines(log core.Logger, name string, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			log.Debug("process output", "name", name, "line", line)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_, _ = io.Copy(io.Discard, r)
			return err
		}
	}
}

// mergeEnv replaces or appends overrides on base, in key order.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
