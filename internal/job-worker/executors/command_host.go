package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ScriptHost evaluates a source snapshot and exposes the functions it defines.
type ScriptHost interface {
	Eval(ctx context.Context, source string) error
	Symbol(name string) (Callable, error)
	Close() error
}

// HostFactory creates a fresh host. Each task gets its own.
type HostFactory func() (ScriptHost, error)

// CommandHost runs script functions in a child interpreter. The script is
// invoked as `<interpreter> <script> <function> <arg0> <arg1> ...` with every
// argument JSON-encoded, and the function's result is its trimmed stdout.
type CommandHost struct {
	interpreter string
	timeout     time.Duration
	logger      *slog.Logger

	dir    string
	script string
}

// NewCommandHostFactory returns a factory for hosts using interpreter.
func NewCommandHostFactory(interpreter string, timeout time.Duration, logger *slog.Logger) HostFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func() (ScriptHost, error) {
		return &CommandHost{interpreter: interpreter, timeout: timeout, logger: logger}, nil
	}
}

// Eval writes the source to a private temp directory.
func (h *CommandHost) Eval(_ context.Context, source string) error {
	if strings.TrimSpace(source) == "" {
		return errors.New("script source is empty")
	}
	if h.dir == "" {
		dir, err := os.MkdirTemp("", "job_script_")
		if err != nil {
			return fmt.Errorf("failed to create temp directory: %w", err)
		}
		h.dir = dir
	}
	path := filepath.Join(h.dir, "script")
	if err := os.WriteFile(path, []byte(source), 0o755); err != nil {
		return fmt.Errorf("failed to write script to temp file: %w", err)
	}
	h.script = path
	h.logger.Debug("script written", "path", path)
	return nil
}

func (h *CommandHost) Symbol(name string) (Callable, error) {
	if h.script == "" {
		return nil, errors.New("no script evaluated")
	}
	return &commandCallable{host: h, name: name}, nil
}

// Close removes the evaluated script.
func (h *CommandHost) Close() error {
	if h.dir == "" {
		return nil
	}
	err := os.RemoveAll(h.dir)
	h.dir, h.script = "", ""
	return err
}

type commandCallable struct {
	host *CommandHost
	name string
}

func (c *commandCallable) Call(ctx context.Context, args []any) (any, error) {
	h := c.host
	argv := []string{h.script, c.name}
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode arg%d: %w", i, err)
		}
		argv = append(argv, string(data))
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, h.interpreter, argv...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		h.logger.Warn("script timed out", "function", c.name, "timeout", h.timeout)
		return nil, fmt.Errorf("script %s timed out after %s. Stderr: %s", c.name, h.timeout, stderr.String())
	}
	if err != nil {
		h.logger.Warn("script failed", "function", c.name, "error", err, "stderr", stderr.String())
		return nil, fmt.Errorf("script %s failed: %w. Stderr: %s", c.name, err, stderr.String())
	}
	if stderr.Len() > 0 {
		h.logger.Debug("script stderr", "function", c.name, "stderr", stderr.String())
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

var _ ScriptHost = (*CommandHost)(nil)
