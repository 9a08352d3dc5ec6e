package executors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"plugin"
	"reflect"
	"strings"
	"sync"

	"job-replay-service/internal/models"
)

// Resolution is a callable ready to be invoked plus whatever must be
// released once the call is done.
type Resolution struct {
	Callable Callable
	release  func()
}

// Release frees resources held by the resolution. It is safe to call more
// than once.
func (r *Resolution) Release() {
	if r != nil && r.release != nil {
		r.release()
		r.release = nil
	}
}

// Resolver turns a task description into something callable.
type Resolver interface {
	Resolve(ctx context.Context, task models.Task) (*Resolution, error)
}

// Resolvers selects a resolver by the task's source type.
type Resolvers struct {
	Compiled Resolver
	Script   Resolver
}

func (r Resolvers) Resolve(ctx context.Context, task models.Task) (*Resolution, error) {
	var target Resolver
	switch task.SourceType {
	case models.SourceCompiled, models.SourceJar:
		target = r.Compiled
	case models.SourceScript:
		target = r.Script
	}
	if target == nil {
		return nil, models.ExecutionError("resolve", fmt.Errorf("no resolver for source type %q", task.SourceType))
	}
	res, err := target.Resolve(ctx, task)
	if err != nil {
		return nil, models.ExecutionError("resolve", err)
	}
	return res, nil
}

// CompiledResolver resolves functions compiled into the worker. When the
// symbol is not registered and the task points at a Go plugin (.so), the
// plugin is opened after its checksum is verified.
type CompiledResolver struct {
	Functions *FunctionRegistry
	Logger    *slog.Logger

	mu      sync.Mutex
	plugins map[string]*plugin.Plugin
}

func NewCompiledResolver(functions *FunctionRegistry, logger *slog.Logger) *CompiledResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompiledResolver{Functions: functions, Logger: logger}
}

func (r *CompiledResolver) Resolve(_ context.Context, task models.Task) (*Resolution, error) {
	if r.Functions != nil {
		if c, err := r.Functions.Find(task); err == nil {
			return &Resolution{Callable: c}, nil
		}
	}
	if !strings.HasSuffix(task.ScriptPath, ".so") {
		return nil, fmt.Errorf("%w: %s", models.ErrSymbolNotFound, strings.Join(SymbolNames(task), ", "))
	}
	c, err := r.fromPlugin(task)
	if err != nil {
		return nil, err
	}
	return &Resolution{Callable: c}, nil
}

func (r *CompiledResolver) fromPlugin(task models.Task) (Callable, error) {
	if task.ArtifactSHA256 != nil && *task.ArtifactSHA256 != "" {
		if err := VerifyChecksum(task.ScriptPath, *task.ArtifactSHA256); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	p, ok := r.plugins[task.ScriptPath]
	if !ok {
		var err error
		p, err = plugin.Open(task.ScriptPath)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("open plugin %s: %w", task.ScriptPath, err)
		}
		if r.plugins == nil {
			r.plugins = make(map[string]*plugin.Plugin)
		}
		r.plugins[task.ScriptPath] = p
		r.Logger.Info("plugin loaded", "path", task.ScriptPath)
	}
	r.mu.Unlock()

	sym, err := p.Lookup(task.FunctionName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s in %s", models.ErrSymbolNotFound, task.FunctionName, task.ScriptPath)
	}
	fn := reflect.ValueOf(sym)
	if fn.Kind() == reflect.Ptr && fn.Elem().Kind() == reflect.Func {
		fn = fn.Elem()
	}
	return NewFuncCallable(task.FunctionName, fn.Interface())
}

// VerifyChecksum compares the sha256 of the file at path with want (hex).
func VerifyChecksum(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: %s has sha256 %s, want %s", models.ErrArtifactMismatch, path, got, want)
	}
	return nil
}

// ScriptResolver evaluates the task's source snapshot in a fresh host.
type ScriptResolver struct {
	NewHost HostFactory
}

func (r *ScriptResolver) Resolve(ctx context.Context, task models.Task) (*Resolution, error) {
	if task.SourceSnapshot == nil || *task.SourceSnapshot == "" {
		return nil, fmt.Errorf("%w: task %s has no source snapshot", models.ErrSymbolNotFound, task.ID)
	}
	host, err := r.NewHost()
	if err != nil {
		return nil, fmt.Errorf("create script host: %w", err)
	}
	if err := host.Eval(ctx, *task.SourceSnapshot); err != nil {
		host.Close()
		return nil, fmt.Errorf("evaluate %s: %w", task.FileName, err)
	}
	c, err := host.Symbol(task.FunctionName)
	if err != nil {
		host.Close()
		return nil, fmt.Errorf("%w: %s: %v", models.ErrSymbolNotFound, task.FunctionName, err)
	}
	return &Resolution{Callable: c, release: func() { host.Close() }}, nil
}
