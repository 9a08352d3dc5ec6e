package executors

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"job-replay-service/internal/models"
)

// FunctionRegistry maps symbol names to compiled Go functions. Symbols are
// looked up as "package.function", "file#function" and then "function".
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]*FuncCallable
	logger    *slog.Logger
}

func NewFunctionRegistry(logger *slog.Logger) *FunctionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &FunctionRegistry{
		functions: make(map[string]*FuncCallable),
		logger:    logger,
	}
}

// Register adds fn under symbol, replacing any previous registration.
func (r *FunctionRegistry) Register(symbol string, fn any) error {
	if symbol == "" {
		return fmt.Errorf("register function: empty symbol")
	}
	c, err := NewFuncCallable(symbol, fn)
	if err != nil {
		return fmt.Errorf("register function: %w", err)
	}
	r.mu.Lock()
	r.functions[symbol] = c
	r.mu.Unlock()
	r.logger.Debug("registered function", "symbol", symbol, "arity", c.Arity())
	return nil
}

// MustRegister is Register for init-time wiring.
func (r *FunctionRegistry) MustRegister(symbol string, fn any) {
	if err := r.Register(symbol, fn); err != nil {
		panic(err)
	}
}

func (r *FunctionRegistry) Lookup(symbol string) (*FuncCallable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.functions[symbol]
	return c, ok
}

// Find resolves the function a task names.
func (r *FunctionRegistry) Find(task models.Task) (*FuncCallable, error) {
	for _, symbol := range SymbolNames(task) {
		if c, ok := r.Lookup(symbol); ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrSymbolNotFound, task.FunctionName)
}

func (r *FunctionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SymbolNames lists the registry keys tried for a task, most specific first.
func SymbolNames(task models.Task) []string {
	var names []string
	if task.PackageName != nil && *task.PackageName != "" {
		names = append(names, *task.PackageName+"."+task.FunctionName)
	}
	if task.FileName != "" {
		names = append(names, task.FileName+"#"+task.FunctionName)
	}
	return append(names, task.FunctionName)
}
