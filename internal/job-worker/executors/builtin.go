package executors

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RegisterBuiltins installs the functions every worker ships with.
func RegisterBuiltins(r *FunctionRegistry) {
	r.MustRegister("echo", Echo)
	r.MustRegister("sleep", Sleep)
}

// Echo logs its message and returns it.
func Echo(ctx context.Context, message string) string {
	slog.InfoContext(ctx, "echo", "message", message)
	return fmt.Sprintf("echo: %s", message)
}

// Sleep blocks for ms milliseconds or until the context is done.
func Sleep(ctx context.Context, ms int64) error {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
