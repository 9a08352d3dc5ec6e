// Package listener owns the background pollers that repeatedly run pending
// jobs for a (context, queue) key.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"job-replay-service/internal/job-worker/runner"
	"job-replay-service/internal/platform/logger"
)

// SleepChunk bounds how long a poller sleeps before rechecking cancellation.
const SleepChunk = 200 * time.Millisecond

// RunOnce performs one polling cycle.
type RunOnce func(ctx context.Context, onJob runner.OnJob) error

type handle struct {
	key     string
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}
}

// Registry maps listener keys to running pollers. At most one poller runs per
// key.
type Registry struct {
	base   context.Context
	chunk  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

func NewRegistry(l *slog.Logger) *Registry {
	return &Registry{
		base:    context.Background(),
		chunk:   SleepChunk,
		logger:  logger.OrDiscard(l).With("component", "listener_registry"),
		handles: make(map[string]*handle),
	}
}

// Start launches a poller for key that calls runOnce and then sleeps for
// sleep, until stopped. It is a no-op returning false when key already has a
// poller, including one that is still shutting down. A non-positive sleep is
// raised to one sleep chunk.
func (r *Registry) Start(key string, sleep time.Duration, runOnce RunOnce, onJob runner.OnJob) bool {
	if sleep <= 0 {
		sleep = r.chunk
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[key]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(r.base)
	h := &handle{key: key, cancel: cancel, done: make(chan struct{})}
	r.handles[key] = h

	go r.loop(ctx, h, sleep, runOnce, onJob)
	r.logger.Info("listener started", "key", key, "sleep", sleep)
	return true
}

// Stop cancels the poller for key and waits for it to exit. The handle stays
// registered until the loop has returned, so key cannot be started again
// while the old poller is still running. Stop reports whether it was the
// call that stopped a running poller.
func (r *Registry) Stop(key string) bool {
	r.mu.Lock()
	h, ok := r.handles[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	first := h.stopped.CompareAndSwap(false, true)
	h.cancel()
	<-h.done
	if first {
		r.logger.Info("listener stopped", "key", key)
	}
	return first
}

// Restart stops the poller for key, if any, and starts a new one.
func (r *Registry) Restart(key string, sleep time.Duration, runOnce RunOnce, onJob runner.OnJob) bool {
	r.Stop(key)
	return r.Start(key, sleep, runOnce, onJob)
}

// StopAll stops every poller.
func (r *Registry) StopAll() {
	for _, key := range r.Keys() {
		r.Stop(key)
	}
}

func (r *Registry) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[key]
	return ok
}

// Keys lists the keys with a running poller.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) loop(ctx context.Context, h *handle, sleep time.Duration, runOnce RunOnce, onJob runner.OnJob) {
	defer close(h.done)
	defer r.forget(h)
	l := r.logger.With("key", h.key)

	for !h.stopped.Load() && ctx.Err() == nil {
		if err := r.cycle(ctx, runOnce, onJob); err != nil && ctx.Err() == nil {
			l.Warn("polling cycle failed", "error", err)
		}
		if !r.pause(ctx, h, sleep) {
			return
		}
	}
}

// cycle runs one poll, turning a panic into an error so the loop survives.
func (r *Registry) cycle(ctx context.Context, runOnce RunOnce, onJob runner.OnJob) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("poller panicked: %v", p)
		}
	}()
	return runOnce(ctx, onJob)
}

// pause sleeps for d in chunks and reports whether the poller should go on.
func (r *Registry) pause(ctx context.Context, h *handle, d time.Duration) bool {
	for remaining := d; remaining > 0; remaining -= r.chunk {
		if h.stopped.Load() {
			return false
		}
		step := r.chunk
		if remaining < step {
			step = remaining
		}
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
	return !h.stopped.Load() && ctx.Err() == nil
}

// forget drops h from the map if it is still the registered handle.
func (r *Registry) forget(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.key] == h {
		delete(r.handles, h.key)
	}
}
