// Package runner drains pending tasks from a queue, executes each one and
// reports the outcome to a callback.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"job-replay-service/internal/job-manager/drivers"
	"job-replay-service/internal/job-worker/executors"
	"job-replay-service/internal/jobconfig"
	"job-replay-service/internal/models"
	"job-replay-service/internal/platform/logger"
)

// OnJob receives one result per executed task.
type OnJob func(ctx context.Context, result models.JobResult)

// Config wires a Runner.
type Config struct {
	// Drivers serves RunPendingJobs.
	Drivers *drivers.Registry
	// Loader and DriverOptions serve RunPendingJobsFor, which opens the
	// drivers its configurations name.
	Loader        *jobconfig.Loader
	DriverOptions drivers.Options

	Resolver executors.Resolver
	Invoker  *executors.Invoker
	// Injector supplies framework values to every invocation.
	Injector executors.Injector

	// BatchSize caps the tasks claimed per cycle; zero claims all.
	BatchSize int
	// ReportFailures makes failed tasks reach OnJob as models.JobFailed.
	ReportFailures bool

	Logger *slog.Logger
}

// Runner executes pending tasks. A failing task never stops the batch.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]drivers.Driver
}

func New(cfg Config) *Runner {
	if cfg.Drivers == nil {
		cfg.Drivers = drivers.NewRegistry()
	}
	if cfg.Invoker == nil {
		cfg.Invoker = executors.NewInvoker(nil)
	}
	return &Runner{
		cfg:    cfg,
		logger: logger.OrDiscard(cfg.Logger).With("component", "runner"),
		conns:  make(map[string]drivers.Driver),
	}
}

// RunPendingJobs runs every task currently pending on queue in the named
// driver. It returns an error only when the queue could not be read.
func (r *Runner) RunPendingJobs(ctx context.Context, queue, driverName string, onJob OnJob) error {
	drv, err := r.cfg.Drivers.Get(driverName)
	if err != nil {
		return models.ConfigurationError("run pending jobs", err)
	}
	return r.run(ctx, drv, driverName, queue, "", onJob)
}

// RunPendingJobsFor loads the configuration selected for contextName and
// configID and runs its queue. A non-empty jobID limits execution to that
// task; other claimed tasks are released untouched.
func (r *Runner) RunPendingJobsFor(ctx context.Context, contextName, jobID, configID string, onJob OnJob) error {
	if r.cfg.Loader == nil {
		return models.ConfigurationError("run pending jobs", errors.New("runner has no configuration loader"))
	}
	configs, err := r.cfg.Loader.LoadOrFail(contextName, configID)
	if err != nil {
		return err
	}

	var errs []error
	for _, cfg := range configs {
		drv, err := r.connect(ctx, cfg)
		if err != nil {
			r.logger.Error("failed to open driver", "context", contextName, "config", cfg.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		if err := r.run(ctx, drv, cfg.Driver, cfg.Queue, jobID, onJob); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// connect returns the driver for cfg, opening it on first use.
func (r *Runner) connect(ctx context.Context, cfg jobconfig.JobConfiguration) (drivers.Driver, error) {
	key := cfg.ListenerKey() + "::" + cfg.Driver
	r.mu.Lock()
	defer r.mu.Unlock()
	if drv, ok := r.conns[key]; ok {
		return drv, nil
	}
	drv, err := drivers.Open(ctx, cfg, r.cfg.DriverOptions)
	if err != nil {
		return nil, err
	}
	r.conns[key] = drv
	return drv, nil
}

// Close closes the drivers RunPendingJobsFor opened.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, drv := range r.conns {
		if err := drv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	r.conns = make(map[string]drivers.Driver)
	return errors.Join(errs...)
}

func (r *Runner) run(ctx context.Context, drv drivers.Driver, driverName, queue, jobID string, onJob OnJob) error {
	l := r.logger.With("queue", queue, "driver", driverName)

	deliveries, err := drv.Claim(ctx, queue, r.cfg.BatchSize)
	if err != nil && len(deliveries) == 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.Error("failed to read pending jobs", "error", err)
		return err
	}
	if err != nil {
		l.Warn("partial claim", "claimed", len(deliveries), "error", err)
	}
	if len(deliveries) > 0 {
		l.Debug("claimed pending jobs", "count", len(deliveries))
	}

	for i, dl := range deliveries {
		if ctx.Err() != nil {
			r.releaseAll(ctx, drv, queue, deliveries[i:], l)
			return ctx.Err()
		}
		r.process(ctx, drv, queue, jobID, dl, onJob, l)
	}
	return nil
}

func (r *Runner) process(ctx context.Context, drv drivers.Driver, queue, jobID string, dl drivers.Delivery, onJob OnJob, l *slog.Logger) {
	task, err := dl.Decode()
	if err != nil {
		l.Error("undecodable task left in queue", "handle", dl.Handle, "error", err)
		r.release(ctx, drv, queue, dl, err, l)
		return
	}
	if jobID != "" && task.ID != jobID {
		r.release(ctx, drv, queue, dl, nil, l)
		return
	}

	tl := l.With("task_id", task.ID, "function", task.FunctionName)
	value, err := r.execute(logger.WithContext(ctx, tl), task)
	if err != nil {
		tl.Error("task failed", "error", err, "kind", models.KindOf(err))
		r.release(ctx, drv, queue, dl, err, tl)
		if r.cfg.ReportFailures {
			r.emit(ctx, onJob, models.JobFailed{Task: task, Err: err}, tl)
		}
		return
	}

	if err := drv.Ack(ctx, queue, dl); err != nil {
		tl.Error("failed to acknowledge task", "error", err)
	}
	tl.Info("task completed")
	r.emit(ctx, onJob, models.JobSucceeded{Task: task, Value: value}, tl)
}

func (r *Runner) execute(ctx context.Context, task models.Task) (any, error) {
	if r.cfg.Resolver == nil {
		return nil, models.ExecutionError("resolve", errors.New("runner has no resolver"))
	}
	res, err := r.cfg.Resolver.Resolve(ctx, task)
	if err != nil {
		return nil, err
	}
	defer res.Release()
	return r.cfg.Invoker.Invoke(ctx, task, res.Callable, r.cfg.Injector, nil)
}

// emit calls onJob, containing any panic so the batch continues.
func (r *Runner) emit(ctx context.Context, onJob OnJob, result models.JobResult, l *slog.Logger) {
	if onJob == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			l.Error("job callback panicked", "panic", p)
		}
	}()
	onJob(ctx, result)
}

func (r *Runner) release(ctx context.Context, drv drivers.Driver, queue string, dl drivers.Delivery, cause error, l *slog.Logger) {
	if err := drv.Release(context.WithoutCancel(ctx), queue, dl, cause); err != nil {
		l.Error("failed to release task", "handle", dl.Handle, "error", err)
	}
}

func (r *Runner) releaseAll(ctx context.Context, drv drivers.Driver, queue string, dls []drivers.Delivery, l *slog.Logger) {
	for _, dl := range dls {
		r.release(ctx, drv, queue, dl, ctx.Err(), l)
	}
}
