// Package replay re-runs a completed task with updated arguments and
// dispatches the follow-up task, chaining one job to the next.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"job-replay-service/internal/job-manager/dispatcher"
	"job-replay-service/internal/job-manager/events"
	"job-replay-service/internal/job-worker/executors"
	"job-replay-service/internal/job-worker/runner"
	"job-replay-service/internal/jobconfig"
	"job-replay-service/internal/models"
	"job-replay-service/internal/platform/logger"
)

// Replayer shares its resolver and invoker (and so its type coercion
// registry) with the runner that executed the original task.
type Replayer struct {
	resolver   executors.Resolver
	invoker    *executors.Invoker
	dispatcher *dispatcher.Dispatcher
	injector   executors.Injector
	now        func() time.Time
	logger     *slog.Logger
}

func New(resolver executors.Resolver, invoker *executors.Invoker, d *dispatcher.Dispatcher, injector executors.Injector, l *slog.Logger) *Replayer {
	if invoker == nil {
		invoker = executors.NewInvoker(nil)
	}
	// A follow-up may carry the event in its stored params when no injector
	// supplies one.
	invoker.Types.RegisterType(events.CompletionEventType, reflect.TypeOf(events.JobCompletedEvent{}))
	return &Replayer{
		resolver:   resolver,
		invoker:    invoker,
		dispatcher: d,
		injector:   injector,
		now:        time.Now,
		logger:     logger.OrDiscard(l).With("component", "replayer"),
	}
}

// Replay re-invokes task's callable with arguments resolved from, in order,
// injected values (including the completion event), newParams and the
// task's stored params. It then dispatches a new task carrying the merged
// params to cfg's queue and driver. A non-empty symbol replaces the function
// name. If the callable returns params, they are overlaid on the follow-up.
func (r *Replayer) Replay(ctx context.Context, task models.Task, cfg jobconfig.JobConfiguration, newParams models.Params, inject executors.Injector, symbol string) (models.Task, error) {
	if err := Validate(task); err != nil {
		return models.Task{}, models.ReplayError("replay", err)
	}
	target := task
	if symbol != "" {
		target.FunctionName = symbol
	}
	event := events.Completed(task, r.now())
	injector := executors.ChainInjectors(
		executors.Inject(events.CompletionEventType, event),
		inject,
		r.injector,
	)

	res, err := r.resolver.Resolve(ctx, target)
	if err != nil {
		return models.Task{}, models.ReplayError("resolve "+target.FunctionName, err)
	}
	defer res.Release()

	value, err := r.invoker.Invoke(ctx, target, res.Callable, injector, newParams)
	if err != nil {
		return models.Task{}, models.ReplayError("invoke "+target.FunctionName, err)
	}

	merged := task.Params.Merge(newParams)
	if returned, ok := ParamsOf(value); ok {
		merged = merged.Merge(withinArity(returned, len(target.Signature.ParamTypes)))
	}
	next := target.WithParams(merged)
	next.Origin = models.OriginReplay

	if _, err := r.dispatcher.Dispatch(ctx, next, cfg.Queue, cfg.Driver); err != nil {
		return models.Task{}, models.ReplayError("re-dispatch "+next.ID, err)
	}
	r.logger.Info("task replayed",
		"task_id", task.ID,
		"next_task_id", next.ID,
		"queue", cfg.Queue,
		"driver", cfg.Driver)
	return next, nil
}

// ParamsOf reports whether a callable's return value carries follow-up params.
func ParamsOf(value any) (models.Params, bool) {
	switch v := value.(type) {
	case models.Params:
		return v, v != nil
	case map[string]string:
		return models.Params(v), v != nil
	}
	return nil, false
}

func withinArity(p models.Params, n int) models.Params {
	out := make(models.Params, len(p))
	for k, v := range p {
		if idx, ok := models.ArgIndex(k); ok && idx < n {
			out[k] = v
		}
	}
	return out
}

// NextParams decides whether a completed job continues its chain and with
// which params.
type NextParams func(result models.JobSucceeded) (models.Params, bool)

// ReturnedParams continues a chain while the job returns params.
func ReturnedParams(result models.JobSucceeded) (models.Params, bool) {
	return ParamsOf(result.Value)
}

// Handler adapts Replay into a runner callback for cfg. Failures, including
// panics, are logged and never reach the polling loop. Failed job results
// are ignored.
func (r *Replayer) Handler(cfg jobconfig.JobConfiguration, next NextParams) runner.OnJob {
	if next == nil {
		next = ReturnedParams
	}
	return func(ctx context.Context, result models.JobResult) {
		done, ok := result.(models.JobSucceeded)
		if !ok {
			return
		}
		l := r.logger.With("task_id", done.Task.ID, "queue", cfg.Queue)
		defer func() {
			if p := recover(); p != nil {
				l.Error("replay panicked", "panic", p)
			}
		}()

		params, ok := next(done)
		if !ok {
			return
		}
		if _, err := r.Replay(ctx, done.Task, cfg, params, nil, ""); err != nil {
			l.Error("replay failed", "error", err, "kind", models.KindOf(err))
		}
	}
}

// ErrNotReplayable is returned by Validate for tasks that cannot be replayed.
var ErrNotReplayable = errors.New("task cannot be replayed")

// Validate reports whether task carries enough to be resolved again.
func Validate(task models.Task) error {
	if task.SourceType == models.SourceScript && (task.SourceSnapshot == nil || *task.SourceSnapshot == "") {
		return fmt.Errorf("%w: script task %s has no source snapshot", ErrNotReplayable, task.ID)
	}
	if task.FunctionName == "" {
		return fmt.Errorf("%w: task %s names no function", ErrNotReplayable, task.ID)
	}
	return nil
}
