// Package dispatcher enqueues tasks through the driver a caller names.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"job-replay-service/internal/job-manager/drivers"
	"job-replay-service/internal/models"
	"job-replay-service/internal/platform/logger"
)

// Dispatcher writes tasks into backing stores. It never waits for execution.
type Dispatcher struct {
	drivers *drivers.Registry
	logger  *slog.Logger
}

func New(registry *drivers.Registry, l *slog.Logger) *Dispatcher {
	return &Dispatcher{
		drivers: registry,
		logger:  logger.OrDiscard(l).With("component", "dispatcher"),
	}
}

// Dispatch enqueues task on queue through driverName and returns the
// driver's delivery identifier. Every failure is a dispatch error; an unknown
// driver name wraps models.ErrUnknownDriver.
func (d *Dispatcher) Dispatch(ctx context.Context, task models.Task, queue, driverName string) (string, error) {
	drv, err := d.drivers.Get(driverName)
	if err != nil {
		return "", models.DispatchError("dispatch", err)
	}
	if queue == "" {
		return "", models.DispatchError("dispatch", fmt.Errorf("task %s: empty queue name", task.ID))
	}
	if err := task.Validate(); err != nil {
		return "", models.DispatchError("dispatch", err)
	}

	id, err := drv.Push(ctx, queue, task)
	if err != nil {
		d.logger.Error("dispatch failed",
			"task_id", task.ID,
			"queue", queue,
			"driver", driverName,
			"error", err)
		return "", models.DispatchError("push to "+driverName, err)
	}
	d.logger.Info("task dispatched",
		"task_id", task.ID,
		"function", task.FunctionName,
		"queue", queue,
		"driver", driverName,
		"delivery_id", id)
	return id, nil
}
