// Command job-dispatch enqueues a task document on the queue of the
// configuration selected for the listener context.
//
//	job-dispatch task.json
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"job-replay-service/internal/config"
	"job-replay-service/internal/job-manager/dispatcher"
	"job-replay-service/internal/job-manager/drivers"
	"job-replay-service/internal/jobconfig"
	"job-replay-service/internal/models"
	"job-replay-service/internal/platform/logger"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: job-dispatch <task.json>")
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log, err := logger.Setup(cfg.Server)
	if err != nil {
		slog.Error("failed to set up logger", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id, err := dispatchFile(ctx, cfg, os.Args[1], log)
	if err != nil {
		log.Error("dispatch failed", "error", err, "kind", models.KindOf(err))
		os.Exit(1)
	}
	fmt.Println(id)
}

func dispatchFile(ctx context.Context, cfg *config.Config, path string, log *slog.Logger) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", models.DispatchError("read task document", err)
	}
	task, err := models.DecodeTask(data)
	if err != nil {
		return "", models.DispatchError("decode task document", err)
	}
	if task.ID == "" {
		task.ID = models.NewTaskID()
	}
	if task.Context == "" {
		task.Context = cfg.Listener.Context
	}

	loader := jobconfig.NewLoader(cfg.Contexts.Root, cfg.Contexts.Global, log)
	configs, err := loader.LoadOrFail(cfg.Listener.Context, cfg.Listener.ConfigID)
	if err != nil {
		return "", err
	}
	jc := configs[0]

	drv, err := drivers.Open(ctx, jc, drivers.Options{StoreRoot: cfg.Store.Root, Logger: log})
	if err != nil {
		return "", models.ConfigurationError("open driver", err)
	}
	reg := drivers.NewRegistry(drv)
	defer func() {
		if err := reg.Close(); err != nil {
			log.Error("error closing driver", "error", err)
		}
	}()

	return dispatcher.New(reg, log).Dispatch(ctx, task, jc.Queue, drv.Name())
}
