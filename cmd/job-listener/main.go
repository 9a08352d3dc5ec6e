package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"job-replay-service/internal/config"
	"job-replay-service/internal/job-manager/dispatcher"
	"job-replay-service/internal/job-manager/drivers"
	"job-replay-service/internal/job-manager/services"
	"job-replay-service/internal/job-worker/coercion"
	"job-replay-service/internal/job-worker/executors"
	"job-replay-service/internal/job-worker/listener"
	"job-replay-service/internal/job-worker/replay"
	"job-replay-service/internal/job-worker/runner"
	"job-replay-service/internal/jobconfig"
	"job-replay-service/internal/models"
	"job-replay-service/internal/platform/logger"
)

func main() {
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

	if err := run(ctx, cfg, log); err != nil {
		log.Error("job listener exited", "error", err, "kind", models.KindOf(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("starting job listener", "context", cfg.Listener.Context, "config_id", cfg.Listener.ConfigID)

	loader := jobconfig.NewLoader(cfg.Contexts.Root, cfg.Contexts.Global, log)
	var (
		configs []jobconfig.JobConfiguration
		err     error
	)
	if cfg.Listener.ConfigID != "" {
		configs, err = loader.LoadOrFail(cfg.Listener.Context, cfg.Listener.ConfigID)
	} else {
		configs, err = loader.LoadAll(cfg.Listener.Context)
	}
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return models.ConfigurationError("load configurations", models.ErrNoConfiguration)
	}

	types := coercion.NewRegistry()
	functions := executors.NewFunctionRegistry(log)
	executors.RegisterBuiltins(functions)
	resolver := executors.Resolvers{
		Compiled: executors.NewCompiledResolver(functions, log),
		Script: &executors.ScriptResolver{
			NewHost: executors.NewCommandHostFactory(cfg.Script.Interpreter, cfg.Script.Timeout(), log),
		},
	}
	invoker := executors.NewInvoker(types)
	framework := executors.Inject("Logger", log)

	reaper, err := services.NewReaperService(cfg.Reaper, log)
	if err != nil {
		return err
	}
	listeners := listener.NewRegistry(log)
	var open []*drivers.Registry
	defer func() {
		listeners.StopAll()
		reaper.Stop()
		for _, reg := range open {
			if err := reg.Close(); err != nil {
				log.Error("error closing drivers", "error", err)
			}
		}
		log.Info("job listener stopped")
	}()

	opts := drivers.Options{StoreRoot: cfg.Store.Root, Logger: log}
	for _, jc := range configs {
		drv, err := drivers.Open(ctx, jc, opts)
		if err != nil {
			return models.ConfigurationError("open driver for "+jc.ListenerKey(), err)
		}
		reg := drivers.NewRegistry(drv)
		open = append(open, reg)
		reaper.Watch(drv, jc.Queue)

		r := runner.New(runner.Config{
			Drivers:        reg,
			Resolver:       resolver,
			Invoker:        invoker,
			Injector:       framework,
			ReportFailures: true,
			Logger:         log,
		})
		onJob := logResult(log, jc)
		if cfg.Listener.ReplayOnComplete {
			replayer := replay.New(resolver, invoker, dispatcher.New(reg, log), framework, log)
			onJob = chain(onJob, replayer.Handler(jc, nil))
		}

		queue, driverName := jc.Queue, drv.Name()
		runOnce := func(ctx context.Context, onJob runner.OnJob) error {
			return r.RunPendingJobs(ctx, queue, driverName, onJob)
		}
		listeners.Start(jc.ListenerKey(), cfg.Listener.SleepInterval(), runOnce, onJob)
	}

	if err := reaper.Start(ctx); err != nil {
		return err
	}
	log.Info("job listener running", "listeners", listeners.Keys())

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

func logResult(log *slog.Logger, jc jobconfig.JobConfiguration) runner.OnJob {
	l := log.With("listener", jc.ListenerKey())
	return func(_ context.Context, result models.JobResult) {
		switch r := result.(type) {
		case models.JobSucceeded:
			l.Info("job completed", "task_id", r.Task.ID, "function", r.Task.FunctionName)
		case models.JobFailed:
			l.Warn("job failed", "task_id", r.Task.ID, "function", r.Task.FunctionName, "error", r.Err)
		}
	}
}

func chain(callbacks ...runner.OnJob) runner.OnJob {
	return func(ctx context.Context, result models.JobResult) {
		for _, cb := range callbacks {
			cb(ctx, result)
		}
	}
}
