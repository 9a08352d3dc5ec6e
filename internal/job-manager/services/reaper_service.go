package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"job-replay-service/internal/config"
	"job-replay-service/internal/job-manager/drivers"
	"job-replay-service/internal/platform/logger"
)

const reaperTag = "reclaim_stale_claims"

type reclaimTarget struct {
	driver    string
	queue     string
	reclaimer drivers.Reclaimer
}

// ReaperService periodically returns claims that outlived their runner to
// the pending state.
type ReaperService struct {
	Scheduler  gocron.Scheduler
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	targets []reclaimTarget
}

func NewReaperService(cfg config.ReaperConfig, l *slog.Logger) (*ReaperService, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &ReaperService{
		Scheduler:  s,
		interval:   cfg.Interval(),
		staleAfter: cfg.StaleAfter(),
		logger:     logger.OrDiscard(l).With("component", "reaper"),
	}, nil
}

// Watch adds queue on drv to the sweep. Drivers whose claims expire on their
// own (sqs, kafka) are not Reclaimers and are skipped; Watch reports whether
// the queue was added.
func (s *ReaperService) Watch(drv drivers.Driver, queue string) bool {
	r, ok := drv.(drivers.Reclaimer)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if t.driver == drv.Name() && t.queue == queue && t.reclaimer == r {
			return true
		}
	}
	s.targets = append(s.targets, reclaimTarget{driver: drv.Name(), queue: queue, reclaimer: r})
	return true
}

// Start schedules the sweep every configured interval. A zero interval
// leaves the reaper disabled.
func (s *ReaperService) Start(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("reaper disabled")
		return nil
	}
	job, err := s.Scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.Sweep(ctx) }),
		gocron.WithName("reaper"),
		gocron.WithTags(reaperTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	s.Scheduler.Start()

	attrs := []any{"job_id", job.ID().String(), "interval", s.interval, "stale_after", s.staleAfter}
	if next, err := job.NextRun(); err == nil {
		attrs = append(attrs, "next_run", next.Format(time.RFC3339))
	}
	s.logger.Info("reaper started", attrs...)
	return nil
}

func (s *ReaperService) Stop() {
	if err := s.Scheduler.Shutdown(); err != nil {
		s.logger.Error("error shutting down gocron scheduler", "error", err)
		return
	}
	s.logger.Info("reaper stopped")
}

// Sweep reclaims stale claims on every watched queue and returns how many
// tasks went back to pending.
func (s *ReaperService) Sweep(ctx context.Context) int {
	s.mu.Lock()
	targets := append([]reclaimTarget(nil), s.targets...)
	s.mu.Unlock()

	total := 0
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		n, err := t.reclaimer.Reclaim(ctx, t.queue, s.staleAfter)
		if err != nil {
			s.logger.Error("reclaim failed", "driver", t.driver, "queue", t.queue, "error", err)
			continue
		}
		if n > 0 {
			s.logger.Warn("stale claims returned to queue", "driver", t.driver, "queue", t.queue, "count", n)
		}
		total += n
	}
	return total
}
