// Package scheduler runs recurring background jobs on gocron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// Scheduler owns a gocron scheduler and the context handed to its tasks.
// Shutdown cancels that context before waiting for running jobs.
type Scheduler struct {
	inner  gocron.Scheduler
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	inner, err := gocron.NewScheduler(gocron.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{inner: inner, logger: logger, ctx: ctx, cancel: cancel}, nil
}

// Every registers task to run every interval, starting immediately once the
// scheduler is started. In singleton mode a run that is due while the previous
// one is still going is skipped rather than queued.
func (s *Scheduler) Every(name string, interval time.Duration, singleton bool, task func(ctx context.Context)) (uuid.UUID, error) {
	if interval <= 0 {
		return uuid.Nil, fmt.Errorf("job %s: interval must be positive", name)
	}
	opts := []gocron.JobOption{
		gocron.WithName(name),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	}
	if singleton {
		opts = append(opts, gocron.WithSingletonMode(gocron.LimitModeReschedule))
	}

	j, err := s.inner.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if s.ctx.Err() != nil {
				return
			}
			task(s.ctx)
		}),
		opts...,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("register job %s: %w", name, err)
	}
	s.logger.Info("job registered", "job", name, "job_id", j.ID().String(), "interval", interval, "singleton", singleton)
	return j.ID(), nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.inner.Jobs())
}

func (s *Scheduler) Start() {
	s.inner.Start()
	s.logger.Info("scheduler started", "jobs", s.Jobs())
}

// Shutdown stops scheduling, cancels running tasks and waits for them to return.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	if err := s.inner.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	return nil
}
