// Package scheduler re-tests a fixed domain watchlist on an interval and
// raises a notification when the best address changes between passes.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dnspick/internal/domain"
	"dnspick/internal/notify"
	"dnspick/internal/repo"
)

// Runner triggers one pipeline pass.
type Runner interface {
	Run(ctx context.Context, domains []string) (*domain.Run, error)
}

type Scheduler struct {
	Logger   *zap.Logger
	Runner   Runner
	Runs     repo.RunStore
	Notifier notify.Notifier
	Domains  []string
	Interval time.Duration

	lastBest string
}

func New(
	logger *zap.Logger,
	runner Runner,
	runs repo.RunStore,
	notifier notify.Notifier,
	domains []string,
	interval time.Duration,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval < 0 {
		interval = 0
	}
	return &Scheduler{
		Logger:   logger,
		Runner:   runner,
		Runs:     runs,
		Notifier: notifier,
		Domains:  domains,
		Interval: interval,
	}
}

// Run starts the loop. It does an immediate pass, then runs each tick.
// Stops when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s.Interval == 0 || len(s.Domains) == 0 {
		s.Logger.Info("scheduler_disabled")
		return
	}
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("scheduler_stopped")
			return
		case <-t.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	run, err := s.Runner.Run(ctx, s.Domains)
	if err != nil {
		s.Logger.Warn("scheduler_run_error", zap.Error(err))
		if run == nil || len(run.Results) == 0 {
			return
		}
	}

	if err := s.Runs.Save(ctx, run); err != nil {
		s.Logger.Warn("scheduler_save_error", zap.Error(err))
	}

	best := ""
	if len(run.Results) > 0 {
		best = run.Results[0].Candidate.Address
	}
	changed := s.lastBest != "" && best != "" && best != s.lastBest
	if best != "" {
		s.lastBest = best
	}

	s.Logger.Debug("scheduler_pass_done",
		zap.String("run_id", string(run.ID)),
		zap.String("best", best),
		zap.Bool("changed", changed),
	)

	if changed && s.Notifier != nil {
		if err := s.Notifier.RunCompleted(ctx, run); err != nil {
			s.Logger.Warn("scheduler_notify_error", zap.Error(err))
		}
	}
}
