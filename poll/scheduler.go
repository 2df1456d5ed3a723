package poll

import (
	"context"
	"log/slog"
	"time"
)

// Runner runs a single poll cycle.
type Runner interface {
	ProcessOnce(ctx context.Context) (CycleReport, error)
}

// Scheduler runs poll cycles back to back with a pause between them.
// Iterations never overlap; the pause starts when the previous cycle ends.
type Scheduler struct {
	runner   Runner
	logger   *slog.Logger
	interval time.Duration
}

// NewScheduler creates a scheduler that waits interval between cycles.
func NewScheduler(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		logger:   logger,
		interval: interval,
	}
}

// Run loops until ctx is cancelled. Cycle errors and panics are logged and
// never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Poll loop starting", "interval", s.interval.String())

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("Poll loop stopping", "reason", err)
			return err
		}

		s.iterate(ctx)

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Poll loop stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in poll loop", "panic", r)
		}
	}()

	if _, err := s.runner.ProcessOnce(ctx); err != nil {
		s.logger.Error("Poll iteration failed", "error", err)
	}
}
