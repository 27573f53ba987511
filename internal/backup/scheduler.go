package backup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chadmayfield/weatherlogd/internal/retry"
	"github.com/chadmayfield/weatherlogd/internal/schedule"
)

// maxTick bounds each sleep so cancellation is noticed within a minute.
const maxTick = time.Minute

// Creator takes one backup.
type Creator interface {
	Create(ctx context.Context) (CreateResult, error)
}

// Checkpointer flushes write-ahead log pages into the main database file.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// Scheduler takes a backup once a day.
type Scheduler struct {
	creator      Creator
	daily        schedule.Daily
	checkpointer Checkpointer
	policy       retry.Policy
	logger       *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewScheduler returns a scheduler that calls c.Create at daily in local
// time. cp may be nil.
func NewScheduler(c Creator, daily schedule.Daily, cp Checkpointer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		creator:      c,
		daily:        daily,
		checkpointer: cp,
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Minute,
			MaxDelay:    10 * time.Minute,
			Exponential: true,
			Retryable:   func(err error) bool { return errors.Is(err, ErrTransport) },
		},
		logger: logger,
		now:    time.Now,
		after:  time.After,
	}
}

// Run blocks until ctx is cancelled. Failed backups are logged and the
// next day's run goes ahead as usual.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("backup scheduler started", "schedule", s.daily.String())

	for {
		next := s.daily.Next(s.now())
		s.logger.Info("next backup scheduled", "at", next, "in", next.Sub(s.now()).Round(time.Second))

		if !s.sleepUntil(ctx, next) {
			s.logger.Info("backup scheduler stopped")
			return nil
		}
		s.runOnce(ctx)
	}
}

func (s *Scheduler) sleepUntil(ctx context.Context, t time.Time) bool {
	for {
		remaining := t.Sub(s.now())
		if remaining <= 0 {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.after(min(remaining, maxTick)):
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	s.logger.Info("executing scheduled backup")

	if s.checkpointer != nil {
		if err := s.checkpointer.Checkpoint(ctx); err != nil {
			s.logger.Warn("checkpoint before backup failed", "error", err)
		}
	}

	var res CreateResult
	err := s.policy.Do(ctx, s.logger, "backup", func(ctx context.Context) error {
		var err error
		res, err = s.creator.Create(ctx)
		return err
	})
	if err != nil {
		s.logger.Error("scheduled backup failed", "error", err)
		return
	}
	s.logger.Info("scheduled backup completed", "key", res.Key, "deleted", res.Cleanup.Deleted)
}
