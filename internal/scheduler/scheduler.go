// Package scheduler runs a job whenever the wall clock matches a cron expression.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pauljones0/itchclaim/internal/models"
)

// DefaultInterval is how often the clock is compared against the schedule.
const DefaultInterval = 60 * time.Second

// Job is one scheduled run, typically a claim sweep.
type Job func(ctx context.Context) error

type Option func(*Scheduler)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces the wall clock and the sleep between checks. Used by tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		s.now = now
		s.sleep = sleep
	}
}

// Scheduler is single-threaded: a job runs to completion before the clock is checked
// again, and each matching minute runs the job at most once.
type Scheduler struct {
	expr     string
	schedule cron.Schedule
	job      Job
	interval time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	lastRun  time.Time
}

func New(expr string, job Job, opts ...Option) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	s := &Scheduler{
		expr:     expr,
		schedule: schedule,
		job:      job,
		interval: DefaultInterval,
		now:      time.Now,
		sleep:    sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Matches reports whether the minute containing t is an activation of the schedule.
func (s *Scheduler) Matches(t time.Time) bool {
	minute := t.Truncate(time.Minute)
	return s.schedule.Next(minute.Add(-time.Second)).Equal(minute)
}

// Run polls the clock until ctx is cancelled. Job errors are logged, except an
// authentication failure, which ends the loop since no later run can succeed.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Starting scheduler", "schedule", s.expr, "interval", s.interval)
	for {
		now := s.now()
		minute := now.Truncate(time.Minute)
		if s.Matches(now) && !minute.Equal(s.lastRun) {
			s.lastRun = minute
			slog.Info("Running scheduled job", "schedule", s.expr, "time", now)
			if err := s.job(ctx); err != nil {
				if ctx.Err() != nil {
					slog.Info("Scheduler stopped during job")
					return nil
				}
				if errors.Is(err, models.ErrAuthentication) {
					return err
				}
				slog.Error("Scheduled job failed", "error", err)
			}
		}

		if err := s.sleep(ctx, s.interval); err != nil {
			slog.Info("Scheduler stopped")
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
