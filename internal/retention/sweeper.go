// Package retention periodically removes old ended sessions.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const stopTimeout = 10 * time.Second

// Deleter removes ended sessions older than a cutoff.
type Deleter interface {
	DeleteEndedBefore(ctx context.Context, t time.Time) (int64, error)
}

// Sweeper runs Deleter on a cron schedule.
type Sweeper struct {
	repo   Deleter
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger

	cron *cron.Cron
	ctx  context.Context
}

// NewSweeper validates schedule and returns a stopped sweeper. Schedules
// use the standard five-field syntax or descriptors such as "@every 1h".
func NewSweeper(repo Deleter, schedule string, maxAge time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if maxAge <= 0 {
		return nil, errors.New("retention max age must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		repo:   repo,
		maxAge: maxAge,
		now:    time.Now,
		logger: logger.With("component", "retention"),
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		ctx: context.Background(),
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running sweeps until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("retention sweeper started", "max_age", s.maxAge.String())
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(stopTimeout):
		s.logger.Warn("retention sweeper stop timed out")
	}
}

// Sweep deletes sessions that ended more than maxAge ago.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.maxAge)
	deleted, err := s.repo.DeleteEndedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete sessions ended before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return deleted, nil
}

func (s *Sweeper) run() {
	deleted, err := s.Sweep(s.ctx)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("retention sweep removed sessions", "count", deleted)
	}
}
