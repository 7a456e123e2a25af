package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/sofvo/sofvo/internal/metrics"
	"github.com/sofvo/sofvo/internal/store"
)

const defaultRetentionCron = "0 3 * * *"

// Sweeper prunes read notifications older than the retention period on a
// cron schedule.
type Sweeper struct {
	store  store.DataStore
	cron   string
	period time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewSweeper validates the cron expression and creates a sweeper.
func NewSweeper(ds store.DataStore, cronExpr string, period time.Duration, logger zerolog.Logger) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = defaultRetentionCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	if period <= 0 {
		return nil, fmt.Errorf("retention period must be positive, got %s", period)
	}
	return &Sweeper{
		store:  ds,
		cron:   cronExpr,
		period: period,
		logger: logger,
		now:    time.Now,
	}, nil
}

// RunOnce deletes read notifications created before now minus the period.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.period)
	n, err := s.store.DeleteReadNotificationsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	metrics.NotificationsPruned.Add(float64(n))
	s.logger.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("notification retention run")
	return n, nil
}

// Run sleeps until each cron tick and prunes, until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info().Str("cron", s.cron).Dur("period", s.period).Msg("notification retention scheduled")
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now().UTC(), false)
		if err != nil {
			s.logger.Error().Err(err).Str("cron", s.cron).Msg("retention next tick failed")
			next = s.now().Add(time.Minute)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("retention run failed")
			}
		}
	}
}
