package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-extremes/internal/backfill"
	"market-extremes/internal/scheduler"
	"market-extremes/internal/storage"
	"market-extremes/internal/tracker"
)

// Job names as they appear in logs and metrics.
const (
	JobBackfill  = "backfill"
	JobRetention = "retention"
)

// Maintenance holds the periodic jobs that run beside the evaluation loop.
type Maintenance struct {
	backfiller *backfill.Backfiller
	store      storage.EventStore
	retention  time.Duration
	clock      tracker.Clock
	logger     zerolog.Logger
}

// NewMaintenance builds the job set. A zero retention disables the sweep.
func NewMaintenance(store storage.EventStore, backfiller *backfill.Backfiller, retention time.Duration, clock tracker.Clock, logger zerolog.Logger) *Maintenance {
	if clock == nil {
		clock = tracker.SystemClock{}
	}
	return &Maintenance{
		backfiller: backfiller,
		store:      store,
		retention:  retention,
		clock:      clock,
		logger:     logger.With().Str("component", "maintenance").Logger(),
	}
}

// Backfill runs one backfill pass.
func (m *Maintenance) Backfill(ctx context.Context) error {
	if m.backfiller == nil {
		return nil
	}
	if _, err := m.backfiller.Run(ctx); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	return nil
}

// Sweep deletes events older than the retention window.
func (m *Maintenance) Sweep(ctx context.Context) error {
	if m.retention <= 0 {
		return nil
	}
	cutoff := m.clock.Now().Add(-m.retention).UnixMilli()
	deleted, err := m.store.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention sweep: %w", err)
	}
	m.logger.Info().Int64("deleted", deleted).Time("cutoff", time.UnixMilli(cutoff).UTC()).Msg("retention sweep finished")
	return nil
}

// Register adds the jobs to c. An empty spec leaves that job out.
func (m *Maintenance) Register(c *scheduler.Cron, backfillSpec, retentionSpec string) error {
	if backfillSpec != "" && m.backfiller != nil {
		if err := c.Add(JobBackfill, backfillSpec, m.Backfill); err != nil {
			return err
		}
	}
	if retentionSpec != "" && m.retention > 0 {
		if err := c.Add(JobRetention, retentionSpec, m.Sweep); err != nil {
			return err
		}
	}
	return nil
}
