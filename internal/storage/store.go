// Package storage defines the persistence contract for extreme events.
// Engines live in the postgres, sqlite and memory subpackages.
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured indicates the backing engine was not initialised.
	ErrNotConfigured = errors.New("storage: not configured")
	// ErrNotFound is returned when a requested event does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidInput is returned when an event fails validation.
	ErrInvalidInput = errors.New("storage: invalid input")
	// ErrUnknownCheckpoint is returned for a checkpoint name outside the fixed set.
	ErrUnknownCheckpoint = errors.New("storage: unknown checkpoint")
)

// EventStore is the durable table of extreme events.
type EventStore interface {
	// InsertEvent stores ev unconditionally and returns its id.
	InsertEvent(ctx context.Context, ev ExtremeEvent) (int64, error)

	// InsertEventIfQuiet stores ev only when no event with the same key was
	// triggered at or after sinceMs. The check and the insert are atomic.
	InsertEventIfQuiet(ctx context.Context, ev ExtremeEvent, sinceMs int64) (id int64, inserted bool, err error)

	// InsertEventIfAbsent stores ev only when no event with the same key was
	// triggered at exactly ev.TriggeredAt. Re-running a replay is a no-op.
	InsertEventIfAbsent(ctx context.Context, ev ExtremeEvent) (id int64, inserted bool, err error)

	// QueryEvents lists events for one key ordered by triggered_at descending.
	QueryEvents(ctx context.Context, q EventQuery) ([]ExtremeEvent, error)

	// UpdateEventField sets one checkpoint price if it is still NULL.
	// It reports whether a row changed. Unknown checkpoints return ErrUnknownCheckpoint.
	UpdateEventField(ctx context.Context, id int64, cp Checkpoint, price float64) (bool, error)

	// QueryPendingBackfill lists events with at least one NULL checkpoint already due at nowMs.
	QueryPendingBackfill(ctx context.Context, nowMs int64) ([]ExtremeEvent, error)

	// HasRecentTrigger reports whether the key triggered at or after sinceMs.
	HasRecentTrigger(ctx context.Context, key EventKey, sinceMs int64) (bool, error)

	// DeleteEventsBefore removes events triggered before cutoffMs.
	DeleteEventsBefore(ctx context.Context, cutoffMs int64) (int64, error)

	Close() error
}

// AdvisoryLocker exposes cross-process mutual exclusion for evaluation cycles.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Validate checks the fields every engine requires.
func Validate(ev ExtremeEvent) error {
	switch {
	case ev.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidInput)
	case ev.Dimension == "":
		return fmt.Errorf("%w: dimension is required", ErrInvalidInput)
	case ev.WindowDays <= 0:
		return fmt.Errorf("%w: window_days must be positive", ErrInvalidInput)
	case ev.TriggeredAt <= 0:
		return fmt.Errorf("%w: triggered_at must be positive", ErrInvalidInput)
	case ev.Percentile < 0 || ev.Percentile > 100:
		return fmt.Errorf("%w: percentile %v out of range", ErrInvalidInput, ev.Percentile)
	}
	return nil
}

// CheckCheckpoint returns ErrUnknownCheckpoint for anything outside the fixed set.
func CheckCheckpoint(cp Checkpoint) error {
	if !cp.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCheckpoint, cp)
	}
	return nil
}
