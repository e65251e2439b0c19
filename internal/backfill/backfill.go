// Package backfill closes out the post-trigger price checkpoints of
// recorded extreme events once their due time has passed.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-extremes/internal/fetcher"
	"market-extremes/internal/storage"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Recorder observes checkpoint outcomes. Metrics implement it.
type Recorder interface {
	CheckpointFilled(cp string)
	PriceFetchFailed(source string)
}

// Backfiller fills checkpoint prices from a PriceSource.
type Backfiller struct {
	store    storage.EventStore
	prices   fetcher.PriceSource
	clock    Clock
	recorder Recorder
	logger   zerolog.Logger
}

// Options configure a Backfiller.
type Options struct {
	Clock    Clock
	Recorder Recorder
}

// New constructs a Backfiller.
func New(store storage.EventStore, prices fetcher.PriceSource, opts Options, logger zerolog.Logger) *Backfiller {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	return &Backfiller{
		store:    store,
		prices:   prices,
		clock:    opts.Clock,
		recorder: opts.Recorder,
		logger:   logger.With().Str("component", "backfill").Logger(),
	}
}

// PendingCheckpoints lists checkpoints that are unset and already due at nowMs.
// A checkpoint whose instant is still in the future is never included.
func PendingCheckpoints(ev storage.ExtremeEvent, nowMs int64) []storage.Checkpoint {
	var out []storage.Checkpoint
	for _, cp := range storage.Checkpoints() {
		if ev.PriceAt(cp) == nil && ev.DueAt(cp) <= nowMs {
			out = append(out, cp)
		}
	}
	return out
}

// BackfillOne fetches and stores every pending checkpoint of ev. An
// unavailable price leaves the field unset for a later pass. Only rows the
// store actually changed are counted, so a re-run after completion returns 0.
// A storage error aborts the event.
func (b *Backfiller) BackfillOne(ctx context.Context, ev storage.ExtremeEvent, nowMs int64) (int, error) {
	filled := 0
	for _, cp := range PendingCheckpoints(ev, nowMs) {
		if err := ctx.Err(); err != nil {
			return filled, err
		}

		target := ev.DueAt(cp)
		price, err := b.prices.PriceAt(ctx, ev.Symbol, target)
		if err != nil {
			if b.recorder != nil {
				b.recorder.PriceFetchFailed("backfill")
			}
			event := b.logger.Warn()
			if errors.Is(err, fetcher.ErrPriceUnavailable) {
				event = b.logger.Debug()
			}
			event.Err(err).
				Int64("event_id", ev.ID).
				Str("symbol", ev.Symbol).
				Str("checkpoint", string(cp)).
				Int64("target_ms", target).
				Msg("price not available, will retry next pass")
			continue
		}

		updated, err := b.store.UpdateEventField(ctx, ev.ID, cp, price)
		if err != nil {
			return filled, fmt.Errorf("update event %d %s: %w", ev.ID, cp, err)
		}
		if !updated {
			continue
		}
		filled++
		if b.recorder != nil {
			b.recorder.CheckpointFilled(string(cp))
		}
		b.logger.Info().
			Int64("event_id", ev.ID).
			Str("symbol", ev.Symbol).
			Str("checkpoint", string(cp)).
			Float64("price", price).
			Msg("checkpoint backfilled")
	}
	return filled, nil
}

// Run backfills every event with a due checkpoint. It stops between events
// when ctx is cancelled; every write already made is committed, so a later
// run resumes with the remaining gaps.
func (b *Backfiller) Run(ctx context.Context) (int, error) {
	now := b.clock.Now().UnixMilli()
	events, err := b.store.QueryPendingBackfill(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("query pending backfill: %w", err)
	}

	total := 0
	var errs []error
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := b.BackfillOne(ctx, ev, now)
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			errs = append(errs, err)
		}
	}

	b.logger.Info().Int("events", len(events)).Int("filled", total).Msg("backfill pass finished")
	return total, errors.Join(errs...)
}
