package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"market-extremes/internal/market"
	"market-extremes/internal/storage"
)

// Inserter is the write side of storage.EventStore a replay needs. Events
// already stored for the same key and trigger time are skipped, so an
// interrupted or repeated replay converges to the same rows.
type Inserter interface {
	InsertEventIfAbsent(ctx context.Context, ev storage.ExtremeEvent) (int64, bool, error)
}

// Job is one archived series to replay.
type Job struct {
	Symbol    string
	Dimension market.Dimension
	Series    []market.Point
	// Klines is optional; without it events keep null prices for the live
	// backfiller to close.
	Klines Klines
}

// Report summarises a replay run.
type Report struct {
	RunID        string
	Detected     int
	Inserted     int
	Duplicates   int
	MissingPrice int
	DryRun       bool
}

// ReplayOptions configure a Replayer.
type ReplayOptions struct {
	Detector    Detector
	WindowHours []int
	DryRun      bool
	// PreviewLimit caps how many events a dry run logs.
	PreviewLimit int
}

// Replayer runs detection over archived series and persists the result.
type Replayer struct {
	store  Inserter
	opts   ReplayOptions
	logger zerolog.Logger
}

// NewReplayer constructs a Replayer. store may be nil for dry runs.
func NewReplayer(store Inserter, opts ReplayOptions, logger zerolog.Logger) *Replayer {
	if opts.Detector.Threshold <= 0 {
		opts.Detector = NewDetector()
	}
	if len(opts.WindowHours) == 0 {
		opts.WindowHours = DefaultWindowHours
	}
	if opts.PreviewLimit <= 0 {
		opts.PreviewLimit = 5
	}
	return &Replayer{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "replay").Logger(),
	}
}

// Detect runs every job and returns the detected events with prices attached.
func (r *Replayer) Detect(jobs []Job) ([]storage.ExtremeEvent, int) {
	var (
		all     []storage.ExtremeEvent
		missing int
	)
	for _, job := range jobs {
		if len(job.Series) == 0 {
			r.logger.Warn().Str("symbol", job.Symbol).Str("dimension", string(job.Dimension)).Msg("no data")
			continue
		}
		series := sortedCopy(job.Series)
		events := r.opts.Detector.DetectAllWindows(series, job.Symbol, job.Dimension, r.opts.WindowHours)
		if job.Klines != nil {
			missing += AttachPrices(events, job.Klines)
		} else {
			missing += len(events)
		}
		r.logger.Info().
			Str("symbol", job.Symbol).
			Str("dimension", string(job.Dimension)).
			Int("points", len(series)).
			Int("events", len(events)).
			Msg("series replayed")
		all = append(all, events...)
	}
	return all, missing
}

// Run detects and then inserts events one committed write at a time. On
// cancellation the events written so far stay written.
func (r *Replayer) Run(ctx context.Context, jobs []Job) (Report, error) {
	report := Report{RunID: uuid.NewString(), DryRun: r.opts.DryRun}
	logger := r.logger.With().Str("run_id", report.RunID).Logger()

	events, missing := r.Detect(jobs)
	report.Detected = len(events)
	report.MissingPrice = missing
	if missing > 0 {
		logger.Warn().Int("missing", missing).Msg("events missing price_at_trigger")
	}

	if r.opts.DryRun {
		for i, ev := range events {
			if i >= r.opts.PreviewLimit {
				logger.Info().Int("more", len(events)-i).Msg("dry run preview truncated")
				break
			}
			logger.Info().
				Str("symbol", ev.Symbol).
				Str("dimension", ev.Dimension).
				Int("window_days", ev.WindowDays).
				Int64("triggered_at", ev.TriggeredAt).
				Float64("percentile", ev.Percentile).
				Msg("dry run event")
		}
		return report, nil
	}
	if r.store == nil {
		return report, errors.New("replay: no event store configured")
	}

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		_, inserted, err := r.store.InsertEventIfAbsent(ctx, ev)
		if err != nil {
			return report, fmt.Errorf("insert replayed event: %w", err)
		}
		if inserted {
			report.Inserted++
		} else {
			report.Duplicates++
		}
	}
	logger.Info().Int("inserted", report.Inserted).Int("duplicates", report.Duplicates).Msg("replay complete")
	return report, nil
}
