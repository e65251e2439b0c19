// Package tracker decides whether a reading is extreme and records it
// under a per-(symbol, dimension, window) cooldown.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-extremes/internal/percentile"
	"market-extremes/internal/storage"
)

// DefaultThreshold is the percentile at or above which a reading is extreme.
const DefaultThreshold = 90.0

// DefaultCooldown separates two triggers of the same key.
const DefaultCooldown = time.Hour

// DefaultWindows are the lookbacks ranked by default, in days.
var DefaultWindows = []int{7, 30, 90}

// State is the eligibility of one key.
type State string

const (
	StateEligible   State = "ELIGIBLE"
	StateCooledDown State = "COOLED_DOWN"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Recorder is notified after every write attempt. Metrics implement it.
type Recorder interface {
	EventRecorded(dimension string, windowDays int)
	EventSuppressed(dimension string, windowDays int)
}

// Options configure a Tracker.
type Options struct {
	Cooldown time.Duration
	Clock    Clock
	Recorder Recorder
}

// Tracker writes extreme events through an EventStore.
type Tracker struct {
	store    storage.EventStore
	cooldown time.Duration
	clock    Clock
	recorder Recorder
	logger   zerolog.Logger
}

// New constructs a Tracker.
func New(store storage.EventStore, opts Options, logger zerolog.Logger) *Tracker {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	return &Tracker{
		store:    store,
		cooldown: opts.Cooldown,
		clock:    opts.Clock,
		recorder: opts.Recorder,
		logger:   logger.With().Str("component", "tracker").Logger(),
	}
}

// Detect ranks value over each window of history (window counted in samples)
// and keeps only those at or above threshold. Windows with too little
// history are left out rather than reported as normal.
func Detect(value float64, history []float64, threshold float64, windows []int) map[int]float64 {
	out := make(map[int]float64)
	for w, res := range percentile.RankMultiWindow(value, history, windows) {
		if res.Sufficient && res.Percentile >= threshold {
			out[w] = res.Percentile
		}
	}
	return out
}

// DetectDays is Detect for hourly history with windows given in days.
func DetectDays(value float64, hourly []float64, threshold float64, windowDays []int) map[int]float64 {
	samples := make([]int, len(windowDays))
	for i, d := range windowDays {
		samples[i] = d * percentile.HoursPerDay
	}
	bySamples := Detect(value, hourly, threshold, samples)
	out := make(map[int]float64, len(bySamples))
	for i, d := range windowDays {
		if p, ok := bySamples[samples[i]]; ok {
			out[d] = p
		}
	}
	return out
}

// RecordInput is one candidate event.
type RecordInput struct {
	Symbol     string
	Dimension  string
	WindowDays int
	Value      float64
	Percentile float64
	Price      *float64
}

// RecordEvent inserts a pending-backfill event unless the key is cooling down.
// It returns recorded=false without writing when the key triggered within the
// cooldown. A storage error aborts the write.
func (t *Tracker) RecordEvent(ctx context.Context, in RecordInput) (int64, bool, error) {
	now := t.clock.Now()
	ev := storage.ExtremeEvent{
		Symbol:         in.Symbol,
		Dimension:      in.Dimension,
		WindowDays:     in.WindowDays,
		TriggeredAt:    now.UnixMilli(),
		Value:          in.Value,
		Percentile:     in.Percentile,
		PriceAtTrigger: in.Price,
		CreatedAt:      now.UTC(),
	}

	id, inserted, err := t.store.InsertEventIfQuiet(ctx, ev, t.since(now))
	if err != nil {
		return 0, false, fmt.Errorf("record event %s/%s/%dd: %w", in.Symbol, in.Dimension, in.WindowDays, err)
	}
	if !inserted {
		if t.recorder != nil {
			t.recorder.EventSuppressed(in.Dimension, in.WindowDays)
		}
		t.logger.Debug().
			Str("symbol", in.Symbol).
			Str("dimension", in.Dimension).
			Int("window_days", in.WindowDays).
			Msg("cooldown active, event skipped")
		return 0, false, nil
	}

	if t.recorder != nil {
		t.recorder.EventRecorded(in.Dimension, in.WindowDays)
	}
	t.logger.Info().
		Int64("event_id", id).
		Str("symbol", in.Symbol).
		Str("dimension", in.Dimension).
		Int("window_days", in.WindowDays).
		Float64("value", in.Value).
		Float64("percentile", in.Percentile).
		Msg("extreme event recorded")
	return id, true, nil
}

// Eligibility reports the cooldown state of one key.
func (t *Tracker) Eligibility(ctx context.Context, symbol, dimension string, windowDays int) (State, error) {
	key := storage.EventKey{Symbol: symbol, Dimension: dimension, WindowDays: windowDays}
	recent, err := t.store.HasRecentTrigger(ctx, key, t.since(t.clock.Now()))
	if err != nil {
		return "", fmt.Errorf("check eligibility: %w", err)
	}
	if recent {
		return StateCooledDown, nil
	}
	return StateEligible, nil
}

// since is the earliest trigger time that still blocks a new one.
// A key is eligible only once the elapsed time exceeds the cooldown.
func (t *Tracker) since(now time.Time) int64 {
	return now.Add(-t.cooldown).UnixMilli()
}
