// Package stats summarises what prices did after past extreme events.
package stats

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"market-extremes/internal/storage"
)

// DefaultLimit is the number of recent events summarised when none is given.
const DefaultLimit = 20

// CheckpointStats describes the moves observed at one checkpoint.
type CheckpointStats struct {
	Samples   int     `json:"samples"`
	UpPct     float64 `json:"up_pct"`
	DownPct   float64 `json:"down_pct"`
	AvgChange float64 `json:"avg_change"`
}

// Summary aggregates recent events of one key. A checkpoint without any
// populated sample is absent from Stats.
type Summary struct {
	Count int                                    `json:"count"`
	Stats map[storage.Checkpoint]CheckpointStats `json:"stats"`
}

// Has reports whether cp has at least one sample.
func (s Summary) Has(cp storage.Checkpoint) bool {
	_, ok := s.Stats[cp]
	return ok
}

// EventSummary is the most recent precedent for display.
type EventSummary struct {
	EventID        int64    `json:"event_id"`
	TriggeredAt    int64    `json:"triggered_at"`
	Value          float64  `json:"value"`
	Percentile     float64  `json:"percentile"`
	PriceAtTrigger float64  `json:"price_at_trigger"`
	Price24h       *float64 `json:"price_24h"`
	Change24h      *float64 `json:"change_24h"`
}

// Reader is the read side of storage.EventStore that stats needs.
type Reader interface {
	QueryEvents(ctx context.Context, q storage.EventQuery) ([]storage.ExtremeEvent, error)
}

// Stats serves outcome summaries.
type Stats struct {
	store Reader
}

// New constructs a Stats reader.
func New(store Reader) *Stats {
	return &Stats{store: store}
}

// PercentChange returns (later-trigger)/trigger*100. It is undefined for a
// non-positive trigger price.
func PercentChange(trigger, later float64) (float64, bool) {
	if trigger <= 0 {
		return 0, false
	}
	return (later - trigger) / trigger * 100, true
}

// Summarize loads up to limit recent events carrying an outcome and computes
// up/down ratios and the mean move per checkpoint.
func (s *Stats) Summarize(ctx context.Context, symbol, dimension string, windowDays, limit int) (Summary, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	events, err := s.store.QueryEvents(ctx, storage.EventQuery{
		Symbol:      symbol,
		Dimension:   dimension,
		WindowDays:  windowDays,
		Limit:       limit,
		OutcomeOnly: true,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("summarize %s/%s/%dd: %w", symbol, dimension, windowDays, err)
	}
	return Aggregate(events), nil
}

// Aggregate computes a Summary over events already loaded.
func Aggregate(events []storage.ExtremeEvent) Summary {
	out := Summary{Count: len(events), Stats: make(map[storage.Checkpoint]CheckpointStats)}
	for _, cp := range storage.Checkpoints() {
		var changes []float64
		for i := range events {
			ev := &events[i]
			later := ev.PriceAt(cp)
			if later == nil || ev.PriceAtTrigger == nil {
				continue
			}
			if change, ok := PercentChange(*ev.PriceAtTrigger, *later); ok {
				changes = append(changes, change)
			}
		}
		if len(changes) == 0 {
			continue
		}

		up, down := 0, 0
		sum := decimal.Zero
		for _, c := range changes {
			switch {
			case c > 0:
				up++
			case c < 0:
				down++
			}
			sum = sum.Add(decimal.NewFromFloat(c))
		}
		total := decimal.NewFromInt(int64(len(changes)))
		hundred := decimal.NewFromInt(100)
		out.Stats[cp] = CheckpointStats{
			Samples:   len(changes),
			UpPct:     decimal.NewFromInt(int64(up)).Mul(hundred).Div(total).Round(1).InexactFloat64(),
			DownPct:   decimal.NewFromInt(int64(down)).Mul(hundred).Div(total).Round(1).InexactFloat64(),
			AvgChange: sum.Div(total).Round(2).InexactFloat64(),
		}
	}
	return out
}

// Latest returns the most recent event carrying an outcome, or nil.
func (s *Stats) Latest(ctx context.Context, symbol, dimension string, windowDays int) (*EventSummary, error) {
	events, err := s.store.QueryEvents(ctx, storage.EventQuery{
		Symbol:      symbol,
		Dimension:   dimension,
		WindowDays:  windowDays,
		Limit:       1,
		OutcomeOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("latest %s/%s/%dd: %w", symbol, dimension, windowDays, err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	ev := events[0]
	summary := &EventSummary{
		EventID:        ev.ID,
		TriggeredAt:    ev.TriggeredAt,
		Value:          ev.Value,
		Percentile:     ev.Percentile,
		PriceAtTrigger: *ev.PriceAtTrigger,
		Price24h:       ev.Price24h,
	}
	if ev.Price24h != nil {
		if change, ok := PercentChange(*ev.PriceAtTrigger, *ev.Price24h); ok {
			rounded := decimal.NewFromFloat(change).Round(2).InexactFloat64()
			summary.Change24h = &rounded
		}
	}
	return summary, nil
}
