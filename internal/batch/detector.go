// Package batch replays archived hourly series to rebuild the extreme events
// a live run would have recorded.
package batch

import (
	"sync"
	"time"

	"market-extremes/internal/market"
	"market-extremes/internal/percentile"
	"market-extremes/internal/storage"
)

// DefaultWindowHours are the 7d, 30d and 90d windows in hourly samples.
var DefaultWindowHours = []int{7 * 24, 30 * 24, 90 * 24}

// RollingPercentile ranks series[idx] against the windowHours samples
// strictly before idx. It returns false while fewer samples precede idx.
func RollingPercentile(series []market.Point, idx, windowHours int) (float64, bool) {
	if windowHours <= 0 || idx < windowHours || idx >= len(series) {
		return 0, false
	}
	history := make([]float64, windowHours)
	for i, p := range series[idx-windowHours : idx] {
		history[i] = p.Value
	}
	return percentile.Rank(series[idx].Value, history), true
}

// Detector emits extreme events from a time-ordered series.
type Detector struct {
	Threshold float64
	Cooldown  time.Duration
}

// NewDetector returns a Detector with the live defaults.
func NewDetector() Detector {
	return Detector{Threshold: 90, Cooldown: time.Hour}
}

// DetectAll walks series oldest first and emits an event whenever the rolling
// percentile reaches the threshold and more than Cooldown has passed since
// the previous emitted event. The boundary matches the live tracker.
func (d Detector) DetectAll(series []market.Point, symbol string, dimension market.Dimension, windowHours int) []storage.ExtremeEvent {
	var (
		events   []storage.ExtremeEvent
		lastTs   int64
		emitted  bool
		cooldown = d.Cooldown.Milliseconds()
	)
	for idx := windowHours; idx < len(series); idx++ {
		ts := series[idx].TimestampMs
		if emitted && ts-lastTs <= cooldown {
			continue
		}
		p, ok := RollingPercentile(series, idx, windowHours)
		if !ok || p < d.Threshold {
			continue
		}
		events = append(events, storage.ExtremeEvent{
			Symbol:      symbol,
			Dimension:   string(dimension),
			WindowDays:  windowHours / percentile.HoursPerDay,
			TriggeredAt: ts,
			Value:       series[idx].Value,
			Percentile:  p,
		})
		lastTs, emitted = ts, true
	}
	return events
}

// DetectAllWindows runs DetectAll once per window, each with its own cooldown
// clock. Windows run concurrently; output is grouped in the order of windows
// and sorted by time within each group.
func (d Detector) DetectAllWindows(series []market.Point, symbol string, dimension market.Dimension, windows []int) []storage.ExtremeEvent {
	results := make([][]storage.ExtremeEvent, len(windows))
	var wg sync.WaitGroup
	for i, w := range windows {
		wg.Add(1)
		go func(i, w int) {
			defer wg.Done()
			results[i] = d.DetectAll(series, symbol, dimension, w)
		}(i, w)
	}
	wg.Wait()

	var out []storage.ExtremeEvent
	for _, evs := range results {
		out = append(out, evs...)
	}
	return out
}

// sortedCopy returns series ordered oldest first without touching the input.
func sortedCopy(series []market.Point) []market.Point {
	out := append([]market.Point(nil), series...)
	market.SortSeries(out)
	return out
}
