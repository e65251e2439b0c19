package fetcher

import (
	"context"
	"sort"
	"sync"

	"market-extremes/internal/market"
)

// StaticPrices answers PriceAt from a fixed set of bar closes, typically
// loaded from a kline archive. The bar at or before the target wins.
type StaticPrices struct {
	mu     sync.RWMutex
	maxGap int64
	bars   map[string][]market.Point
}

// NewStaticPrices builds an empty source. maxGapMs bounds how stale the
// chosen bar may be; zero means one hour.
func NewStaticPrices(maxGapMs int64) *StaticPrices {
	if maxGapMs <= 0 {
		maxGapMs = market.HourMs
	}
	return &StaticPrices{maxGap: maxGapMs, bars: make(map[string][]market.Point)}
}

// Set replaces the bars for symbol.
func (s *StaticPrices) Set(symbol string, bars []market.Point) {
	cp := append([]market.Point(nil), bars...)
	market.SortSeries(cp)
	s.mu.Lock()
	s.bars[symbol] = cp
	s.mu.Unlock()
}

// PriceAt returns the closest price at or before timestampMs.
func (s *StaticPrices) PriceAt(_ context.Context, symbol string, timestampMs int64) (float64, error) {
	s.mu.RLock()
	bars := s.bars[symbol]
	s.mu.RUnlock()

	idx := sort.Search(len(bars), func(i int) bool { return bars[i].TimestampMs > timestampMs })
	if idx == 0 {
		return 0, ErrPriceUnavailable
	}
	bar := bars[idx-1]
	if timestampMs-bar.TimestampMs >= s.maxGap {
		return 0, ErrPriceUnavailable
	}
	return bar.Value, nil
}

// StaticSeries serves series held in memory.
type StaticSeries struct {
	mu     sync.RWMutex
	series map[seriesKey][]market.Point
}

type seriesKey struct {
	symbol string
	dim    market.Dimension
}

// NewStaticSeries builds an empty source.
func NewStaticSeries() *StaticSeries {
	return &StaticSeries{series: make(map[seriesKey][]market.Point)}
}

// Set replaces one series.
func (s *StaticSeries) Set(symbol string, dim market.Dimension, points []market.Point) {
	cp := append([]market.Point(nil), points...)
	market.SortSeries(cp)
	s.mu.Lock()
	s.series[seriesKey{symbol, dim}] = cp
	s.mu.Unlock()
}

// Series returns the trailing sinceHours+1 points so the newest reading
// comes with a full window of history.
func (s *StaticSeries) Series(_ context.Context, symbol string, dim market.Dimension, sinceHours int) ([]market.Point, error) {
	s.mu.RLock()
	points := s.series[seriesKey{symbol, dim}]
	s.mu.RUnlock()

	if len(points) == 0 {
		return nil, ErrNoSeries
	}
	if sinceHours > 0 && len(points) > sinceHours+1 {
		points = points[len(points)-sinceHours-1:]
	}
	return append([]market.Point(nil), points...), nil
}

var (
	_ PriceSource  = (*StaticPrices)(nil)
	_ SeriesSource = (*StaticSeries)(nil)
)
