// Package alert turns per-dimension percentiles into tiered alerts and
// detects cross-reading insight alerts.
package alert

import (
	"sync"
	"time"

	"market-extremes/internal/market"
)

// Level is the severity of a classification.
type Level string

const (
	LevelObserve   Level = "OBSERVE"
	LevelImportant Level = "IMPORTANT"
)

const (
	DefaultThreshold     = 90.0
	DefaultMinDimensions = 3
)

// DimensionPercentile pairs a dimension with its current percentile.
type DimensionPercentile struct {
	Dimension  market.Dimension `json:"dimension"`
	Percentile float64          `json:"percentile"`
}

// Classification is the single alert produced for one evaluation cycle.
type Classification struct {
	Level      Level                 `json:"level"`
	Dimensions []DimensionPercentile `json:"dimensions"`
}

// Classify keeps the dimensions whose percentile is strictly above
// threshold. With at least minDimensions of them the result is IMPORTANT
// carrying all of them; otherwise OBSERVE with the subset. It returns nil
// when nothing qualifies. Input order is preserved.
func Classify(percentiles []DimensionPercentile, threshold float64, minDimensions int) *Classification {
	var extreme []DimensionPercentile
	for _, dp := range percentiles {
		if dp.Percentile > threshold {
			extreme = append(extreme, dp)
		}
	}
	if len(extreme) == 0 {
		return nil
	}
	level := LevelObserve
	if len(extreme) >= minDimensions {
		level = LevelImportant
	}
	return &Classification{Level: level, Dimensions: extreme}
}

// Ordered flattens a dimension map into the canonical dimension order.
func Ordered(percentiles map[market.Dimension]float64) []DimensionPercentile {
	out := make([]DimensionPercentile, 0, len(percentiles))
	for _, d := range market.All() {
		if p, ok := percentiles[d]; ok {
			out = append(out, DimensionPercentile{Dimension: d, Percentile: p})
		}
	}
	return out
}

type cooldownKey struct {
	symbol string
	level  Level
}

// Cooldowns tracks the last notification per (symbol, level). Each level
// has its own window. Safe for concurrent use.
type Cooldowns struct {
	mu      sync.Mutex
	windows map[Level]time.Duration
	last    map[cooldownKey]time.Time
}

// NewCooldowns builds an empty tracker with per-level windows.
func NewCooldowns(observe, important time.Duration) *Cooldowns {
	return &Cooldowns{
		windows: map[Level]time.Duration{LevelObserve: observe, LevelImportant: important},
		last:    make(map[cooldownKey]time.Time),
	}
}

// Allow reports whether symbol may be notified at level at now.
func (c *Cooldowns) Allow(symbol string, level Level, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.last[cooldownKey{symbol, level}]
	if !ok {
		return true
	}
	return now.Sub(last) >= c.windows[level]
}

// MarkSent records a notification for symbol at level.
func (c *Cooldowns) MarkSent(symbol string, level Level, now time.Time) {
	c.mu.Lock()
	c.last[cooldownKey{symbol, level}] = now
	c.mu.Unlock()
}

// Remaining returns how long symbol must still wait at level.
func (c *Cooldowns) Remaining(symbol string, level Level, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.last[cooldownKey{symbol, level}]
	if !ok {
		return 0
	}
	if left := c.windows[level] - now.Sub(last); left > 0 {
		return left
	}
	return 0
}
