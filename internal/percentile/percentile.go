// Package percentile ranks a live reading against its own history.
package percentile

import "math"

// NeutralRank is returned when there is no history to rank against.
const NeutralRank = 50.0

// HoursPerDay converts a window expressed in days into hourly samples.
const HoursPerDay = 24

// Rank returns the empirical percentile of value against history.
//
// Only magnitude matters: entries are compared by absolute value and ties
// count as not-below, so a value equal to every entry ranks 0.
func Rank(value float64, history []float64) float64 {
	if len(history) == 0 {
		return NeutralRank
	}
	target := math.Abs(value)
	below := 0
	for _, h := range history {
		if math.Abs(h) < target {
			below++
		}
	}
	return float64(below) / float64(len(history)) * 100
}

// Result is the rank for one window. Sufficient is false when the history
// was shorter than the window; Percentile is meaningless in that case.
type Result struct {
	Window     int
	Percentile float64
	Sufficient bool
}

// RankMultiWindow ranks value against the most recent window entries of
// history for each requested window. history must be ordered oldest first.
func RankMultiWindow(value float64, history []float64, windows []int) map[int]Result {
	out := make(map[int]Result, len(windows))
	for _, w := range windows {
		if w <= 0 || len(history) < w {
			out[w] = Result{Window: w}
			continue
		}
		out[w] = Result{
			Window:     w,
			Percentile: Rank(value, history[len(history)-w:]),
			Sufficient: true,
		}
	}
	return out
}

// Level buckets a percentile for display.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelElevated Level = "elevated"
	LevelExtreme  Level = "extreme"
)

// Bands holds the upper bounds (exclusive) of the normal and elevated bands.
type Bands struct {
	NormalBelow   float64
	ElevatedBelow float64
}

// DefaultBands matches the 75/90 split used in reports.
var DefaultBands = Bands{NormalBelow: 75, ElevatedBelow: 90}

// LevelOf classifies p using b.
func LevelOf(p float64, b Bands) Level {
	switch {
	case p < b.NormalBelow:
		return LevelNormal
	case p < b.ElevatedBelow:
		return LevelElevated
	default:
		return LevelExtreme
	}
}
