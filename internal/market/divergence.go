package market

import "market-extremes/internal/percentile"

// DivergenceLevel grades how far top traders and retail disagree.
type DivergenceLevel string

const (
	DivergenceNone   DivergenceLevel = "none"
	DivergenceMild   DivergenceLevel = "mild"
	DivergenceStrong DivergenceLevel = "strong"
)

// DivergenceResult is the spread between top-trader and retail ratios.
// A positive Value means top traders lean longer than retail.
type DivergenceResult struct {
	Value      float64
	Percentile float64
	Level      DivergenceLevel
}

// Divergence ranks |topRatio-globalRatio| against history.
func Divergence(topRatio, globalRatio float64, history []float64, mildPct, strongPct float64) DivergenceResult {
	div := topRatio - globalRatio
	p := percentile.Rank(div, history)

	level := DivergenceStrong
	switch {
	case p < mildPct:
		level = DivergenceNone
	case p < strongPct:
		level = DivergenceMild
	}
	return DivergenceResult{Value: div, Percentile: p, Level: level}
}
