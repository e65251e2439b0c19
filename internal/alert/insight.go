package alert

import (
	"math"
	"strings"
	"sync"

	"market-extremes/internal/market"
)

// InsightKind names one insight rule.
type InsightKind string

const (
	InsightDivergenceSpike InsightKind = "divergence_spike"
	InsightWhaleFlip       InsightKind = "whale_flip"
	InsightFlowReversal    InsightKind = "flow_reversal"
	InsightTakerExtreme    InsightKind = "taker_extreme"
)

// Insight is one triggered insight alert.
type Insight struct {
	Kind    InsightKind `json:"kind"`
	Message string      `json:"message"`
}

// InsightReading is the per-cycle market state the insight rules compare.
type InsightReading struct {
	DivergenceLevel market.DivergenceLevel
	Divergence      float64
	TopRatio        float64
	FlowHour        float64
	TakerRatio      float64
	TakerRatioPct   float64
	OIChangePct     float64
	// LiqLongShare is the share of liquidated notional that wiped out longs,
	// zero when unknown.
	LiqLongShare float64
	Price        float64
}

// InsightOptions hold the insight thresholds.
type InsightOptions struct {
	FlowThresholdUSD float64
	TakerExtremePct  float64
}

// DefaultInsightOptions match the shipped configuration.
var DefaultInsightOptions = InsightOptions{FlowThresholdUSD: 5_000_000, TakerExtremePct: 90}

// CheckInsights compares the current reading with the previous one.
func CheckInsights(cur, prev InsightReading, opts InsightOptions) []Insight {
	var out []Insight

	if cur.DivergenceLevel == market.DivergenceStrong && prev.DivergenceLevel != market.DivergenceStrong {
		out = append(out, Insight{Kind: InsightDivergenceSpike, Message: "大户散户分歧加剧"})
	}

	if crossedOne(prev.TopRatio, cur.TopRatio) {
		msg := "大户方向反转：转空"
		if cur.TopRatio > 1 {
			msg = "大户方向反转：转多"
		}
		out = append(out, Insight{Kind: InsightWhaleFlip, Message: msg})
	}

	if signFlipped(prev.FlowHour, cur.FlowHour) && math.Abs(cur.FlowHour) > opts.FlowThresholdUSD {
		msg := "资金流向反转：转为流出"
		if cur.FlowHour > 0 {
			msg = "资金流向反转：转为流入"
		}
		out = append(out, Insight{Kind: InsightFlowReversal, Message: msg})
	}

	if cur.TakerRatioPct > opts.TakerExtremePct {
		msg := "主动卖出极端"
		if cur.TakerRatio > 1 {
			msg = "主动买入极端"
		}
		out = append(out, Insight{Kind: InsightTakerExtreme, Message: msg})
	}
	return out
}

func crossedOne(prev, cur float64) bool {
	return (cur > 1 && prev < 1) || (cur < 1 && prev > 1)
}

func signFlipped(prev, cur float64) bool {
	return (cur > 0 && prev < 0) || (cur < 0 && prev > 0)
}

// Headline is a one-line rule-based market summary. topRatioChange and
// priceChangePct are measured against the previous cycle.
func Headline(cur InsightReading, topRatioChange, priceChangePct float64) string {
	var parts []string
	switch {
	case topRatioChange > 0.05:
		parts = append(parts, "大户加多")
	case topRatioChange < -0.05:
		parts = append(parts, "大户减多")
	}
	switch cur.DivergenceLevel {
	case market.DivergenceStrong:
		if cur.Divergence > 0 {
			parts = append(parts, "与散户分歧（大户更看多）")
		} else {
			parts = append(parts, "与散户分歧（大户更看空）")
		}
	case market.DivergenceMild:
		parts = append(parts, "大户散户轻度分歧")
	}
	switch {
	case cur.FlowHour > 1_000_000:
		parts = append(parts, "资金流入")
	case cur.FlowHour < -1_000_000:
		parts = append(parts, "资金流出")
	}
	if regime := market.OIPriceRegime(cur.OIChangePct, priceChangePct); regime != market.RegimeStable {
		parts = append(parts, string(regime))
	}
	switch {
	case cur.LiqLongShare > 0.65:
		parts = append(parts, "多头承压")
	case cur.LiqLongShare > 0 && cur.LiqLongShare < 0.35:
		parts = append(parts, "空头承压")
	}
	if len(parts) == 0 {
		return "市场平稳"
	}
	return strings.Join(parts, "，")
}

// PreviousReadings holds the last reading per symbol between cycles.
type PreviousReadings struct {
	mu       sync.Mutex
	readings map[string]InsightReading
}

// NewPreviousReadings builds an empty state.
func NewPreviousReadings() *PreviousReadings {
	return &PreviousReadings{readings: make(map[string]InsightReading)}
}

// Swap stores cur for symbol and returns the reading it replaced.
func (p *PreviousReadings) Swap(symbol string, cur InsightReading) (InsightReading, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.readings[symbol]
	p.readings[symbol] = cur
	return prev, ok
}
