package alert

import (
	"math"
	"strings"
	"sync"
	"time"

	"market-extremes/internal/market"
)

// AbsoluteKind names one fixed-threshold rule.
type AbsoluteKind string

const (
	AbsoluteWhaleFlow   AbsoluteKind = "whale_flow"
	AbsoluteOIChange    AbsoluteKind = "oi_change"
	AbsoluteLiquidation AbsoluteKind = "liquidation"
)

// DefaultAbsoluteCooldown separates two absolute alerts of the same kind
// for one symbol.
const DefaultAbsoluteCooldown = 30 * time.Minute

// Dimension is the reading the rule compares.
func (k AbsoluteKind) Dimension() market.Dimension {
	switch k {
	case AbsoluteWhaleFlow:
		return market.FlowHour
	case AbsoluteOIChange:
		return market.OIChangeHour
	case AbsoluteLiquidation:
		return market.LiquidationsHour
	}
	return ""
}

// AbsoluteRule fires when the magnitude of its reading reaches Threshold.
// Threshold is in USD for flow and liquidations, in percent for OI change.
type AbsoluteRule struct {
	Kind      AbsoluteKind
	Enabled   bool
	Threshold float64
}

// DefaultAbsoluteRules match the shipped configuration.
var DefaultAbsoluteRules = []AbsoluteRule{
	{Kind: AbsoluteWhaleFlow, Enabled: true, Threshold: 10_000_000},
	{Kind: AbsoluteOIChange, Enabled: true, Threshold: 3},
	{Kind: AbsoluteLiquidation, Enabled: true, Threshold: 20_000_000},
}

// AbsoluteAlert is one triggered fixed-threshold rule.
type AbsoluteAlert struct {
	Kind      AbsoluteKind `json:"kind"`
	Value     float64      `json:"value"`
	Threshold float64      `json:"threshold"`
	// Percentile is the record-window rank of the reading, when known.
	Percentile *float64 `json:"percentile,omitempty"`
}

// CheckAbsolute evaluates rules against snap in rule order. Disabled rules
// and rules without a positive threshold never fire.
func CheckAbsolute(snap market.Snapshot, rules []AbsoluteRule, pcts map[market.Dimension]float64) []AbsoluteAlert {
	var out []AbsoluteAlert
	for _, r := range rules {
		if !r.Enabled || r.Threshold <= 0 {
			continue
		}
		dim := r.Kind.Dimension()
		v := dim.Of(snap)
		if math.Abs(v) < r.Threshold {
			continue
		}
		a := AbsoluteAlert{Kind: r.Kind, Value: v, Threshold: r.Threshold}
		if p, ok := pcts[dim]; ok {
			a.Percentile = &p
		}
		out = append(out, a)
	}
	return out
}

type throttleKey struct {
	symbol string
	kind   string
}

// Throttle tracks the last send per (symbol, kind) under one window.
// Safe for concurrent use.
type Throttle struct {
	mu     sync.Mutex
	window time.Duration
	last   map[throttleKey]time.Time
}

// NewThrottle builds an empty throttle.
func NewThrottle(window time.Duration) *Throttle {
	return &Throttle{window: window, last: make(map[throttleKey]time.Time)}
}

// Allow reports whether kind may be sent for symbol at now.
func (t *Throttle) Allow(symbol, kind string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[throttleKey{strings.ToUpper(symbol), kind}]
	return !ok || now.Sub(last) >= t.window
}

// MarkSent records a send of kind for symbol.
func (t *Throttle) MarkSent(symbol, kind string, now time.Time) {
	t.mu.Lock()
	t.last[throttleKey{strings.ToUpper(symbol), kind}] = now
	t.mu.Unlock()
}
