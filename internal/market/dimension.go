package market

import (
	"fmt"
	"sort"
)

// Dimension names one monitored metric. The string value is the persisted key.
type Dimension string

const (
	FlowHour           Dimension = "flow_1h"
	OIChangeHour       Dimension = "oi_change_1h"
	LiquidationsHour   Dimension = "liq_1h"
	FundingRate        Dimension = "funding_rate"
	LongShortRatio     Dimension = "long_short_ratio"
	TopPositionRatio   Dimension = "top_position_ratio"
	GlobalAccountRatio Dimension = "global_account_ratio"
	TakerRatio         Dimension = "taker_ratio"
)

// LiquidationsLongHour is an auxiliary series holding the hourly notional of
// liquidated longs. It is loaded next to LiquidationsHour to split pressure
// by side and is never ranked, recorded, or accepted by ParseDimension.
const LiquidationsLongHour Dimension = "liq_long_1h"

// Spec describes how a dimension is displayed and read from a Snapshot.
// Value backs Dimension.Of, which the absolute alert rules read through.
type Spec struct {
	Dimension   Dimension
	DisplayName string
	// Order fixes the evaluation and display order.
	Order int
	Value func(Snapshot) float64
}

var specs = map[Dimension]Spec{
	FlowHour: {
		Dimension: FlowHour, DisplayName: "Whale flow", Order: 0,
		Value: func(s Snapshot) float64 { return s.FlowNet },
	},
	OIChangeHour: {
		Dimension: OIChangeHour, DisplayName: "OI change", Order: 1,
		Value: func(s Snapshot) float64 { return s.OIChangePct },
	},
	LiquidationsHour: {
		Dimension: LiquidationsHour, DisplayName: "Liquidations", Order: 2,
		Value: func(s Snapshot) float64 { return s.LiquidationsUSD },
	},
	FundingRate: {
		Dimension: FundingRate, DisplayName: "Funding rate", Order: 3,
		Value: func(s Snapshot) float64 { return s.FundingRate },
	},
	LongShortRatio: {
		Dimension: LongShortRatio, DisplayName: "Long/short ratio", Order: 4,
		Value: func(s Snapshot) float64 { return s.LongShortRatio },
	},
	TopPositionRatio: {
		Dimension: TopPositionRatio, DisplayName: "Top trader positions", Order: 5,
		Value: func(s Snapshot) float64 { return s.TopPositionRatio },
	},
	GlobalAccountRatio: {
		Dimension: GlobalAccountRatio, DisplayName: "Retail accounts", Order: 6,
		Value: func(s Snapshot) float64 { return s.GlobalAccountRatio },
	},
	TakerRatio: {
		Dimension: TakerRatio, DisplayName: "Taker buy/sell", Order: 7,
		Value: func(s Snapshot) float64 { return s.TakerRatio },
	},
}

// ParseDimension validates a persisted or user supplied dimension key.
func ParseDimension(v string) (Dimension, error) {
	d := Dimension(v)
	if _, ok := specs[d]; !ok {
		return "", fmt.Errorf("unknown dimension %q", v)
	}
	return d, nil
}

// All returns every dimension in display order.
func All() []Dimension {
	out := make([]Dimension, 0, len(specs))
	for d := range specs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return specs[out[i]].Order < specs[out[j]].Order })
	return out
}

// DisplayName returns the human label for d, falling back to the key.
func (d Dimension) DisplayName() string {
	if s, ok := specs[d]; ok {
		return s.DisplayName
	}
	return string(d)
}

// Of reads the value of d from s.
func (d Dimension) Of(s Snapshot) float64 {
	if spec, ok := specs[d]; ok {
		return spec.Value(s)
	}
	return 0
}

func (d Dimension) String() string { return string(d) }
