package alert

import (
	"strings"
	"sync"
	"time"
)

// CrossDirection is the side a price level was crossed from.
type CrossDirection string

const (
	Breakout  CrossDirection = "breakout"
	Breakdown CrossDirection = "breakdown"
)

// DefaultPriceLevelCooldown separates two alerts of the same level.
const DefaultPriceLevelCooldown = time.Hour

// PriceLevel is a watched price for one symbol.
type PriceLevel struct {
	Symbol string
	Price  float64
}

// PriceCross is one triggered level.
type PriceCross struct {
	Level     float64        `json:"level"`
	Direction CrossDirection `json:"direction"`
	Price     float64        `json:"price"`
}

type levelState struct {
	level     float64
	known     bool
	above     bool
	triggered time.Time
}

// PriceLevels detects breakouts and breakdowns of configured levels. The
// first price seen for a symbol only sets the side of each level. Safe for
// concurrent use.
type PriceLevels struct {
	mu       sync.Mutex
	cooldown time.Duration
	levels   map[string][]*levelState
}

// NewPriceLevels builds the watcher. Non-positive prices are ignored.
func NewPriceLevels(levels []PriceLevel, cooldown time.Duration) *PriceLevels {
	p := &PriceLevels{cooldown: cooldown, levels: make(map[string][]*levelState)}
	for _, l := range levels {
		if l.Price <= 0 {
			continue
		}
		sym := strings.ToUpper(strings.TrimSpace(l.Symbol))
		p.levels[sym] = append(p.levels[sym], &levelState{level: l.Price})
	}
	return p
}

// Len is the number of watched levels.
func (p *PriceLevels) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ls := range p.levels {
		n += len(ls)
	}
	return n
}

// Check compares price with every level of symbol. A level below the price
// that is reached from underneath is a breakout, one reached from above is
// a breakdown. Levels still cooling down keep their previous side.
func (p *PriceLevels) Check(symbol string, price float64, now time.Time) []PriceCross {
	if price <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []PriceCross
	for _, st := range p.levels[strings.ToUpper(symbol)] {
		if !st.triggered.IsZero() && now.Sub(st.triggered) < p.cooldown {
			continue
		}
		switch {
		case !st.known:
			st.known = true
			st.above = price > st.level
		case !st.above && price >= st.level:
			st.above = true
			st.triggered = now
			out = append(out, PriceCross{Level: st.level, Direction: Breakout, Price: price})
		case st.above && price <= st.level:
			st.above = false
			st.triggered = now
			out = append(out, PriceCross{Level: st.level, Direction: Breakdown, Price: price})
		}
	}
	return out
}
