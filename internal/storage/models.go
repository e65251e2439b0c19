package storage

import (
	"fmt"
	"time"
)

// Checkpoint is one of the fixed post-trigger instants whose price is recorded.
type Checkpoint string

const (
	Checkpoint4h  Checkpoint = "4h"
	Checkpoint12h Checkpoint = "12h"
	Checkpoint24h Checkpoint = "24h"
	Checkpoint48h Checkpoint = "48h"
)

type checkpointSpec struct {
	column   string
	offsetMs int64
}

var checkpointSpecs = map[Checkpoint]checkpointSpec{
	Checkpoint4h:  {column: "price_4h", offsetMs: 4 * 3_600_000},
	Checkpoint12h: {column: "price_12h", offsetMs: 12 * 3_600_000},
	Checkpoint24h: {column: "price_24h", offsetMs: 24 * 3_600_000},
	Checkpoint48h: {column: "price_48h", offsetMs: 48 * 3_600_000},
}

// Checkpoints lists every checkpoint in chronological order.
func Checkpoints() []Checkpoint {
	return []Checkpoint{Checkpoint4h, Checkpoint12h, Checkpoint24h, Checkpoint48h}
}

// ParseCheckpoint accepts either the short name ("24h") or the column name ("price_24h").
func ParseCheckpoint(name string) (Checkpoint, error) {
	for cp, spec := range checkpointSpecs {
		if name == string(cp) || name == spec.column {
			return cp, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCheckpoint, name)
}

// Valid reports whether c is one of the known checkpoints.
func (c Checkpoint) Valid() bool {
	_, ok := checkpointSpecs[c]
	return ok
}

// Column is the persisted column name for c.
func (c Checkpoint) Column() string { return checkpointSpecs[c].column }

// OffsetMs is the delay after the trigger at which c is due.
func (c Checkpoint) OffsetMs() int64 { return checkpointSpecs[c].offsetMs }

// Offset is OffsetMs as a duration.
func (c Checkpoint) Offset() time.Duration { return time.Duration(c.OffsetMs()) * time.Millisecond }

// ExtremeEvent is one recorded anomaly and the prices that followed it.
type ExtremeEvent struct {
	ID             int64
	Symbol         string
	Dimension      string
	WindowDays     int
	TriggeredAt    int64
	Value          float64
	Percentile     float64
	PriceAtTrigger *float64
	Price4h        *float64
	Price12h       *float64
	Price24h       *float64
	Price48h       *float64
	CreatedAt      time.Time
}

// PriceAt returns the stored price for cp, nil when not yet backfilled.
func (e *ExtremeEvent) PriceAt(cp Checkpoint) *float64 {
	switch cp {
	case Checkpoint4h:
		return e.Price4h
	case Checkpoint12h:
		return e.Price12h
	case Checkpoint24h:
		return e.Price24h
	case Checkpoint48h:
		return e.Price48h
	}
	return nil
}

// SetPrice stores price for cp unless a price is already present.
// It reports whether the field changed.
func (e *ExtremeEvent) SetPrice(cp Checkpoint, price float64) (bool, error) {
	var slot **float64
	switch cp {
	case Checkpoint4h:
		slot = &e.Price4h
	case Checkpoint12h:
		slot = &e.Price12h
	case Checkpoint24h:
		slot = &e.Price24h
	case Checkpoint48h:
		slot = &e.Price48h
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownCheckpoint, cp)
	}
	if *slot != nil {
		return false, nil
	}
	v := price
	*slot = &v
	return true, nil
}

// DueAt is the millisecond instant at which cp becomes fetchable.
func (e *ExtremeEvent) DueAt(cp Checkpoint) int64 {
	return e.TriggeredAt + cp.OffsetMs()
}

// Completed reports whether the final checkpoint has been recorded.
func (e *ExtremeEvent) Completed() bool { return e.Price48h != nil }

// HasOutcome reports whether the event carries a trigger price and at least
// one checkpoint, i.e. it can contribute to outcome statistics.
func (e *ExtremeEvent) HasOutcome() bool {
	if e.PriceAtTrigger == nil {
		return false
	}
	for _, cp := range Checkpoints() {
		if e.PriceAt(cp) != nil {
			return true
		}
	}
	return false
}

// Pending reports whether any checkpoint is unset and already due at nowMs.
func (e *ExtremeEvent) Pending(nowMs int64) bool {
	for _, cp := range Checkpoints() {
		if e.PriceAt(cp) == nil && e.DueAt(cp) <= nowMs {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot alias stored price pointers.
func (e ExtremeEvent) Clone() ExtremeEvent {
	out := e
	out.PriceAtTrigger = copyPrice(e.PriceAtTrigger)
	out.Price4h = copyPrice(e.Price4h)
	out.Price12h = copyPrice(e.Price12h)
	out.Price24h = copyPrice(e.Price24h)
	out.Price48h = copyPrice(e.Price48h)
	return out
}

func copyPrice(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Price is a helper for building optional prices.
func Price(v float64) *float64 { return &v }

// EventKey identifies the cooldown scope of an event.
type EventKey struct {
	Symbol     string
	Dimension  string
	WindowDays int
}

// Key returns the cooldown scope of e.
func (e *ExtremeEvent) Key() EventKey {
	return EventKey{Symbol: e.Symbol, Dimension: e.Dimension, WindowDays: e.WindowDays}
}

// EventQuery selects events for one key, newest first.
type EventQuery struct {
	Symbol     string
	Dimension  string
	WindowDays int
	Limit      int
	// OutcomeOnly keeps events that have a trigger price and at least one checkpoint.
	OutcomeOnly bool
}
