// Package fetcher adapts upstream market data to the two narrow contracts
// the detection core consumes: prices at an instant and hourly series.
package fetcher

import (
	"context"
	"errors"
	"strings"

	"market-extremes/internal/market"
)

var (
	// ErrPriceUnavailable means no bar covers the requested instant yet.
	// Callers leave state untouched and retry on a later pass.
	ErrPriceUnavailable = errors.New("fetcher: price unavailable")
	// ErrNoSeries means the upstream store holds no rows for the request.
	ErrNoSeries = errors.New("fetcher: no series")
)

// PriceSource returns the price of symbol at timestampMs: the close of the
// last bar finished at or before that instant.
type PriceSource interface {
	PriceAt(ctx context.Context, symbol string, timestampMs int64) (float64, error)
}

// SeriesSource returns the hourly series of one dimension for symbol,
// ordered oldest first, covering at least the last sinceHours hours.
type SeriesSource interface {
	Series(ctx context.Context, symbol string, dim market.Dimension, sinceHours int) ([]market.Point, error)
}

// PairSymbol maps an internal symbol (BTC) to an exchange pair (BTCUSDT).
func PairSymbol(symbol, quote string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if quote == "" || strings.HasSuffix(s, quote) {
		return s
	}
	return s + quote
}
