package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-extremes/internal/market"
)

const defaultQuote = "USDT"

// BinanceOptions parameterise the futures kline price source.
type BinanceOptions struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Interval  string
	Quote     string
	Timeout   time.Duration
}

// BinancePrice reads bar closes from the Binance USDⓈ-M futures API.
type BinancePrice struct {
	client   *futures.Client
	interval string
	barMs    int64
	quote    string
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewBinancePrice constructs a price source. Only public endpoints are used,
// so the keys may be empty.
func NewBinancePrice(opts BinanceOptions, logger zerolog.Logger) (*BinancePrice, error) {
	interval := opts.Interval
	if interval == "" {
		interval = "1h"
	}
	barMs, err := intervalMs(interval)
	if err != nil {
		return nil, err
	}
	quote := opts.Quote
	if quote == "" {
		quote = defaultQuote
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := binance.NewFuturesClient(opts.APIKey, opts.SecretKey)
	if base := strings.TrimRight(opts.BaseURL, "/"); base != "" {
		client.BaseURL = base
	}

	return &BinancePrice{
		client:   client,
		interval: interval,
		barMs:    barMs,
		quote:    quote,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger.With().Str("component", "binance_price").Logger(),
	}, nil
}

// PriceAt returns the close of the last bar that ended at or before
// timestampMs. Bars still open when the call is made are never used, so a
// write-once checkpoint cannot capture an interim close.
func (b *BinancePrice) PriceAt(ctx context.Context, symbol string, timestampMs int64) (float64, error) {
	closeAt := timestampMs - timestampMs%b.barMs
	openTime := closeAt - b.barMs
	if closeAt > b.now().UnixMilli() {
		return 0, ErrPriceUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	pair := PairSymbol(symbol, b.quote)
	klines, err := b.client.NewKlinesService().
		Symbol(pair).
		Interval(b.interval).
		StartTime(openTime).
		Limit(1).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch %s klines: %w", pair, err)
	}
	if len(klines) == 0 {
		return 0, ErrPriceUnavailable
	}
	k := klines[0]
	if k.OpenTime != openTime {
		b.logger.Debug().Str("pair", pair).Int64("want", openTime).Int64("got", k.OpenTime).Msg("bar before target missing")
		return 0, ErrPriceUnavailable
	}

	closePrice, err := decimal.NewFromString(k.Close)
	if err != nil {
		return 0, fmt.Errorf("parse %s close %q: %w", pair, k.Close, err)
	}
	return closePrice.InexactFloat64(), nil
}

func intervalMs(interval string) (int64, error) {
	switch interval {
	case "1m":
		return time.Minute.Milliseconds(), nil
	case "5m":
		return 5 * time.Minute.Milliseconds(), nil
	case "15m":
		return 15 * time.Minute.Milliseconds(), nil
	case "1h":
		return market.HourMs, nil
	case "4h":
		return 4 * market.HourMs, nil
	}
	return 0, fmt.Errorf("unsupported kline interval %q", interval)
}

var _ PriceSource = (*BinancePrice)(nil)
