package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/rs/zerolog"

	"market-extremes/internal/batch"
	"market-extremes/internal/fetcher"
	"market-extremes/internal/market"
	"market-extremes/internal/percentile"
)

// Archive locates the offline data laid out as
// aggTrades/{PAIR}-aggTrades-*.csv, klines/{PAIR}-1h-*.csv,
// metrics/{PAIR}-metrics-*.csv, liquidationSnapshot/{PAIR}-liquidationSnapshot-*.csv
// and processed/{dimension}_{PAIR}.csv under one cache directory.
type Archive struct {
	Dir   string
	Quote string
}

// Pair maps a symbol to its archive pair name.
func (a Archive) Pair(symbol string) string {
	return fetcher.PairSymbol(symbol, a.Quote)
}

// SeriesPath is the processed series file of one dimension.
func (a Archive) SeriesPath(symbol string, dim market.Dimension) string {
	return filepath.Join(a.Dir, "processed", batch.SeriesFileName(dim, a.Pair(symbol)))
}

// AggTradeFiles lists the monthly aggTrades archives of symbol.
func (a Archive) AggTradeFiles(symbol string) ([]string, error) {
	return filepath.Glob(filepath.Join(a.Dir, "aggTrades", a.Pair(symbol)+"-aggTrades-*.csv"))
}

// KlineFiles lists the hourly kline archives of symbol.
func (a Archive) KlineFiles(symbol string) ([]string, error) {
	return filepath.Glob(filepath.Join(a.Dir, "klines", a.Pair(symbol)+"-1h-*.csv"))
}

// MetricsFiles lists the futures metrics archives of symbol.
func (a Archive) MetricsFiles(symbol string) ([]string, error) {
	return filepath.Glob(filepath.Join(a.Dir, "metrics", a.Pair(symbol)+"-metrics-*.csv"))
}

// LiquidationFiles lists the liquidation snapshot archives of symbol.
func (a Archive) LiquidationFiles(symbol string) ([]string, error) {
	return filepath.Glob(filepath.Join(a.Dir, "liquidationSnapshot", a.Pair(symbol)+"-liquidationSnapshot-*.csv"))
}

// Jobs loads every available processed series for symbols × dims. Missing
// series are skipped with a warning.
func (a Archive) Jobs(symbols []string, dims []market.Dimension, withKlines bool, logger zerolog.Logger) ([]batch.Job, error) {
	var jobs []batch.Job
	for _, symbol := range symbols {
		var klines batch.Klines
		if withKlines {
			files, err := a.KlineFiles(symbol)
			if err != nil {
				return nil, err
			}
			if len(files) == 0 {
				logger.Warn().Str("symbol", symbol).Msg("no kline archives, prices stay empty")
			} else if klines, err = batch.LoadKlinesCSV(files); err != nil {
				return nil, err
			}
		}
		for _, dim := range dims {
			series, err := batch.LoadSeriesCSV(a.SeriesPath(symbol, dim))
			if errors.Is(err, fs.ErrNotExist) {
				logger.Warn().Str("symbol", symbol).Str("dimension", string(dim)).Msg("no processed series")
				continue
			}
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, batch.Job{Symbol: symbol, Dimension: dim, Series: series, Klines: klines})
		}
	}
	return jobs, nil
}

func (a *App) archive() Archive {
	return Archive{Dir: a.Config.Replay.CacheDir, Quote: a.Config.Replay.Quote}
}

func (a *App) symbols(override []string) []string {
	if len(override) > 0 {
		return override
	}
	return a.Config.Symbols
}

func parseDimensions(names []string) ([]market.Dimension, error) {
	if len(names) == 0 {
		return market.All(), nil
	}
	out := make([]market.Dimension, 0, len(names))
	for _, n := range names {
		d, err := market.ParseDimension(n)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Replay 对离线序列运行批量检测并写入事件库。
func (a *App) Replay(ctx context.Context, opts ReplayOptions) (batch.Report, error) {
	dims, err := parseDimensions(opts.Dimensions)
	if err != nil {
		return batch.Report{}, err
	}
	jobs, err := a.archive().Jobs(a.symbols(opts.Symbols), dims, opts.AttachPrices, a.Logger)
	if err != nil {
		return batch.Report{}, err
	}
	if len(jobs) == 0 {
		return batch.Report{DryRun: opts.DryRun}, fmt.Errorf("no processed series under %s", a.Config.Replay.CacheDir)
	}

	windows := make([]int, len(a.Config.Detection.Windows))
	for i, d := range a.Config.Detection.Windows {
		windows[i] = d * percentile.HoursPerDay
	}
	replayOpts := batch.ReplayOptions{
		Detector: batch.Detector{
			Threshold: a.Config.Detection.ThresholdPct,
			Cooldown:  a.Config.Detection.CooldownOrDefault(),
		},
		WindowHours: windows,
		DryRun:      opts.DryRun,
	}

	var inserter batch.Inserter
	if !opts.DryRun {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return batch.Report{}, err
		}
		defer closeStore()
		inserter = store
	} else {
		a.Logger.Warn().Msg("回放 dry-run：不会写入数据库")
	}

	report, err := batch.NewReplayer(inserter, replayOpts, a.Logger).Run(ctx, jobs)
	if err != nil {
		return report, err
	}
	a.Logger.Info().
		Str("run_id", report.RunID).
		Int("detected", report.Detected).
		Int("inserted", report.Inserted).
		Int("duplicates", report.Duplicates).
		Int("missing_price", report.MissingPrice).
		Msg("回放完成")
	return report, nil
}

// ProcessTrades 将 aggTrades 归档转换为每小时净流入序列。
func (a *App) ProcessTrades(symbols []string) error {
	arc := a.archive()
	for _, symbol := range a.symbols(symbols) {
		files, err := arc.AggTradeFiles(symbol)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			a.Logger.Warn().Str("symbol", symbol).Msg("no aggTrades archives")
			continue
		}
		points, months, err := batch.ProcessAggTrades(files)
		if err != nil {
			return err
		}
		for _, m := range months {
			a.Logger.Info().
				Str("file", filepath.Base(m.Path)).
				Int("trades", m.Trades).
				Float64("threshold_usd", m.Threshold).
				Float64("buy_usd", m.BuyUSD).
				Float64("sell_usd", m.SellUSD).
				Int("hours", m.Hours).
				Msg("archive processed")
		}
		out := arc.SeriesPath(symbol, market.FlowHour)
		if err := batch.WriteSeriesCSV(out, points); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		a.Logger.Info().Str("symbol", symbol).Str("path", out).Int("hours", len(points)).Msg("flow series written")
	}
	return nil
}

// ProcessMetrics 将 metrics 归档转换为 OI 变化与多空比的小时序列。
func (a *App) ProcessMetrics(symbols []string) error {
	arc := a.archive()
	for _, symbol := range a.symbols(symbols) {
		files, err := arc.MetricsFiles(symbol)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			a.Logger.Warn().Str("symbol", symbol).Msg("no metrics archives")
			continue
		}
		series, stats, err := batch.ProcessMetrics(files)
		if err != nil {
			return err
		}
		for _, st := range stats {
			a.Logger.Info().Str("file", filepath.Base(st.Path)).Int("rows", st.Rows).Msg("archive processed")
		}
		for _, dim := range market.All() {
			points, ok := series[dim]
			if !ok {
				continue
			}
			if err := a.writeSeries(symbol, dim, points); err != nil {
				return err
			}
		}
	}
	return nil
}

// ProcessLiquidations 将爆仓归档转换为小时爆仓总额及多头爆仓序列。
func (a *App) ProcessLiquidations(symbols []string) error {
	arc := a.archive()
	for _, symbol := range a.symbols(symbols) {
		files, err := arc.LiquidationFiles(symbol)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			a.Logger.Warn().Str("symbol", symbol).Msg("no liquidation archives")
			continue
		}
		total, long, stats, err := batch.ProcessLiquidations(files)
		if err != nil {
			return err
		}
		for _, st := range stats {
			a.Logger.Info().
				Str("file", filepath.Base(st.Path)).
				Int("orders", st.Rows).
				Float64("long_usd", st.LongUSD).
				Float64("short_usd", st.ShortUSD).
				Msg("archive processed")
		}
		if err := a.writeSeries(symbol, market.LiquidationsHour, total); err != nil {
			return err
		}
		if err := a.writeSeries(symbol, market.LiquidationsLongHour, long); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) writeSeries(symbol string, dim market.Dimension, points []market.Point) error {
	out := a.archive().SeriesPath(symbol, dim)
	if err := batch.WriteSeriesCSV(out, points); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	a.Logger.Info().Str("symbol", symbol).Str("dimension", string(dim)).Str("path", out).Int("hours", len(points)).Msg("series written")
	return nil
}
