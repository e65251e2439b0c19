package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-extremes/internal/alert"
	"market-extremes/internal/alerting"
	"market-extremes/internal/api"
	"market-extremes/internal/backfill"
	"market-extremes/internal/config"
	"market-extremes/internal/fetcher"
	"market-extremes/internal/logging"
	"market-extremes/internal/metrics"
	"market-extremes/internal/scheduler"
	"market-extremes/internal/service"
	"market-extremes/internal/storage"
	"market-extremes/internal/storage/memory"
	"market-extremes/internal/storage/postgres"
	"market-extremes/internal/storage/sqlite"
	"market-extremes/internal/tracker"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{Config: cfg, Logger: logging.Component(logger, "app")}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace)
	}
	return a
}

// OpenStore opens the event store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (storage.EventStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return postgres.NewStore(pool, logger), nil
	case config.DriverSQLite:
		return sqlite.Open(cfg.SQLitePath)
	case config.DriverMemory:
		logger.Warn().Msg("memory event store: events are lost on exit")
		return memory.NewEventStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func (a *App) openStore(ctx context.Context) (storage.EventStore, func(), error) {
	store, err := OpenStore(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open event store: %w", err)
	}
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close event store")
		}
	}
	return store, closer, nil
}

func (a *App) newPrices() (fetcher.PriceSource, error) {
	cfg := a.Config.Sources.Binance
	return fetcher.NewBinancePrice(fetcher.BinanceOptions{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		SecretKey: cfg.SecretKey,
		Interval:  cfg.Interval,
		Quote:     a.Config.Replay.Quote,
		Timeout:   cfg.RequestTimeout,
	}, a.Logger)
}

func (a *App) newSeries(ctx context.Context) (*fetcher.ClickHouseSeries, error) {
	cfg := a.Config.Sources.ClickHouse
	if cfg.DSN == "" {
		return nil, errors.New("sources.clickhouse.dsn is required for the live service")
	}
	return fetcher.NewClickHouseSeries(ctx, fetcher.ClickHouseOptions{
		DSN:     cfg.DSN,
		Table:   cfg.Table,
		Timeout: cfg.RequestTimeout,
	}, a.Logger)
}

// newNotifier fans out to every enabled channel. The log channel is always on.
func (a *App) newNotifier() (alerting.Notifier, func(), error) {
	cfg := a.Config.Alerting
	notifiers := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	closer := func() {}

	if cfg.Telegram.Enabled {
		tg, err := alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken:    cfg.Telegram.BotToken,
			ChatID:      cfg.Telegram.ChatID,
			APIEndpoint: cfg.Telegram.APIEndpoint,
			MaxRetries:  cfg.Telegram.MaxRetries,
			RetryDelay:  cfg.Telegram.RetryDelay,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, tg)
	}
	if cfg.NATS.Enabled {
		nn, err := alerting.NewNATSNotifier(cfg.NATS.URL, cfg.NATS.Subject, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, nn)
		closer = func() { _ = nn.Close() }
	}
	return notifiers, closer, nil
}

func (a *App) trackerRecorder() tracker.Recorder {
	if a.metrics == nil {
		return nil
	}
	return a.metrics
}

func (a *App) backfillRecorder() backfill.Recorder {
	if a.metrics == nil {
		return nil
	}
	return a.metrics
}

func (a *App) serviceRecorder() service.Recorder {
	if a.metrics == nil {
		return nil
	}
	return a.metrics
}

func (a *App) observeJob(job string) func(time.Time, time.Duration, error) {
	return func(_ time.Time, took time.Duration, err error) {
		if a.metrics != nil {
			a.metrics.ObserveCycle(job, took, err)
		}
	}
}

func (a *App) serviceOptions() service.Options {
	cfg := a.Config
	return service.Options{
		Symbols:           cfg.Symbols,
		Threshold:         cfg.Detection.ThresholdPct,
		Windows:           cfg.Detection.Windows,
		RecordWindowDays:  cfg.Detection.RecordWindowDays,
		MinHistory:        cfg.Detection.MinHistory,
		AlertsEnabled:     cfg.Alerting.Enabled,
		ObserveEnabled:    cfg.Alerting.Observe.Enabled,
		ImportantEnabled:  cfg.Alerting.Important.Enabled,
		ObserveThreshold:  cfg.Alerting.Observe.ThresholdPct,
		MinDimensions:     cfg.Alerting.Important.MinDimensions,
		ObserveCooldown:   cfg.Alerting.Observe.Cooldown,
		ImportantCooldown: cfg.Alerting.Important.Cooldown,
		InsightsEnabled:   cfg.Alerting.Insight.Enabled,
		Insight: alert.InsightOptions{
			FlowThresholdUSD: cfg.Alerting.Insight.FlowThresholdUSD,
			TakerExtremePct:  cfg.Alerting.Insight.TakerExtremePct,
		},
		DivergenceMild:     cfg.Alerting.Insight.DivergenceMildPct,
		DivergenceStrong:   cfg.Alerting.Insight.DivergenceStrongPct,
		AbsoluteRules:      absoluteRules(cfg.Alerting.Absolute),
		AbsoluteCooldown:   cfg.Alerting.Absolute.Cooldown,
		PriceLevels:        priceLevels(cfg.Alerting.PriceLevels.Levels),
		PriceLevelCooldown: cfg.Alerting.PriceLevels.Cooldown,
		LockKey:            cfg.Scheduler.AdvisoryLockKey,
	}
}

func absoluteRules(c config.AbsoluteConfig) []alert.AbsoluteRule {
	return []alert.AbsoluteRule{
		{Kind: alert.AbsoluteWhaleFlow, Enabled: c.WhaleFlow.Enabled, Threshold: c.WhaleFlow.Threshold},
		{Kind: alert.AbsoluteOIChange, Enabled: c.OIChange.Enabled, Threshold: c.OIChange.Threshold},
		{Kind: alert.AbsoluteLiquidation, Enabled: c.Liquidation.Enabled, Threshold: c.Liquidation.Threshold},
	}
}

func priceLevels(levels []config.PriceLevelConfig) []alert.PriceLevel {
	out := make([]alert.PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = alert.PriceLevel{Symbol: l.Symbol, Price: l.Price}
	}
	return out
}

// Run executes the long-running monitoring service, its maintenance jobs and
// the read API until a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	series, err := a.newSeries(ctx)
	if err != nil {
		return err
	}
	defer series.Close()

	prices, err := a.newPrices()
	if err != nil {
		return err
	}

	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	defer closeNotifier()

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Observe:      a.observeJob("evaluate"),
	}, a.Logger)
	if err != nil {
		return err
	}

	tr := tracker.New(store, tracker.Options{
		Cooldown: a.Config.Detection.CooldownOrDefault(),
		Recorder: a.trackerRecorder(),
	}, a.Logger)

	svc, err := service.New(a.serviceOptions(), service.Deps{
		Scheduler: sched,
		Series:    series,
		Prices:    prices,
		Store:     store,
		Tracker:   tr,
		Notifier:  notifier,
		Recorder:  a.serviceRecorder(),
	}, a.Logger)
	if err != nil {
		return err
	}

	bf := backfill.New(store, prices, backfill.Options{Recorder: a.backfillRecorder()}, a.Logger)
	maint := service.NewMaintenance(store, bf, a.retention(), nil, a.Logger)
	jobs := scheduler.NewCron(a.Logger)
	jobs.OnFinish(func(job string, took time.Duration, err error) {
		if a.metrics != nil {
			a.metrics.ObserveCycle(job, took, err)
		}
	})
	if err := maint.Register(jobs, a.Config.Scheduler.BackfillSpec, a.Config.Scheduler.RetentionSpec); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return jobs.Run(gctx) })
	if a.Config.API.Listen != "" {
		srv := a.newAPIServer(store)
		g.Go(func() error { return srv.Run(gctx) })
	}

	a.Logger.Info().Strs("symbols", a.Config.Symbols).Msg("starting monitoring service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

func (a *App) retention() time.Duration {
	return time.Duration(a.Config.Retention.Days) * 24 * time.Hour
}

func (a *App) newAPIServer(store storage.EventStore) *api.Server {
	return api.NewServer(api.Options{
		Listen:       a.Config.API.Listen,
		ReadTimeout:  a.Config.API.ReadTimeout,
		WriteTimeout: a.Config.API.WriteTimeout,
		Eligibility:  tracker.New(store, tracker.Options{Cooldown: a.Config.Detection.CooldownOrDefault()}, a.Logger),
	}, store, a.metricsHandler(), a.Logger)
}

func (a *App) metricsHandler() http.Handler {
	if a.metrics == nil {
		return nil
	}
	return a.metrics.Handler()
}

// ExportOptions hold parameters for exporting recorded events.
type ExportOptions struct {
	Symbol     string
	Dimension  string
	WindowDays int
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	XLSXPath   string
	MaxPoints  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Symbol     string
	Dimension  string
	WindowDays int
	Limit      int
}

// StatsOptions configure the stats command.
type StatsOptions struct {
	Symbol     string
	Dimension  string
	WindowDays int
	Limit      int
}

// ReplayOptions configure an offline replay.
type ReplayOptions struct {
	Symbols    []string
	Dimensions []string
	DryRun     bool
	// AttachPrices loads kline archives to fill trigger and checkpoint prices.
	AttachPrices bool
}
