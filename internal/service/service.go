// Package service runs the live evaluation cycle: rank every dimension,
// record extreme events, classify and notify.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"market-extremes/internal/alert"
	"market-extremes/internal/alerting"
	"market-extremes/internal/fetcher"
	"market-extremes/internal/market"
	"market-extremes/internal/percentile"
	"market-extremes/internal/scheduler"
	"market-extremes/internal/stats"
	"market-extremes/internal/storage"
	"market-extremes/internal/tracker"
)

// Recorder receives classification and notification outcomes.
type Recorder interface {
	Classified(level string)
	InsightTriggered(kind string)
	NotificationSent(level string)
	NotificationSkipped(level, reason string)
}

// Options hold the detection and alerting settings of one Service.
type Options struct {
	Symbols []string
	// Threshold is the percentile at or above which an event is recorded.
	Threshold float64
	// Windows are the detection windows in days, ascending.
	Windows []int
	// RecordWindowDays is the window the classification percentiles use.
	RecordWindowDays int
	MinHistory       int

	AlertsEnabled     bool
	ObserveEnabled    bool
	ImportantEnabled  bool
	ObserveThreshold  float64
	MinDimensions     int
	ObserveCooldown   time.Duration
	ImportantCooldown time.Duration

	InsightsEnabled  bool
	Insight          alert.InsightOptions
	DivergenceMild   float64
	DivergenceStrong float64

	// AbsoluteRules fire on fixed thresholds regardless of percentiles.
	AbsoluteRules      []alert.AbsoluteRule
	AbsoluteCooldown   time.Duration
	PriceLevels        []alert.PriceLevel
	PriceLevelCooldown time.Duration

	LockKey int64
	Clock   tracker.Clock
}

// Service orchestrates fetching, event recording, and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	series    fetcher.SeriesSource
	prices    fetcher.PriceSource
	tracker   *tracker.Tracker
	stats     *stats.Stats
	notifier  alerting.Notifier
	recorder  Recorder
	cooldowns *alert.Cooldowns
	previous  *alert.PreviousReadings
	throttle  *alert.Throttle
	levels    *alert.PriceLevels
	locker    storage.AdvisoryLocker
	opts      Options
	logger    zerolog.Logger
}

// Deps groups the collaborators of a Service. Prices, Notifier and
// Recorder are optional.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Series    fetcher.SeriesSource
	Prices    fetcher.PriceSource
	Store     storage.EventStore
	Tracker   *tracker.Tracker
	Notifier  alerting.Notifier
	Recorder  Recorder
}

// New constructs the monitoring service.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Series == nil {
		return nil, errors.New("service: series source is required")
	}
	if deps.Store == nil || deps.Tracker == nil {
		return nil, errors.New("service: event store and tracker are required")
	}
	if len(opts.Windows) == 0 {
		return nil, errors.New("service: at least one detection window is required")
	}
	if opts.RecordWindowDays <= 0 {
		opts.RecordWindowDays = opts.Windows[0]
	}
	if opts.MinHistory < 1 {
		opts.MinHistory = 1
	}
	if opts.MinDimensions < 1 {
		opts.MinDimensions = alert.DefaultMinDimensions
	}
	if opts.Clock == nil {
		opts.Clock = tracker.SystemClock{}
	}
	if opts.AbsoluteCooldown <= 0 {
		opts.AbsoluteCooldown = alert.DefaultAbsoluteCooldown
	}
	if opts.PriceLevelCooldown <= 0 {
		opts.PriceLevelCooldown = alert.DefaultPriceLevelCooldown
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: deps.Scheduler,
		series:    deps.Series,
		prices:    deps.Prices,
		tracker:   deps.Tracker,
		stats:     stats.New(deps.Store),
		notifier:  deps.Notifier,
		recorder:  deps.Recorder,
		cooldowns: alert.NewCooldowns(opts.ObserveCooldown, opts.ImportantCooldown),
		previous:  alert.NewPreviousReadings(),
		throttle:  alert.NewThrottle(opts.AbsoluteCooldown),
		levels:    alert.NewPriceLevels(opts.PriceLevels, opts.PriceLevelCooldown),
		locker:    locker,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
	}, nil
}

// Run begins the aligned evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket 执行单个时间桶的评估逻辑。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	cycle := uuid.NewString()
	var errs []error
	for _, symbol := range s.opts.Symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.Evaluate(ctx, symbol); err != nil {
			// 单个币种失败不影响其余币种。
			s.logger.Error().Err(err).Str("cycle", cycle).Str("symbol", symbol).Msg("evaluation failed")
			errs = append(errs, err)
		}
	}
	s.logger.Info().Str("cycle", cycle).Time("bucket", bucket).Int("symbols", len(s.opts.Symbols)).Msg("bucket evaluated")
	return errors.Join(errs...)
}

// Result is the outcome of one symbol evaluation.
type Result struct {
	Symbol      string
	Skipped     bool
	Percentiles map[market.Dimension]float64
	Recorded    int
	Notified    *alerting.Notification
}

// reading is one dimension's current value and its history, oldest first.
type reading struct {
	value   float64
	history []float64
	points  []market.Point
}

// Evaluate runs the full cycle for one symbol.
func (s *Service) Evaluate(ctx context.Context, symbol string) (Result, error) {
	res := Result{Symbol: symbol}
	now := s.opts.Clock.Now().UTC()

	readings, err := s.load(ctx, symbol)
	if err != nil {
		return res, err
	}
	if short := s.insufficient(readings); short != "" {
		s.logger.Debug().Str("symbol", symbol).Str("dimension", short).Msg("history too short, skip tiered alerts")
		res.Skipped = true
		// 固定阈值与价位告警不依赖历史长度。
		var price *float64
		if s.opts.AlertsEnabled && s.levels.Len() > 0 {
			price = s.currentPrice(ctx, symbol, now)
		}
		note := alerting.Notification{Symbol: symbol, Time: now}
		if price != nil {
			note.Price = *price
		}
		if s.opts.AlertsEnabled {
			s.thresholdAlerts(&note, readings, nil, price)
		}
		return s.deliver(ctx, res, note)
	}

	price := s.currentPrice(ctx, symbol, now)

	res.Percentiles = s.rank(readings)
	recorded, err := s.record(ctx, symbol, readings, res.Percentiles, price)
	res.Recorded = recorded
	if err != nil {
		return res, err
	}

	note := s.buildNotification(ctx, symbol, now, readings, res.Percentiles, price)
	return s.deliver(ctx, res, note)
}

func (s *Service) deliver(ctx context.Context, res Result, note alerting.Notification) (Result, error) {
	if note.Empty() {
		return res, nil
	}
	if err := s.send(ctx, note); err != nil {
		return res, err
	}
	res.Notified = &note
	return res, nil
}

func (s *Service) load(ctx context.Context, symbol string) (map[market.Dimension]reading, error) {
	hours := s.opts.Windows[len(s.opts.Windows)-1] * percentile.HoursPerDay
	if rec := s.opts.RecordWindowDays * percentile.HoursPerDay; rec > hours {
		hours = rec
	}

	dims := append(market.All(), market.LiquidationsLongHour)
	out := make(map[market.Dimension]reading, len(dims))
	for _, dim := range dims {
		points, err := s.series.Series(ctx, symbol, dim, hours)
		if errors.Is(err, fetcher.ErrNoSeries) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s %s: %w", symbol, dim, err)
		}
		if len(points) == 0 {
			continue
		}
		market.SortSeries(points)
		values := market.Values(points)
		out[dim] = reading{
			value:   values[len(values)-1],
			history: values[:len(values)-1],
			points:  points,
		}
	}
	return out, nil
}

// insufficient returns the first dimension whose history is below the minimum.
// OI change and long/short ratio gate the whole cycle as they are the
// sparsest series.
func (s *Service) insufficient(readings map[market.Dimension]reading) string {
	for _, dim := range []market.Dimension{market.OIChangeHour, market.LongShortRatio} {
		if len(readings[dim].history) < s.opts.MinHistory {
			return string(dim)
		}
	}
	return ""
}

// rank computes the record-window percentile of every dimension with at
// least MinHistory samples. Shorter dimensions are left out and can neither
// be recorded nor classified.
func (s *Service) rank(readings map[market.Dimension]reading) map[market.Dimension]float64 {
	window := s.opts.RecordWindowDays * percentile.HoursPerDay
	out := make(map[market.Dimension]float64, len(readings))
	for _, dim := range market.All() {
		r, ok := readings[dim]
		if !ok || len(r.history) < s.opts.MinHistory {
			continue
		}
		history := r.history
		if len(history) > window {
			history = history[len(history)-window:]
		}
		out[dim] = percentile.Rank(r.value, history)
	}
	return out
}

// record stores one event per extreme dimension for the record window plus
// every other detection window whose history is complete.
func (s *Service) record(ctx context.Context, symbol string, readings map[market.Dimension]reading, pcts map[market.Dimension]float64, price *float64) (int, error) {
	recorded := 0
	for _, dim := range market.All() {
		r, ok := readings[dim]
		if !ok {
			continue
		}
		hits := tracker.DetectDays(r.value, r.history, s.opts.Threshold, s.opts.Windows)
		if p, ok := pcts[dim]; ok && p >= s.opts.Threshold {
			hits[s.opts.RecordWindowDays] = p
		}
		windows := make([]int, 0, len(hits))
		for w := range hits {
			windows = append(windows, w)
		}
		sort.Ints(windows)
		for _, w := range windows {
			_, ok, err := s.tracker.RecordEvent(ctx, tracker.RecordInput{
				Symbol:     symbol,
				Dimension:  string(dim),
				WindowDays: w,
				Value:      r.value,
				Percentile: hits[w],
				Price:      price,
			})
			if err != nil {
				return recorded, err
			}
			if ok {
				recorded++
			}
		}
	}
	return recorded, nil
}

func (s *Service) currentPrice(ctx context.Context, symbol string, now time.Time) *float64 {
	if s.prices == nil {
		return nil
	}
	p, err := s.prices.PriceAt(ctx, symbol, now.UnixMilli())
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("current price unavailable")
		return nil
	}
	return &p
}

func (s *Service) buildNotification(ctx context.Context, symbol string, now time.Time, readings map[market.Dimension]reading, pcts map[market.Dimension]float64, price *float64) alerting.Notification {
	note := alerting.Notification{Symbol: symbol, Time: now}
	if price != nil {
		note.Price = *price
	}
	if !s.opts.AlertsEnabled {
		return note
	}

	if c := alert.Classify(alert.Ordered(pcts), s.opts.ObserveThreshold, s.opts.MinDimensions); c != nil {
		s.observe(func(r Recorder) { r.Classified(string(c.Level)) })
		switch {
		case !s.levelEnabled(c.Level):
			s.observe(func(r Recorder) { r.NotificationSkipped(string(c.Level), "disabled") })
		case !s.cooldowns.Allow(symbol, c.Level, now):
			s.logger.Debug().
				Str("symbol", symbol).
				Str("level", string(c.Level)).
				Dur("remaining", s.cooldowns.Remaining(symbol, c.Level, now)).
				Msg("alert cooling down")
			s.observe(func(r Recorder) { r.NotificationSkipped(string(c.Level), "cooldown") })
		default:
			note.Level = c.Level
			note.Dimensions = c.Dimensions
			note.PrecedentDimension, note.Precedent = s.precedent(ctx, symbol, c.Dimensions)
		}
	}

	s.thresholdAlerts(&note, readings, pcts, price)

	if s.opts.InsightsEnabled {
		cur := s.insightReading(readings, pcts, note.Price)
		prev, ok := s.previous.Swap(symbol, cur)
		if ok {
			note.Insights = alert.CheckInsights(cur, prev, s.opts.Insight)
			for _, in := range note.Insights {
				kind := string(in.Kind)
				s.observe(func(r Recorder) { r.InsightTriggered(kind) })
			}
			note.Headline = alert.Headline(cur, market.Change(cur.TopRatio, prev.TopRatio).Diff, market.PriceChange(cur.Price, prev.Price))
		} else {
			note.Headline = alert.Headline(cur, 0, 0)
		}
	}
	return note
}

// thresholdAlerts adds the absolute and price level alerts to note.
func (s *Service) thresholdAlerts(note *alerting.Notification, readings map[market.Dimension]reading, pcts map[market.Dimension]float64, price *float64) {
	note.Absolute = s.absolute(note.Symbol, note.Time, readings, pcts, note.Price)
	if price != nil {
		note.PriceCrosses = s.levels.Check(note.Symbol, *price, note.Time)
	}
}

// absolute runs the fixed-threshold rules over the current snapshot and
// drops kinds still cooling down for symbol.
func (s *Service) absolute(symbol string, now time.Time, readings map[market.Dimension]reading, pcts map[market.Dimension]float64, price float64) []alert.AbsoluteAlert {
	if len(s.opts.AbsoluteRules) == 0 {
		return nil
	}
	values := make(map[market.Dimension]float64, len(readings))
	for dim, r := range readings {
		values[dim] = r.value
	}
	snap := market.NewSnapshot(symbol, now.UnixMilli(), price, values)

	var out []alert.AbsoluteAlert
	for _, a := range alert.CheckAbsolute(snap, s.opts.AbsoluteRules, pcts) {
		if !s.throttle.Allow(symbol, string(a.Kind), now) {
			s.logger.Debug().Str("symbol", symbol).Str("kind", string(a.Kind)).Msg("absolute alert cooling down")
			s.observe(func(r Recorder) { r.NotificationSkipped(levelAbsolute, "cooldown") })
			continue
		}
		out = append(out, a)
	}
	return out
}

func (s *Service) levelEnabled(level alert.Level) bool {
	if level == alert.LevelImportant {
		return s.opts.ImportantEnabled
	}
	return s.opts.ObserveEnabled
}

// precedent looks up the latest event with an outcome for the strongest
// dimension in the alert.
func (s *Service) precedent(ctx context.Context, symbol string, dims []alert.DimensionPercentile) (market.Dimension, *stats.EventSummary) {
	if len(dims) == 0 {
		return "", nil
	}
	strongest := dims[0]
	for _, d := range dims[1:] {
		if d.Percentile > strongest.Percentile {
			strongest = d
		}
	}
	latest, err := s.stats.Latest(ctx, symbol, string(strongest.Dimension), s.opts.RecordWindowDays)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("precedent lookup failed")
		return "", nil
	}
	if latest == nil {
		return "", nil
	}
	return strongest.Dimension, latest
}

func (s *Service) insightReading(readings map[market.Dimension]reading, pcts map[market.Dimension]float64, price float64) alert.InsightReading {
	cur := alert.InsightReading{
		TopRatio:      readings[market.TopPositionRatio].value,
		FlowHour:      readings[market.FlowHour].value,
		TakerRatio:    readings[market.TakerRatio].value,
		TakerRatioPct: pcts[market.TakerRatio],
		OIChangePct:   readings[market.OIChangeHour].value,
		LiqLongShare:  liqLongShare(readings),
		Price:         price,
	}

	top, okTop := readings[market.TopPositionRatio]
	global, okGlobal := readings[market.GlobalAccountRatio]
	if okTop && okGlobal {
		div := market.Divergence(top.value, global.value, spreadHistory(top.points, global.points), s.opts.DivergenceMild, s.opts.DivergenceStrong)
		cur.Divergence = div.Value
		cur.DivergenceLevel = div.Level
	}
	return cur
}

// liqLongShare is the long share of the newest liquidation hour. Both
// series must end on the same hour.
func liqLongShare(readings map[market.Dimension]reading) float64 {
	total, ok := readings[market.LiquidationsHour]
	if !ok || total.value <= 0 {
		return 0
	}
	long, ok := readings[market.LiquidationsLongHour]
	if !ok || lastTs(long.points) != lastTs(total.points) {
		return 0
	}
	return math.Min(math.Max(long.value/total.value, 0), 1)
}

func lastTs(points []market.Point) int64 {
	if len(points) == 0 {
		return -1
	}
	return points[len(points)-1].TimestampMs
}

// spreadHistory pairs the two series by timestamp, excluding the current
// (last) point of each.
func spreadHistory(top, global []market.Point) []float64 {
	if len(top) < 2 || len(global) < 2 {
		return nil
	}
	byTs := make(map[int64]float64, len(global)-1)
	for _, p := range global[:len(global)-1] {
		byTs[p.TimestampMs] = p.Value
	}
	out := make([]float64, 0, len(top)-1)
	for _, p := range top[:len(top)-1] {
		if g, ok := byTs[p.TimestampMs]; ok {
			out = append(out, p.Value-g)
		}
	}
	return out
}

const (
	levelAbsolute   = "absolute"
	levelPriceLevel = "price_level"
	levelInsight    = "insight"
)

// label names the notification for metrics and logs by its strongest part.
func label(note alerting.Notification) string {
	switch {
	case note.Level != "":
		return string(note.Level)
	case len(note.Absolute) > 0:
		return levelAbsolute
	case len(note.PriceCrosses) > 0:
		return levelPriceLevel
	}
	return levelInsight
}

func (s *Service) send(ctx context.Context, note alerting.Notification) error {
	level := label(note)
	if s.notifier == nil {
		s.observe(func(r Recorder) { r.NotificationSkipped(level, "no_notifier") })
		return nil
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.observe(func(r Recorder) { r.NotificationSkipped(level, "error") })
		return fmt.Errorf("notify %s: %w", note.Symbol, err)
	}
	if note.Level != "" {
		s.cooldowns.MarkSent(note.Symbol, note.Level, note.Time)
	}
	for _, a := range note.Absolute {
		s.throttle.MarkSent(note.Symbol, string(a.Kind), note.Time)
	}
	s.observe(func(r Recorder) { r.NotificationSent(level) })
	s.logger.Info().Str("symbol", note.Symbol).Str("level", level).Int("dimensions", len(note.Dimensions)).Msg("alert sent")
	return nil
}

func (s *Service) observe(fn func(Recorder)) {
	if s.recorder != nil {
		fn(s.recorder)
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
