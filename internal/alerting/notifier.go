package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-extremes/internal/alert"
	"market-extremes/internal/market"
	"market-extremes/internal/percentile"
	"market-extremes/internal/stats"
)

// Notification 封装一次评估周期需要推送的告警上下文。
type Notification struct {
	Symbol string
	Time   time.Time
	Price  float64
	// Level 为空表示只有洞察告警。
	Level      alert.Level
	Dimensions []alert.DimensionPercentile
	Insights   []alert.Insight
	// Absolute 为固定阈值告警，PriceCrosses 为关键价位突破/跌破。
	Absolute     []alert.AbsoluteAlert
	PriceCrosses []alert.PriceCross
	Headline     string
	// Precedent 是最强维度最近一次有结果的历史事件。
	PrecedentDimension market.Dimension
	Precedent          *stats.EventSummary
}

// Empty reports whether there is nothing to send.
func (n Notification) Empty() bool {
	return n.Level == "" && len(n.Insights) == 0 && len(n.Absolute) == 0 && len(n.PriceCrosses) == 0
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Multi 将告警扇出到多个通道，单个通道失败不影响其余通道。
type Multi []Notifier

// Notify 依次调用每个通道并合并错误。
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 仅写日志，用于未配置外部通道时。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify 输出结构化告警日志。
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	dims := make([]string, len(note.Dimensions))
	for i, d := range note.Dimensions {
		dims[i] = fmt.Sprintf("%s=P%d", d.Dimension, int(d.Percentile))
	}
	kinds := make([]string, len(note.Insights))
	for i, in := range note.Insights {
		kinds[i] = string(in.Kind)
	}
	absolute := make([]string, len(note.Absolute))
	for i, a := range note.Absolute {
		absolute[i] = string(a.Kind)
	}
	crosses := make([]string, len(note.PriceCrosses))
	for i, c := range note.PriceCrosses {
		crosses[i] = fmt.Sprintf("%s@%s", c.Direction, decimal.NewFromFloat(c.Level).String())
	}
	n.logger.Warn().
		Str("symbol", note.Symbol).
		Str("level", string(note.Level)).
		Str("dimensions", strings.Join(dims, ",")).
		Str("insights", strings.Join(kinds, ",")).
		Str("absolute", strings.Join(absolute, ",")).
		Str("price_levels", strings.Join(crosses, ",")).
		Str("headline", note.Headline).
		Msg("告警")
	return nil
}

func levelEmoji(p float64) string {
	switch percentile.LevelOf(p, percentile.DefaultBands) {
	case percentile.LevelExtreme:
		return "🔴"
	case percentile.LevelElevated:
		return "🟡"
	default:
		return "🟢"
	}
}

// formatUSD 按 K/M/B 缩写金额。
func formatUSD(v float64) string {
	d := decimal.NewFromFloat(v).Abs()
	sign := ""
	if v < 0 {
		sign = "-"
	}
	switch {
	case d.GreaterThanOrEqual(decimal.NewFromInt(1_000_000_000)):
		return sign + "$" + d.Div(decimal.NewFromInt(1_000_000_000)).StringFixed(1) + "B"
	case d.GreaterThanOrEqual(decimal.NewFromInt(1_000_000)):
		return sign + "$" + d.Div(decimal.NewFromInt(1_000_000)).StringFixed(1) + "M"
	case d.GreaterThanOrEqual(decimal.NewFromInt(1_000)):
		return sign + "$" + d.Div(decimal.NewFromInt(1_000)).StringFixed(1) + "K"
	}
	return sign + "$" + d.StringFixed(0)
}

// renderLines 生成纯文本告警正文，首行为标题。
func renderLines(note Notification) []string {
	lines := make([]string, 0, 8+len(note.Dimensions)+len(note.Insights))
	switch note.Level {
	case alert.LevelImportant:
		lines = append(lines, fmt.Sprintf("🚨 %s 多维度极端 (%d)", note.Symbol, len(note.Dimensions)))
	case alert.LevelObserve:
		lines = append(lines, fmt.Sprintf("👀 %s 指标异常", note.Symbol))
	default:
		switch {
		case len(note.Absolute) > 0:
			lines = append(lines, fmt.Sprintf("⚡ %s 阈值告警", note.Symbol))
		case len(note.PriceCrosses) > 0 && len(note.Insights) == 0:
			lines = append(lines, fmt.Sprintf("🎯 %s 关键价位", note.Symbol))
		default:
			lines = append(lines, fmt.Sprintf("💡 %s 市场洞察", note.Symbol))
		}
	}
	if note.Price > 0 {
		lines = append(lines, "💵 "+formatUSD(note.Price))
	}
	for _, d := range note.Dimensions {
		lines = append(lines, fmt.Sprintf("%s %s P%d", levelEmoji(d.Percentile), d.Dimension.DisplayName(), int(d.Percentile)))
	}
	for _, a := range note.Absolute {
		lines = append(lines, absoluteLine(a))
	}
	for _, c := range note.PriceCrosses {
		verb := "突破"
		if c.Direction == alert.Breakdown {
			verb = "跌破"
		}
		lines = append(lines, fmt.Sprintf("🎯 %s %s (现价 %s)", verb, formatUSD(c.Level), formatUSD(c.Price)))
	}
	for _, in := range note.Insights {
		lines = append(lines, "• "+in.Message)
	}
	if note.Headline != "" {
		lines = append(lines, "📌 "+note.Headline)
	}
	if p := note.Precedent; p != nil {
		line := fmt.Sprintf("📜 上次 %s 极端: %s @ %s",
			note.PrecedentDimension.DisplayName(),
			time.UnixMilli(p.TriggeredAt).UTC().Format("2006-01-02 15:04"),
			formatUSD(p.PriceAtTrigger))
		if p.Change24h != nil {
			line += fmt.Sprintf(", 24h %s%%", decimal.NewFromFloat(*p.Change24h).StringFixed(2))
		}
		lines = append(lines, line)
	}
	lines = append(lines, "⏰ "+note.Time.UTC().Format("2006-01-02 15:04 UTC"))
	return lines
}

func absoluteLine(a alert.AbsoluteAlert) string {
	var line string
	switch a.Kind {
	case alert.AbsoluteOIChange:
		line = fmt.Sprintf("📈 OI 变化 %s%% ≥ %s%%",
			decimal.NewFromFloat(a.Value).StringFixed(2), decimal.NewFromFloat(a.Threshold).String())
	case alert.AbsoluteLiquidation:
		line = fmt.Sprintf("💥 爆仓 %s ≥ %s", formatUSD(a.Value), formatUSD(a.Threshold))
	default:
		line = fmt.Sprintf("🐋 大单净流 %s ≥ %s", formatUSD(a.Value), formatUSD(a.Threshold))
	}
	if a.Percentile != nil {
		line += fmt.Sprintf(" (P%d)", int(*a.Percentile))
	}
	return line
}

func renderMessage(note Notification) string {
	return strings.Join(renderLines(note), "\n")
}

var (
	_ Notifier = Multi(nil)
	_ Notifier = (*LogNotifier)(nil)
)
