package app

import (
	"context"
	"errors"
	"time"

	"market-extremes/internal/alert"
	"market-extremes/internal/alerting"
	"market-extremes/internal/market"
)

// SimulateAlert 通过已配置的告警通道发送一条模拟告警。
func (a *App) SimulateAlert(ctx context.Context, symbol string, percentiles map[market.Dimension]float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	c := alert.Classify(alert.Ordered(percentiles), a.Config.Alerting.Observe.ThresholdPct, a.Config.Alerting.Important.MinDimensions)
	if c == nil {
		return errors.New("没有维度超过告警阈值")
	}

	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	defer closeNotifier()

	note := alerting.Notification{
		Symbol:     symbol,
		Time:       time.Now().UTC(),
		Level:      c.Level,
		Dimensions: c.Dimensions,
		Headline:   "模拟告警",
	}
	return notifier.Notify(ctx, note)
}
