package app

import (
	"context"
	"time"

	"market-extremes/internal/backfill"
	"market-extremes/internal/service"
)

// BackfillPrices 执行一次检查点价格回填。
func (a *App) BackfillPrices(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	prices, err := a.newPrices()
	if err != nil {
		return err
	}

	bf := backfill.New(store, prices, backfill.Options{Recorder: a.backfillRecorder()}, a.Logger)
	start := time.Now()
	filled, err := bf.Run(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("filled", filled).Dur("took", time.Since(start)).Msg("回填完成")
	return nil
}

// Sweep 删除超过保留期的事件。
func (a *App) Sweep(ctx context.Context, days int) error {
	if days <= 0 {
		days = a.Config.Retention.Days
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	maint := service.NewMaintenance(store, nil, time.Duration(days)*24*time.Hour, nil, a.Logger)
	return maint.Sweep(ctx)
}
