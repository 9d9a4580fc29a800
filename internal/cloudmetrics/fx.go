package cloudmetrics

import (
	"context"
	"time"

	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("cloud.metrics",
	fx.Provide(NewPusher),
	fx.Provide(func(cfg config.Config) *Accounting {
		if !cfg.Metrics.Enabled {
			return nil
		}
		return NewAccounting(nil)
	}),
	fx.Invoke(startWorker),
)

func startWorker(lc fx.Lifecycle, cfg config.Config, a *Accounting, pusher Pusher, clk clock.Clock, db *gorm.DB, logger *zap.Logger) {
	if a == nil || pusher == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("cloud.metrics")

	interval := cfg.Metrics.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting accounting metrics worker", zap.Duration("interval", interval))
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				pushOnce(ctx, a, pusher, clk, db, logger)
				for {
					select {
					case <-ticker.C:
						pushOnce(ctx, a, pusher, clk, db, logger)
					case <-ctx.Done():
						logger.Info("stopping accounting metrics worker")
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func pushOnce(ctx context.Context, a *Accounting, pusher Pusher, clk clock.Clock, db *gorm.DB, logger *zap.Logger) {
	now := clk.Now().UTC()
	if err := a.Collect(ctx, db, now); err != nil {
		logger.Warn("accounting collection incomplete", zap.Error(err))
	}
	if err := pusher.Push(ctx, a.Registry(), now); err != nil {
		logger.Warn("accounting metrics push failed", zap.Error(err))
	}
}
