package broker

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/storage"
)

var Module = fx.Module("broker",
	fx.Provide(
		// [CLEAN_INJECTION] shape the broker from config via functional options.
		func(cfg *config.Config, store *storage.Store, log *slog.Logger) *Broker {
			return New(store, log,
				WithOutboundQueue(cfg.OutboundQueueSize),
				WithPendingBuffer(cfg.SubscriberQueueSize),
				WithReplayBatch(cfg.ReplayBatchSize),
				WithMaxSubscriptions(cfg.MaxSubsPerLink),
			)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, b *Broker) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				b.Shutdown() // [GRACEFUL_SHUTDOWN] stop the janitor, sever links
				return nil
			},
		})
	}),
)
