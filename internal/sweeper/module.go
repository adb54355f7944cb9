package sweeper

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/service"
	"github.com/meshline/ds-gateway/internal/storage"
)

var Module = fx.Module("sweeper",
	fx.Provide(
		func(store *storage.Store, presence service.Presence, cfg *config.Config, log *slog.Logger) *Sweeper {
			return New(store, presence, cfg, log)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Sweeper) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				s.Shutdown() // [GRACEFUL_SHUTDOWN] let an in-flight pass finish
				return nil
			},
		})
	}),
)
