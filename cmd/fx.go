package cmd

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"

	"github.com/meshline/ds-gateway/config"
	httpserver "github.com/meshline/ds-gateway/infra/server/http"
	"github.com/meshline/ds-gateway/internal/adapter/pubsub"
	"github.com/meshline/ds-gateway/internal/broker"
	"github.com/meshline/ds-gateway/internal/handler/dispatch"
	resthandler "github.com/meshline/ds-gateway/internal/handler/rest"
	ssehandler "github.com/meshline/ds-gateway/internal/handler/sse"
	wshandler "github.com/meshline/ds-gateway/internal/handler/ws"
	"github.com/meshline/ds-gateway/internal/ratelimit"
	"github.com/meshline/ds-gateway/internal/service"
	"github.com/meshline/ds-gateway/internal/storage"
	"github.com/meshline/ds-gateway/internal/sweeper"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideSlog,
			ProvideWatermillLogger,
		),
		fx.WithLogger(func(zl *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zl}
		}),
		storage.Module,
		ratelimit.Module,
		pubsub.Module,
		broker.Module,
		service.Module,
		dispatch.Module,
		wshandler.Module,
		ssehandler.Module,
		resthandler.Module,
		sweeper.Module,
		httpserver.Module,
		fx.Invoke(logBuildInfo),
		fx.Invoke(watchConfig),
	)
}

// logBuildInfo records which binary is running; the values are stamped
// by the release pipeline through ldflags.
func logBuildInfo(log *slog.Logger) {
	log.Info("GATEWAY_STARTING",
		"version", version,
		"commit", commit,
		"commit_date", commitDate,
		"branch", branch,
		"built", buildTimestamp,
	)
}

func ProvideLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

// ProvideSlog bridges the zap core into the slog front every component
// logs through.
func ProvideSlog(zl *zap.Logger) *slog.Logger {
	return slog.New(zapslog.NewHandler(zl.Core()))
}

func ProvideWatermillLogger(log *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(log)
}

// watchConfig warns about a footgun and applies live-reloadable knobs;
// today that is the rate buckets only.
func watchConfig(cfg *config.Config, limiter *ratelimit.Limiter, log *slog.Logger) {
	if cfg.AuthSecret == "" {
		log.Warn("AUTH_SECRET_EMPTY every admission token will be rejected")
	}
	cfg.Watch(log, func(next *config.Config) {
		limiter.Reload(next.Rate)
	})
}
