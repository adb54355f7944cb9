package httpserver

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module(
	"http-server",

	fx.Provide(
		NewRouter,
		New,
	),

	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			// Route mounting happens in handler-module invokes, which fx
			// runs before any OnStart hook; the socket opens last.
			OnStart: func(context.Context) error {
				return s.Start()
			},
			// [GRACEFUL_SHUTDOWN] Stop accepting, then drain in-flight
			// exchanges within the lifecycle deadline.
			OnStop: func(ctx context.Context) error {
				return s.Shutdown(ctx)
			},
		})
	}),
)
