package service

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/auth"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		func(cfg *config.Config) *auth.Verifier {
			return auth.NewVerifier(cfg.AuthSecret)
		},

		// Domain services
		fx.Annotate(
			NewSessionService,
			fx.As(new(Sessions)),
		),
		fx.Annotate(
			NewConversationService,
			fx.As(new(Conversations)),
		),
		fx.Annotate(
			NewKeyPackageService,
			fx.As(new(KeyPackages)),
		),
		fx.Annotate(
			NewPresenceService,
			fx.As(new(Presence)),
		),
	),

	// [DECORATION_LAYER] Intercept Conversations to add cross-cutting concerns
	fx.Decorate(func(orig Conversations, logger *slog.Logger) Conversations {
		return &conversationMiddleware{
			next:   orig,
			logger: logger,
		}
	}),
)
