package sse

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"
)

var Module = fx.Module("sse-handler",
	fx.Provide(NewSSEHandler),
	fx.Invoke(func(r chi.Router, h *SSEHandler) {
		r.Get("/v1/sse", h.Stream)
		r.Post("/v1/inbox", h.Inbox)
	}),
)
