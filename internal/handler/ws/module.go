package ws

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"
)

var Module = fx.Module("ws-handler",
	fx.Provide(NewWSHandler),
	fx.Invoke(func(r chi.Router, h *WSHandler) {
		r.Get("/v1/ws", h.ServeHTTP)
	}),
)
