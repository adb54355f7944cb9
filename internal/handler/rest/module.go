package rest

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"
)

var Module = fx.Module(
	"rest-handler",

	fx.Provide(NewRESTHandler),

	fx.Invoke(func(r chi.Router, h *RESTHandler) {
		h.Mount(r)
	}),
)
