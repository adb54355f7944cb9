// Package httpserver owns the gateway's listening socket: one chi router
// shared by every handler module, lifted into the fx lifecycle.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/meshline/ds-gateway/config"
)

type Server struct {
	srv  *http.Server
	log  *slog.Logger
	addr string
}

// NewRouter builds the shared router. Handler modules mount their routes
// onto it through fx.Invoke before the server starts listening.
func NewRouter(log *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(log))
	return r
}

func New(r chi.Router, cfg *config.Config, log *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Handler: r,
			// Streaming responses rule out read/write timeouts on the
			// whole exchange; link heartbeats handle dead peers.
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		log:  log.With("component", "http"),
		addr: cfg.ListenAddr,
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.log.Info("HTTP_LISTENING", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP_SERVER_FAILED", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// requestLogger records the outcome of each exchange. Paths only: query
// strings and headers stay out of the logs.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
