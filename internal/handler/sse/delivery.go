// Package sse serves the fallback stream plus the inbox endpoint that
// mirrors socket semantics for clients that cannot hold a websocket:
// frames go up one POST at a time, events come down the event stream.
package sse

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/broker"
	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
	"github.com/meshline/ds-gateway/internal/handler/dispatch"
	"github.com/meshline/ds-gateway/internal/handler/marshaller"
	"github.com/meshline/ds-gateway/internal/service"
)

type SSEHandler struct {
	logger   *slog.Logger
	dispatch *dispatch.Dispatcher
	sessions service.Sessions
	br       *broker.Broker
	presence service.Presence
	cfg      *config.Config
}

func NewSSEHandler(logger *slog.Logger, d *dispatch.Dispatcher, sessions service.Sessions, br *broker.Broker, presence service.Presence, cfg *config.Config) *SSEHandler {
	return &SSEHandler{
		logger:   logger,
		dispatch: d,
		sessions: sessions,
		br:       br,
		presence: presence,
		cfg:      cfg,
	}
}

// Stream is the server-push half. The link registers under the device, so
// inbox subscribes find it and heartbeat pongs posted to the inbox keep
// it alive.
func (h *SSEHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sess, err := h.authenticate(r)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		marshaller.WriteError(w, wire.Internal("streaming unsupported"))
		return
	}

	link := h.br.NewLink(broker.TransportSSE)
	defer h.br.Release(link)
	link.Bind(sess)
	h.br.Register(link)

	ctx := r.Context()
	go h.presence.ForwardTo(ctx, link)
	go link.Heartbeat(ctx, h.cfg.HeartbeatInterval())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // proxy buffering defeats the stream
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	h.logger.Info("sse stream ready",
		"user_id", sess.UserID,
		"device_id", sess.DeviceID,
		"link_id", link.ID(),
	)

	keepalive := time.NewTicker(h.cfg.HeartbeatInterval())
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-link.Done():
			// Flush the backlog, the close reason included.
			for {
				select {
				case f := <-link.Frames():
					if !h.writeEvent(w, fl, f) {
						return
					}
				default:
					return
				}
			}
		case <-keepalive.C:
			if _, err := w.Write(marshaller.SSEComment()); err != nil {
				return
			}
			fl.Flush()
		case f := <-link.Frames():
			if !h.writeEvent(w, fl, f) {
				return
			}
		}
	}
}

// Inbox accepts one frame per request and answers with the frame the
// socket would have sent back. Session frames need no bearer token;
// everything else does.
func (h *SSEHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.FrameByteCap)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			marshaller.WriteError(w, wire.Invalid("frame exceeds the frame byte cap"))
		} else {
			marshaller.WriteError(w, wire.Invalid("unreadable request body"))
		}
		return
	}
	f, err := wire.Decode(data)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	ctx := r.Context()

	if f.T == wire.TSessionStart || f.T == wire.TSessionResume {
		ready, _, err := h.dispatch.StartSession(ctx, f)
		if err != nil {
			marshaller.WriteError(w, wire.AsError(err))
			return
		}
		marshaller.WriteFrame(w, http.StatusOK, ready)
		return
	}

	sess, err := h.authenticate(r)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}

	// Subscription output lands on the device's live event stream.
	link, _ := h.br.Stream(sess.DeviceID, broker.TransportSSE)
	frames, err := h.dispatch.Dispatch(ctx, sess, link, f)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	if len(frames) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	marshaller.WriteFrame(w, http.StatusOK, frames[0])
}

func (h *SSEHandler) authenticate(r *http.Request) (model.Session, error) {
	// Only the advertised scheme admits; a bare token is a missing one.
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		token = ""
	}
	return h.sessions.Authenticate(r.Context(), token)
}

func (h *SSEHandler) writeEvent(w http.ResponseWriter, fl http.Flusher, f wire.Frame) bool {
	block, err := marshaller.SSEFrame(f)
	if err != nil {
		h.logger.Error("frame encode failed", "error", err, "type", f.T)
		return true
	}
	if _, err := w.Write(block); err != nil {
		return false
	}
	fl.Flush()
	return true
}
