// Package ws carries the realtime socket. One goroutine reads, one
// writes; the link's queue sits between them and every other producer,
// so outbound frames never interleave mid-write.
package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/broker"
	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
	"github.com/meshline/ds-gateway/internal/handler/dispatch"
	"github.com/meshline/ds-gateway/internal/ratelimit"
	"github.com/meshline/ds-gateway/internal/service"
)

// writeWait bounds a single frame write before the connection is deemed dead.
const writeWait = 10 * time.Second

type WSHandler struct {
	logger   *slog.Logger
	dispatch *dispatch.Dispatcher
	br       *broker.Broker
	presence service.Presence
	limiter  *ratelimit.Limiter
	cfg      *config.Config
	upgrader websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, d *dispatch.Dispatcher, br *broker.Broker, presence service.Presence, limiter *ratelimit.Limiter, cfg *config.Config) *WSHandler {
	return &WSHandler{
		logger:   logger,
		dispatch: d,
		br:       br,
		presence: presence,
		limiter:  limiter,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Session tokens carry the auth; there is no ambient
			// credential for a foreign origin to ride on.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}

	// The link starts AUTH_PENDING: until a session frame lands, the only
	// accepted input is session.start or session.resume.
	link := h.br.NewLink(broker.TransportWS)
	go h.writePump(conn, link)
	h.readPump(r, conn, link)
}

// readPump owns the inbound side and the link lifecycle. It returns when
// the connection dies, the link closes, or a fatal protocol error lands.
func (h *WSHandler) readPump(r *http.Request, conn *websocket.Conn, link *broker.Link) {
	defer h.br.Release(link)

	ctx := r.Context()
	conn.SetReadLimit(h.cfg.FrameByteCap)
	budget := h.limiter.FrameBudget()

	authed := false
	var sess model.Session
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !budget.Allow() {
			// Inbound flooding sheds the frame, not the link.
			link.Push(wire.ErrorFrame("", wire.NewError(wire.CodeRateLimited, "frame budget exceeded")))
			continue
		}
		f, err := wire.Decode(data)
		if err != nil {
			if h.reject(link, "", err) {
				return
			}
			continue
		}

		if !authed {
			ready, s, err := h.dispatch.StartSession(ctx, f)
			if err != nil {
				if h.reject(link, f.ID, err) {
					return
				}
				continue
			}
			link.Bind(s)
			h.br.Register(link)
			if !link.Deliver(ready) {
				return
			}
			sess = s
			authed = true

			go h.presence.ForwardTo(ctx, link)
			go link.Heartbeat(ctx, h.cfg.HeartbeatInterval())

			h.logger.Info("ws session ready",
				"user_id", sess.UserID,
				"device_id", sess.DeviceID,
				"link_id", link.ID(),
			)
			continue
		}

		frames, err := h.dispatch.Dispatch(ctx, sess, link, f)
		if err != nil {
			if h.reject(link, f.ID, err) {
				return
			}
			continue
		}
		for _, rf := range frames {
			if !link.Deliver(rf) {
				return
			}
		}
	}
}

// reject queues the coded error; true means the failure was fatal and the
// link is now closing.
func (h *WSHandler) reject(link *broker.Link, id string, err error) bool {
	e := wire.AsError(err)
	if e.Fatal() {
		link.Close(e) // Close enqueues the reason for the write pump
		return true
	}
	link.Deliver(wire.ErrorFrame(id, e))
	return false
}

// writePump is the connection's single writer. It drains the link queue
// and, once the link enters teardown, flushes the backlog before sending
// the websocket close message.
func (h *WSHandler) writePump(conn *websocket.Conn, link *broker.Link) {
	defer conn.Close()
	for {
		select {
		case f := <-link.Frames():
			if !h.write(conn, f) {
				link.Close(nil)
				return
			}
		case <-link.Done():
			for {
				select {
				case f := <-link.Frames():
					if !h.write(conn, f) {
						return
					}
				default:
					deadline := time.Now().Add(writeWait)
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(closeCode(link.CloseReason()), ""), deadline)
					return
				}
			}
		}
	}
}

func (h *WSHandler) write(conn *websocket.Conn, f wire.Frame) bool {
	data, err := f.Encode()
	if err != nil {
		h.logger.Error("frame encode failed", "error", err, "type", f.T)
		return true // skip the frame, keep the connection
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

// closeCode maps the teardown reason onto a websocket close code.
func closeCode(e *wire.Error) int {
	if e == nil {
		return websocket.CloseNormalClosure
	}
	switch e.Code {
	case wire.CodeUnauthorized, wire.CodeResumeFailed:
		return websocket.ClosePolicyViolation
	case wire.CodeInternal:
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseNormalClosure
	}
}
