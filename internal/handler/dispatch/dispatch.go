// Package dispatch maps decoded frames onto service operations. Every
// transport funnels through it, so the socket and the inbox endpoint
// cannot drift apart in semantics.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/meshline/ds-gateway/internal/broker"
	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
	"github.com/meshline/ds-gateway/internal/service"
)

type Dispatcher struct {
	sessions service.Sessions
	convs    service.Conversations
	log      *slog.Logger
}

func New(sessions service.Sessions, convs service.Conversations, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		convs:    convs,
		log:      log.With(slog.String("component", "dispatch")),
	}
}

// StartSession handles the two frame types a link may send before it is
// authenticated. On success it returns the ready frame correlated to the
// request and the session to bind.
func (d *Dispatcher) StartSession(ctx context.Context, f wire.Frame) (wire.Frame, model.Session, error) {
	var (
		ready wire.SessionReady
		sess  model.Session
		err   error
	)
	switch f.T {
	case wire.TSessionStart:
		var body wire.SessionStart
		if body, err = wire.DecodeBody[wire.SessionStart](f); err == nil {
			ready, sess, err = d.sessions.Start(ctx, body)
		}
	case wire.TSessionResume:
		var body wire.SessionResume
		if body, err = wire.DecodeBody[wire.SessionResume](f); err == nil {
			ready, sess, err = d.sessions.Resume(ctx, body)
		}
	default:
		// Anything else before authentication is a protocol violation.
		return wire.Frame{}, model.Session{}, wire.Unauthorized("session must be established first")
	}
	if err != nil {
		return wire.Frame{}, model.Session{}, err
	}
	frame, err := wire.NewFrame(wire.TSessionReady, f.ID, ready)
	if err != nil {
		return wire.Frame{}, model.Session{}, err
	}
	return frame, sess, nil
}

// Dispatch handles one post-auth frame. The returned frames go back to
// the client in order; an empty slice means the frame produced no direct
// response (events arrive through the link's subscriptions instead).
func (d *Dispatcher) Dispatch(ctx context.Context, sess model.Session, link *broker.Link, f wire.Frame) ([]wire.Frame, error) {
	switch f.T {
	case wire.TConvSend:
		body, err := wire.DecodeBody[wire.ConvSend](f)
		if err != nil {
			return nil, err
		}
		acked, err := d.convs.Send(ctx, sess, body)
		if err != nil {
			return nil, err
		}
		frame, err := wire.NewFrame(wire.TConvAcked, f.ID, acked)
		if err != nil {
			return nil, err
		}
		return []wire.Frame{frame}, nil

	case wire.TConvSubscribe:
		body, err := wire.DecodeBody[wire.ConvSubscribe](f)
		if err != nil {
			return nil, err
		}
		// No subscribe ack; the replayed events are the confirmation.
		return nil, d.convs.Subscribe(ctx, sess, link, body)

	case wire.TConvAck:
		body, err := wire.DecodeBody[wire.ConvAck](f)
		if err != nil {
			return nil, err
		}
		return nil, d.convs.Ack(ctx, sess, body)

	case wire.TPing:
		pong, err := wire.NewFrame(wire.TPong, f.ID, nil)
		if err != nil {
			return nil, err
		}
		return []wire.Frame{pong}, nil

	case wire.TPong:
		if link != nil {
			link.HandlePong(f.ID)
		}
		return nil, nil

	case wire.TSessionStart, wire.TSessionResume:
		return nil, wire.Invalid("session already established")

	default:
		d.log.Debug("unknown frame type", slog.String("type", f.T))
		return nil, wire.Invalid("unknown frame type")
	}
}
