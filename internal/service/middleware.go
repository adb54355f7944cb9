package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/meshline/ds-gateway/internal/broker"
	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
)

// conversationMiddleware implements [DECORATOR_PATTERN] to add
// observability to the conversation path without touching business logic.
// Identifiers are logged; envelope bytes and tokens never are.
type conversationMiddleware struct {
	next   Conversations
	logger *slog.Logger
}

// NewConversationMiddleware creates a new logging decorator for the
// conversation service.
func NewConversationMiddleware(next Conversations, logger *slog.Logger) Conversations {
	return &conversationMiddleware{
		next:   next,
		logger: logger,
	}
}

func (m *conversationMiddleware) Send(ctx context.Context, sess model.Session, req wire.ConvSend) (wire.ConvAcked, error) {
	start := time.Now()

	acked, err := m.next.Send(ctx, sess, req)

	// [OBSERVABILITY] Scoped logging for admission auditing
	duration := time.Since(start)

	if err != nil {
		m.logger.Warn("SEND_REJECTED",
			"err", err,
			"conv_id", req.ConvID,
			"device_id", sess.DeviceID,
			"duration_ms", duration.Milliseconds(),
		)
	} else {
		m.logger.Debug("SEND_ACCEPTED",
			"conv_id", acked.ConvID,
			"seq", acked.Seq,
			"duration_ms", duration.Milliseconds(),
		)
	}

	return acked, err
}

func (m *conversationMiddleware) Subscribe(ctx context.Context, sess model.Session, link *broker.Link, req wire.ConvSubscribe) error {
	start := time.Now()

	err := m.next.Subscribe(ctx, sess, link, req)
	if err != nil {
		m.logger.Warn("SUBSCRIBE_REJECTED",
			"err", err,
			"conv_id", req.ConvID,
			"device_id", sess.DeviceID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	return err
}

func (m *conversationMiddleware) Ack(ctx context.Context, sess model.Session, req wire.ConvAck) error {
	return m.next.Ack(ctx, sess, req)
}

func (m *conversationMiddleware) Create(ctx context.Context, sess model.Session, req CreateConvRequest) (ConvSummary, error) {
	start := time.Now()

	sum, err := m.next.Create(ctx, sess, req)
	if err != nil {
		m.logger.Warn("CONV_CREATE_REJECTED",
			"err", err,
			"kind", req.Kind,
			"device_id", sess.DeviceID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		m.logger.Info("CONV_CREATED",
			"conv_id", sum.ConvID,
			"kind", sum.Kind,
			"members", sum.Members,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	return sum, err
}

func (m *conversationMiddleware) UpdateMembers(ctx context.Context, sess model.Session, req UpdateMembersRequest) (ConvSummary, error) {
	start := time.Now()

	sum, err := m.next.UpdateMembers(ctx, sess, req)
	if err != nil {
		m.logger.Warn("MEMBER_UPDATE_REJECTED",
			"err", err,
			"conv_id", req.ConvID,
			"device_id", sess.DeviceID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		m.logger.Info("MEMBERS_UPDATED",
			"conv_id", sum.ConvID,
			"added", len(req.Add),
			"removed", len(req.Remove),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	return sum, err
}

func (m *conversationMiddleware) UpdateBlocklist(ctx context.Context, sess model.Session, req BlocklistRequest) error {
	return m.next.UpdateBlocklist(ctx, sess, req)
}
