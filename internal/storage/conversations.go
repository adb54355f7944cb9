package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/meshline/ds-gateway/internal/domain/model"
)

// ErrConvExists reports a create against an id that is already taken.
var ErrConvExists = errors.New("storage: conversation exists")

// CreateConversation inserts the conversation, its member set and the seq
// counter in one transaction. The creator must appear in members.
func (s *Store) CreateConversation(ctx context.Context, conv model.Conversation, members []model.Member) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (conv_id, kind, home, creator, created_at_ms)
			 VALUES (?, ?, ?, ?, ?)`,
			conv.ID, conv.Kind, conv.Home, conv.Creator, conv.CreatedAtMs); err != nil {
			if isConstraint(err) {
				return ErrConvExists
			}
			return fmt.Errorf("insert conversation: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conv_seq (conv_id, next_seq) VALUES (?, 1)`, conv.ID); err != nil {
			return fmt.Errorf("seed counter: %w", err)
		}
		for _, m := range members {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO conv_members (conv_id, device_id, user_id, role, added_ms)
				 VALUES (?, ?, ?, ?, ?)`,
				conv.ID, m.DeviceID, m.UserID, m.Role, m.AddedMs); err != nil {
				return fmt.Errorf("insert member: %w", err)
			}
		}
		return nil
	})
}

// Conversation loads one conversation header.
func (s *Store) Conversation(ctx context.Context, id model.ConvID) (model.Conversation, error) {
	var c model.Conversation
	err := s.db.GetContext(ctx, &c,
		`SELECT conv_id, kind, home, creator, created_at_ms
		 FROM conversations WHERE conv_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, ErrUnknownConv
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	return c, nil
}

// Members returns the full member set ordered by join time.
func (s *Store) Members(ctx context.Context, id model.ConvID) ([]model.Member, error) {
	var members []model.Member
	err := s.db.SelectContext(ctx, &members,
		`SELECT conv_id, device_id, user_id, role, added_ms
		 FROM conv_members WHERE conv_id = ? ORDER BY added_ms, device_id`, id)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	return members, nil
}

// Membership resolves one device's member row, if any.
func (s *Store) Membership(ctx context.Context, id model.ConvID, device model.DeviceID) (model.Member, bool, error) {
	var m model.Member
	err := s.db.GetContext(ctx, &m,
		`SELECT conv_id, device_id, user_id, role, added_ms
		 FROM conv_members WHERE conv_id = ? AND device_id = ?`, id, device)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Member{}, false, nil
	}
	if err != nil {
		return model.Member{}, false, fmt.Errorf("membership lookup: %w", err)
	}
	return m, true, nil
}

// AddMembers inserts members, ignoring devices that are already present.
func (s *Store) AddMembers(ctx context.Context, id model.ConvID, members []model.Member) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range members {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO conv_members (conv_id, device_id, user_id, role, added_ms)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (conv_id, device_id) DO NOTHING`,
				id, m.DeviceID, m.UserID, m.Role, m.AddedMs); err != nil {
				return fmt.Errorf("add member: %w", err)
			}
		}
		return nil
	})
}

// RemoveMembers deletes the listed devices from the member set.
func (s *Store) RemoveMembers(ctx context.Context, id model.ConvID, devices []model.DeviceID) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, d := range devices {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM conv_members WHERE conv_id = ? AND device_id = ?`, id, d); err != nil {
				return fmt.Errorf("remove member: %w", err)
			}
		}
		return nil
	})
}

// DeviceConversations lists conversation ids the device belongs to.
func (s *Store) DeviceConversations(ctx context.Context, device model.DeviceID) ([]model.ConvID, error) {
	var ids []model.ConvID
	err := s.db.SelectContext(ctx, &ids,
		`SELECT conv_id FROM conv_members WHERE device_id = ? ORDER BY conv_id`, device)
	if err != nil {
		return nil, fmt.Errorf("device conversations: %w", err)
	}
	return ids, nil
}

// ConversationCount is used by the stats surface.
func (s *Store) ConversationCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM conversations`); err != nil {
		return 0, fmt.Errorf("conversation count: %w", err)
	}
	return n, nil
}
