package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meshline/ds-gateway/internal/domain/model"
)

// AckCursor advances the read position: next_seq := max(stored, seq+1).
// The MAX in the upsert makes a repeated or stale ack a no-op, so cursors
// never regress no matter how retries interleave.
func (s *Store) AckCursor(ctx context.Context, device model.DeviceID, conv model.ConvID, seq uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (device_id, conv_id, next_seq, updated_at_ms)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (device_id, conv_id) DO UPDATE SET
		   next_seq      = MAX(cursors.next_seq, excluded.next_seq),
		   updated_at_ms = excluded.updated_at_ms`,
		device, conv, seq+1, nowMs())
	if err != nil {
		return fmt.Errorf("ack cursor: %w", err)
	}
	return nil
}

// Cursor returns the stored next_seq for (device, conv). Missing rows
// default to 1, the implicit start of every conversation.
func (s *Store) Cursor(ctx context.Context, device model.DeviceID, conv model.ConvID) (uint64, error) {
	var next uint64
	err := s.db.GetContext(ctx, &next,
		`SELECT next_seq FROM cursors WHERE device_id = ? AND conv_id = ?`, device, conv)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cursor lookup: %w", err)
	}
	return next, nil
}

// DeviceCursors snapshots every stored cursor of the device for the
// session.ready payload.
func (s *Store) DeviceCursors(ctx context.Context, device model.DeviceID) ([]model.Cursor, error) {
	var cursors []model.Cursor
	err := s.db.SelectContext(ctx, &cursors,
		`SELECT device_id, conv_id, next_seq, updated_at_ms
		 FROM cursors WHERE device_id = ? ORDER BY conv_id`, device)
	if err != nil {
		return nil, fmt.Errorf("cursor snapshot: %w", err)
	}
	return cursors, nil
}
