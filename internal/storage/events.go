package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/meshline/ds-gateway/internal/domain/model"
)

// ErrUnknownConv reports a write against a conversation that was never
// created on this gateway.
var ErrUnknownConv = errors.New("storage: unknown conversation")

// AppendEvent is the atomic allocate-and-insert at the heart of ordering.
// Within one immediate transaction it either observes an existing
// (conv_id, msg_id) row and returns its seq as a duplicate, or allocates
// next_seq, inserts the event and bumps the counter by exactly one.
// The caller serializes appends per conv_id; the transaction is the
// backstop, not the lane.
func (s *Store) AppendEvent(ctx context.Context, conv model.ConvID, msgID string, env []byte, tsMs int64) (model.AppendResult, error) {
	var res model.AppendResult

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var prior uint64
		err := tx.GetContext(ctx, &prior,
			`SELECT seq FROM conv_events WHERE conv_id = ? AND msg_id = ?`, conv, msgID)
		switch {
		case err == nil:
			res = model.AppendResult{Seq: prior, Duplicate: true}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("idempotency lookup: %w", err)
		}

		var exists int
		if err := tx.GetContext(ctx, &exists,
			`SELECT 1 FROM conversations WHERE conv_id = ?`, conv); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrUnknownConv
			}
			return fmt.Errorf("conversation lookup: %w", err)
		}

		// First send on a conversation seeds the counter at 1.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conv_seq (conv_id, next_seq) VALUES (?, 1)
			 ON CONFLICT (conv_id) DO NOTHING`, conv); err != nil {
			return fmt.Errorf("seed counter: %w", err)
		}

		var seq uint64
		if err := tx.GetContext(ctx, &seq,
			`SELECT next_seq FROM conv_seq WHERE conv_id = ?`, conv); err != nil {
			return fmt.Errorf("read counter: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conv_events (conv_id, seq, msg_id, env, ts_ms, origin_gateway)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			conv, seq, msgID, env, tsMs, s.gatewayID); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE conv_seq SET next_seq = next_seq + 1 WHERE conv_id = ?`, conv); err != nil {
			return fmt.Errorf("bump counter: %w", err)
		}

		res = model.AppendResult{Seq: seq}
		return nil
	})
	if err != nil {
		return model.AppendResult{}, err
	}
	return res, nil
}

// ReplayEvents returns up to limit retained events with seq >= fromSeq in
// ascending order. Callers page through by advancing fromSeq past the last
// row of the previous batch.
func (s *Store) ReplayEvents(ctx context.Context, conv model.ConvID, fromSeq uint64, limit int) ([]model.Event, error) {
	events := make([]model.Event, 0, limit)
	err := s.db.SelectContext(ctx, &events,
		`SELECT conv_id, seq, msg_id, env, ts_ms, origin_gateway
		 FROM conv_events
		 WHERE conv_id = ? AND seq >= ?
		 ORDER BY seq ASC
		 LIMIT ?`, conv, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("replay query: %w", err)
	}
	return events, nil
}

// Window describes what is currently replayable for one conversation.
// Earliest/Latest are the retained bounds (0/0 when nothing is retained);
// NextSeq is the counter value the next insert will take.
type Window struct {
	Earliest uint64 `db:"earliest"`
	Latest   uint64 `db:"latest"`
	NextSeq  uint64 `db:"next_seq"`
}

// ReplayWindow reports the retained bounds used for replay-window errors.
func (s *Store) ReplayWindow(ctx context.Context, conv model.ConvID) (Window, error) {
	var w Window
	err := s.db.GetContext(ctx, &w,
		`SELECT COALESCE(MIN(e.seq), 0) AS earliest,
		        COALESCE(MAX(e.seq), 0) AS latest,
		        COALESCE((SELECT next_seq FROM conv_seq WHERE conv_id = ?), 1) AS next_seq
		 FROM conv_events e WHERE e.conv_id = ?`, conv, conv)
	if err != nil {
		return Window{}, fmt.Errorf("window query: %w", err)
	}
	return w, nil
}

// Contains reports whether fromSeq can be served without a gap: either it
// falls inside the retained range or it points at/after the next unwritten
// sequence.
func (w Window) Contains(fromSeq uint64) bool {
	if w.Earliest == 0 && w.Latest == 0 {
		// Nothing retained. Serving is gapless only from the counter on.
		return fromSeq >= w.NextSeq
	}
	return fromSeq >= w.Earliest
}

// EventCount is used by the stats surface.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM conv_events`); err != nil {
		return 0, fmt.Errorf("event count: %w", err)
	}
	return n, nil
}
