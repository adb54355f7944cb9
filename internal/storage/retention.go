package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meshline/ds-gateway/internal/domain/model"
)

// RetentionPolicy mirrors the retention knobs. Zero values disable the
// corresponding cap.
type RetentionPolicy struct {
	MaxEventsPerConv int64
	MaxAge           time.Duration
	CursorStaleAfter time.Duration
	// Hard enforces the caps regardless of cursor state. In SAFE mode
	// (Hard false) the floor below never prunes what an active cursor
	// still needs.
	Hard bool
}

type convBounds struct {
	ConvID   model.ConvID `db:"conv_id"`
	Earliest int64        `db:"earliest"`
	Latest   int64        `db:"latest"`
	Count    int64        `db:"cnt"`
}

// PruneEvents applies the policy to every conversation with retained
// events, deleting at most deleteLimit rows per conversation per call.
// Each conversation prunes in its own short transaction so sweeps never
// hold locks across the whole pass.
func (s *Store) PruneEvents(ctx context.Context, policy RetentionPolicy, now time.Time, deleteLimit int) (int64, error) {
	if policy.MaxEventsPerConv <= 0 && policy.MaxAge <= 0 {
		return 0, nil
	}

	var bounds []convBounds
	if err := s.db.SelectContext(ctx, &bounds,
		`SELECT conv_id, MIN(seq) AS earliest, MAX(seq) AS latest, COUNT(*) AS cnt
		 FROM conv_events GROUP BY conv_id`); err != nil {
		return 0, fmt.Errorf("retention scan: %w", err)
	}

	var pruned int64
	for _, b := range bounds {
		n, err := s.pruneConv(ctx, policy, now, b, deleteLimit)
		if err != nil {
			return pruned, err
		}
		pruned += n
	}
	return pruned, nil
}

func (s *Store) pruneConv(ctx context.Context, policy RetentionPolicy, now time.Time, b convBounds, deleteLimit int) (int64, error) {
	var pruneUpTo int64

	if policy.MaxEventsPerConv > 0 && b.Count > policy.MaxEventsPerConv {
		pruneUpTo = b.Latest - policy.MaxEventsPerConv
	}

	if policy.MaxAge > 0 {
		cutoff := now.Add(-policy.MaxAge).UnixMilli()
		var aged int64
		if err := s.db.GetContext(ctx, &aged,
			`SELECT COALESCE(MAX(seq), 0) FROM conv_events
			 WHERE conv_id = ? AND ts_ms < ?`, b.ConvID, cutoff); err != nil {
			return 0, fmt.Errorf("age scan: %w", err)
		}
		if aged > pruneUpTo {
			pruneUpTo = aged
		}
	}

	if !policy.Hard {
		floor, err := s.safeFloor(ctx, b.ConvID, policy.CursorStaleAfter, now)
		if err != nil {
			return 0, err
		}
		// Events with seq >= floor-1 must survive SAFE pruning.
		if floor > 0 && pruneUpTo > floor-2 {
			pruneUpTo = floor - 2
		}
	}

	if pruneUpTo < b.Earliest {
		return 0, nil
	}

	var pruned int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM conv_events
			 WHERE conv_id = ? AND seq IN (
			   SELECT seq FROM conv_events
			   WHERE conv_id = ? AND seq <= ?
			   ORDER BY seq ASC LIMIT ?)`,
			b.ConvID, b.ConvID, pruneUpTo, deleteLimit)
		if err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	return pruned, err
}

// safeFloor is min(next_seq) over the conversation's active cursors, or 0
// when no cursor is active. A stale window of 0 counts every cursor.
func (s *Store) safeFloor(ctx context.Context, conv model.ConvID, staleAfter time.Duration, now time.Time) (int64, error) {
	query := `SELECT COALESCE(MIN(next_seq), 0) FROM cursors WHERE conv_id = ?`
	args := []any{conv}
	if staleAfter > 0 {
		query += ` AND updated_at_ms >= ?`
		args = append(args, now.Add(-staleAfter).UnixMilli())
	}
	var floor int64
	if err := s.db.GetContext(ctx, &floor, query, args...); err != nil {
		return 0, fmt.Errorf("cursor floor: %w", err)
	}
	return floor, nil
}
