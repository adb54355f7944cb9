package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/meshline/ds-gateway/internal/domain/model"
)

// ErrWatchCap reports that adding targets would exceed a watch bound.
var ErrWatchCap = errors.New("storage: watch cap exceeded")

// UpsertLease writes the lease row for one device. Renewals reset the
// offline latch so a later expiry emits offline exactly once.
func (s *Store) UpsertLease(ctx context.Context, lease model.PresenceLease) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence_leases
		   (device_id, user_id, status, invisible, expires_at_ms, last_renewed_ms, offline_emitted)
		 VALUES (?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT (device_id) DO UPDATE SET
		   user_id         = excluded.user_id,
		   status          = excluded.status,
		   invisible       = excluded.invisible,
		   expires_at_ms   = excluded.expires_at_ms,
		   last_renewed_ms = excluded.last_renewed_ms,
		   offline_emitted = 0`,
		lease.DeviceID, lease.UserID, lease.Status, lease.Invisible,
		lease.ExpiresAtMs, lease.LastRenewedMs)
	if err != nil {
		return fmt.Errorf("upsert lease: %w", err)
	}
	return nil
}

// Lease loads one device's lease row, expired or not.
func (s *Store) Lease(ctx context.Context, device model.DeviceID) (model.PresenceLease, bool, error) {
	var l model.PresenceLease
	err := s.db.GetContext(ctx, &l,
		`SELECT device_id, user_id, status, invisible, expires_at_ms, last_renewed_ms
		 FROM presence_leases WHERE device_id = ?`, device)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PresenceLease{}, false, nil
	}
	if err != nil {
		return model.PresenceLease{}, false, fmt.Errorf("lease lookup: %w", err)
	}
	return l, true, nil
}

// ExpiredLeases returns leases whose expiry passed and whose offline
// transition has not been announced yet, then latches them so the next
// sweep skips them. Bounded by limit per call.
func (s *Store) ExpiredLeases(ctx context.Context, nowMs int64, limit int) ([]model.PresenceLease, error) {
	var rows []model.PresenceLease
	err := s.db.SelectContext(ctx, &rows,
		`SELECT device_id, user_id, status, invisible, expires_at_ms, last_renewed_ms
		 FROM presence_leases
		 WHERE expires_at_ms <= ? AND offline_emitted = 0
		 ORDER BY expires_at_ms ASC
		 LIMIT ?`, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("expired leases: %w", err)
	}
	for _, l := range rows {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE presence_leases SET offline_emitted = 1
			 WHERE device_id = ? AND expires_at_ms = ?`, l.DeviceID, l.ExpiresAtMs); err != nil {
			return nil, fmt.Errorf("latch offline: %w", err)
		}
	}
	return rows, nil
}

// UserPresence aggregates a user's live leases: the freshest unexpired
// lease wins; an all-expired user is offline with the newest renewal as
// the last-seen base.
func (s *Store) UserPresence(ctx context.Context, user model.UserID, nowMs int64) (model.PresenceLease, bool, error) {
	var l model.PresenceLease
	err := s.db.GetContext(ctx, &l,
		`SELECT device_id, user_id, status, invisible, expires_at_ms, last_renewed_ms
		 FROM presence_leases
		 WHERE user_id = ?
		 ORDER BY (expires_at_ms > ?) DESC, last_renewed_ms DESC
		 LIMIT 1`, user, nowMs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PresenceLease{}, false, nil
	}
	if err != nil {
		return model.PresenceLease{}, false, fmt.Errorf("user presence: %w", err)
	}
	return l, true, nil
}

// --- WATCHLISTS ---

// AddWatches inserts watch edges atomically, enforcing both the
// per-watcher and the per-target bound. Existing edges do not count twice.
func (s *Store) AddWatches(ctx context.Context, watcher model.UserID, targets []model.UserID, watchCap int) error {
	now := nowMs()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, target := range targets {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO watchlists (watcher_id, target_id, created_at_ms)
				 VALUES (?, ?, ?)
				 ON CONFLICT (watcher_id, target_id) DO NOTHING`, watcher, target, now); err != nil {
				return fmt.Errorf("add watch: %w", err)
			}
		}
		var outbound int
		if err := tx.GetContext(ctx, &outbound,
			`SELECT COUNT(*) FROM watchlists WHERE watcher_id = ?`, watcher); err != nil {
			return fmt.Errorf("watch count: %w", err)
		}
		if outbound > watchCap {
			return ErrWatchCap
		}
		for _, target := range targets {
			var inbound int
			if err := tx.GetContext(ctx, &inbound,
				`SELECT COUNT(*) FROM watchlists WHERE target_id = ?`, target); err != nil {
				return fmt.Errorf("watcher count: %w", err)
			}
			if inbound > watchCap {
				return ErrWatchCap
			}
		}
		return nil
	})
}

// RemoveWatches deletes watch edges; unknown targets are ignored.
func (s *Store) RemoveWatches(ctx context.Context, watcher model.UserID, targets []model.UserID) error {
	for _, target := range targets {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM watchlists WHERE watcher_id = ? AND target_id = ?`, watcher, target); err != nil {
			return fmt.Errorf("remove watch: %w", err)
		}
	}
	return nil
}

// Watchers returns users watching the target.
func (s *Store) Watchers(ctx context.Context, target model.UserID) ([]model.UserID, error) {
	var out []model.UserID
	err := s.db.SelectContext(ctx, &out,
		`SELECT watcher_id FROM watchlists WHERE target_id = ? ORDER BY watcher_id`, target)
	if err != nil {
		return nil, fmt.Errorf("watchers: %w", err)
	}
	return out, nil
}

// Watches reports whether watcher has an edge to target.
func (s *Store) Watches(ctx context.Context, watcher, target model.UserID) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one,
		`SELECT 1 FROM watchlists WHERE watcher_id = ? AND target_id = ?`, watcher, target)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("watch lookup: %w", err)
	}
	return true, nil
}

// MutualWatchers returns watchers of target that target watches back, the
// eligible audience for presence updates.
func (s *Store) MutualWatchers(ctx context.Context, target model.UserID) ([]model.UserID, error) {
	var out []model.UserID
	err := s.db.SelectContext(ctx, &out,
		`SELECT w.watcher_id
		 FROM watchlists w
		 JOIN watchlists back
		   ON back.watcher_id = ? AND back.target_id = w.watcher_id
		 WHERE w.target_id = ?
		 ORDER BY w.watcher_id`, target, target)
	if err != nil {
		return nil, fmt.Errorf("mutual watchers: %w", err)
	}
	return out, nil
}

// --- INVISIBLE ALLOWLIST ---

// SetPresenceAllowlist replaces the explicit allowlist that pierces
// invisible mode.
func (s *Store) SetPresenceAllowlist(ctx context.Context, user model.UserID, allowed []model.UserID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM presence_allow WHERE user_id = ?`, user); err != nil {
		return fmt.Errorf("clear allowlist: %w", err)
	}
	for _, a := range allowed {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO presence_allow (user_id, allowed_id) VALUES (?, ?)
			 ON CONFLICT (user_id, allowed_id) DO NOTHING`, user, a); err != nil {
			return fmt.Errorf("add allowlist: %w", err)
		}
	}
	return nil
}

// PresenceAllowlist lists users allowed to see through invisible mode.
func (s *Store) PresenceAllowlist(ctx context.Context, user model.UserID) ([]model.UserID, error) {
	var out []model.UserID
	err := s.db.SelectContext(ctx, &out,
		`SELECT allowed_id FROM presence_allow WHERE user_id = ? ORDER BY allowed_id`, user)
	if err != nil {
		return nil, fmt.Errorf("allowlist: %w", err)
	}
	return out, nil
}

// --- BLOCKLISTS ---

// Block records that blocker refuses DMs involving blocked.
func (s *Store) Block(ctx context.Context, blocker, blocked model.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blocklists (blocker_id, blocked_id, created_at_ms)
		 VALUES (?, ?, ?)
		 ON CONFLICT (blocker_id, blocked_id) DO NOTHING`, blocker, blocked, nowMs())
	if err != nil {
		return fmt.Errorf("block: %w", err)
	}
	return nil
}

// Unblock removes the edge; unblocking a non-blocked user is a no-op.
func (s *Store) Unblock(ctx context.Context, blocker, blocked model.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM blocklists WHERE blocker_id = ? AND blocked_id = ?`, blocker, blocked)
	if err != nil {
		return fmt.Errorf("unblock: %w", err)
	}
	return nil
}

// Blocked reports whether either side blocks the other.
func (s *Store) Blocked(ctx context.Context, a, b model.UserID) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one,
		`SELECT 1 FROM blocklists
		 WHERE (blocker_id = ? AND blocked_id = ?)
		    OR (blocker_id = ? AND blocked_id = ?)
		 LIMIT 1`, a, b, b, a)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("block lookup: %w", err)
	}
	return true, nil
}
