package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/meshline/ds-gateway/internal/domain/model"
)

// ErrNoSession reports a token that matches no live session row.
var ErrNoSession = errors.New("storage: no such session")

// InsertSession persists a freshly minted session.
func (s *Store) InsertSession(ctx context.Context, sess model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_token, resume_token, device_id, user_id,
		                       created_at_ms, expires_at_ms, revoked_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		sess.SessionToken, sess.ResumeToken, sess.DeviceID, sess.UserID,
		sess.CreatedAtMs, sess.ExpiresAtMs)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// SessionByToken loads the session a bearer token names, live or not;
// callers decide how dead sessions surface.
func (s *Store) SessionByToken(ctx context.Context, token string) (model.Session, error) {
	return s.sessionBy(ctx, `session_token`, token)
}

// SessionByResumeToken loads the session owning a resume token.
func (s *Store) SessionByResumeToken(ctx context.Context, token string) (model.Session, error) {
	return s.sessionBy(ctx, `resume_token`, token)
}

func (s *Store) sessionBy(ctx context.Context, column, token string) (model.Session, error) {
	var sess model.Session
	err := s.db.GetContext(ctx, &sess,
		`SELECT session_token, resume_token, device_id, user_id,
		        created_at_ms, expires_at_ms, revoked_at_ms
		 FROM sessions WHERE `+column+` = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNoSession
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("session lookup: %w", err)
	}
	return sess, nil
}

// RotateResumeToken makes resume single-use: the old token row gets the
// fresh token in one guarded update. A zero-row update means the old token
// lost a race or was revoked meanwhile.
func (s *Store) RotateResumeToken(ctx context.Context, oldToken, newToken string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET resume_token = ?
		 WHERE resume_token = ? AND revoked_at_ms = 0`, newToken, oldToken)
	if err != nil {
		return fmt.Errorf("rotate resume token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotate resume token: %w", err)
	}
	if n == 0 {
		return ErrNoSession
	}
	return nil
}

// RevokeSession tombstones one session by its bearer token.
func (s *Store) RevokeSession(ctx context.Context, token string) error {
	n, err := s.revokeWhere(ctx, `session_token = ?`, token)
	if err == nil && n == 0 {
		return ErrNoSession
	}
	return err
}

// RevokeDeviceSessions tombstones every live session of a device.
func (s *Store) RevokeDeviceSessions(ctx context.Context, device model.DeviceID) error {
	n, err := s.revokeWhere(ctx, `device_id = ?`, string(device))
	if err == nil && n == 0 {
		return ErrNoSession
	}
	return err
}

// RevokeUserSessions implements logout_all. Revoking a user with no live
// sessions is a vacuous success.
func (s *Store) RevokeUserSessions(ctx context.Context, user model.UserID) (int64, error) {
	return s.revokeWhere(ctx, `user_id = ?`, string(user))
}

func (s *Store) revokeWhere(ctx context.Context, where, arg string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at_ms = ?
		 WHERE `+where+` AND revoked_at_ms = 0`, nowMs(), arg)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UserSessions lists sessions of a user, newest first, for /v1/session/list.
func (s *Store) UserSessions(ctx context.Context, user model.UserID) ([]model.Session, error) {
	var sessions []model.Session
	err := s.db.SelectContext(ctx, &sessions,
		`SELECT session_token, resume_token, device_id, user_id,
		        created_at_ms, expires_at_ms, revoked_at_ms
		 FROM sessions WHERE user_id = ? ORDER BY created_at_ms DESC`, user)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// LiveSessionCount is used by the stats surface.
func (s *Store) LiveSessionCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sessions WHERE revoked_at_ms = 0 AND expires_at_ms > ?`, nowMs())
	if err != nil {
		return 0, fmt.Errorf("live session count: %w", err)
	}
	return n, nil
}

// PurgeDeadSessions drops tombstoned and long-expired rows past the grace
// window so the table does not grow without bound.
func (s *Store) PurgeDeadSessions(ctx context.Context, beforeMs int64) (int64, error) {
	var pruned int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM sessions
			 WHERE (revoked_at_ms > 0 AND revoked_at_ms < ?)
			    OR (expires_at_ms < ?)`, beforeMs, beforeMs)
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	return pruned, err
}
