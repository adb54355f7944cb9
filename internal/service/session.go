// Package service holds the gateway's application services: the admission
// and lifecycle logic between the transport handlers and the broker/storage
// core. Handlers translate bytes to frames; services decide.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/auth"
	"github.com/meshline/ds-gateway/internal/broker"
	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
	"github.com/meshline/ds-gateway/internal/storage"
)

// SessionInfo is the redacted listing row for /v1/session/list. Tokens
// never appear here; a session is identified to its owner by device.
type SessionInfo struct {
	DeviceID  string `json:"device_id"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	RevokedAt int64  `json:"revoked_at,omitempty"`
	Current   bool   `json:"current,omitempty"`
}

// [SESSION_SERVICE] PRIMARY INTERFACE FOR TRANSPORT AUTHENTICATION
type Sessions interface {
	// Start admits a device using an identity-layer token and mints the
	// session and resume capabilities.
	Start(ctx context.Context, req wire.SessionStart) (wire.SessionReady, model.Session, error)
	// Resume exchanges a single-use resume token for the running session
	// plus a freshly rotated resume token.
	Resume(ctx context.Context, req wire.SessionResume) (wire.SessionReady, model.Session, error)
	// Authenticate resolves a bearer session token to its live session.
	Authenticate(ctx context.Context, token string) (model.Session, error)
	// List enumerates the caller's sessions across devices.
	List(ctx context.Context, sess model.Session) ([]SessionInfo, error)
	// Revoke tombstones the calling session, or every session of one of
	// the caller's devices when device is non-empty.
	Revoke(ctx context.Context, sess model.Session, device model.DeviceID) error
	// LogoutAll revokes every session of the calling user and reports how
	// many were live.
	LogoutAll(ctx context.Context, sess model.Session) (int64, error)
}

// [IMPLEMENTATION] PRIVATE TO ENFORCE INTERFACE USAGE
type SessionService struct {
	store    *storage.Store
	verifier *auth.Verifier
	br       *broker.Broker
	ttl      time.Duration
}

// NewSessionService returns a production-ready instance of the service.
func NewSessionService(store *storage.Store, verifier *auth.Verifier, br *broker.Broker, cfg *config.Config) *SessionService {
	return &SessionService{
		store:    store,
		verifier: verifier,
		br:       br,
		ttl:      cfg.SessionTTL(),
	}
}

func (s *SessionService) Start(ctx context.Context, req wire.SessionStart) (wire.SessionReady, model.Session, error) {
	now := time.Now()

	claims, err := s.verifier.Verify(req.AuthToken, now)
	if err != nil {
		return wire.SessionReady{}, model.Session{}, err
	}
	// [CLAIM_PIN] an explicit device_id must agree with the admission
	// token; the credential itself is opaque to the gateway.
	if req.DeviceID != "" && req.DeviceID != string(claims.DeviceID) {
		return wire.SessionReady{}, model.Session{}, wire.Unauthorized("device does not match admission token")
	}

	st, err := auth.NewToken(auth.SessionTokenPrefix)
	if err != nil {
		return wire.SessionReady{}, model.Session{}, err
	}
	rt, err := auth.NewToken(auth.ResumeTokenPrefix)
	if err != nil {
		return wire.SessionReady{}, model.Session{}, err
	}

	sess := model.Session{
		SessionToken: st,
		ResumeToken:  rt,
		DeviceID:     claims.DeviceID,
		UserID:       claims.UserID,
		CreatedAtMs:  now.UnixMilli(),
		ExpiresAtMs:  now.Add(s.ttl).UnixMilli(),
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return wire.SessionReady{}, model.Session{}, err
	}

	ready, err := s.ready(ctx, sess)
	return ready, sess, err
}

func (s *SessionService) Resume(ctx context.Context, req wire.SessionResume) (wire.SessionReady, model.Session, error) {
	if req.ResumeToken == "" {
		return wire.SessionReady{}, model.Session{}, wire.ResumeFailed("missing resume token")
	}

	sess, err := s.store.SessionByResumeToken(ctx, req.ResumeToken)
	if errors.Is(err, storage.ErrNoSession) {
		return wire.SessionReady{}, model.Session{}, wire.ResumeFailed("resume token is not recognized")
	}
	if err != nil {
		return wire.SessionReady{}, model.Session{}, err
	}
	if !sess.Alive(time.Now().UnixMilli()) {
		return wire.SessionReady{}, model.Session{}, wire.ResumeFailed("session expired or revoked")
	}

	// [SINGLE_USE] rotate before answering; a concurrent resume with the
	// same token loses the guarded update and fails.
	rt, err := auth.NewToken(auth.ResumeTokenPrefix)
	if err != nil {
		return wire.SessionReady{}, model.Session{}, err
	}
	if err := s.store.RotateResumeToken(ctx, req.ResumeToken, rt); err != nil {
		if errors.Is(err, storage.ErrNoSession) {
			return wire.SessionReady{}, model.Session{}, wire.ResumeFailed("resume token already used")
		}
		return wire.SessionReady{}, model.Session{}, err
	}
	sess.ResumeToken = rt

	// Legacy exclusive hint: advances the stored cursor, never regresses.
	if h := req.Cursor; h != nil {
		if !model.ValidID(h.ConvID) {
			return wire.SessionReady{}, model.Session{}, wire.Invalid("malformed conv_id in cursor hint")
		}
		if err := s.store.AckCursor(ctx, sess.DeviceID, model.ConvID(h.ConvID), h.AfterSeq); err != nil {
			return wire.SessionReady{}, model.Session{}, err
		}
	}

	ready, err := s.ready(ctx, sess)
	return ready, sess, err
}

// ready assembles the session.ready payload with the device's full cursor
// snapshot.
func (s *SessionService) ready(ctx context.Context, sess model.Session) (wire.SessionReady, error) {
	cursors, err := s.store.DeviceCursors(ctx, sess.DeviceID)
	if err != nil {
		return wire.SessionReady{}, err
	}
	entries := make([]wire.CursorEntry, 0, len(cursors))
	for _, c := range cursors {
		entries = append(entries, wire.CursorEntry{ConvID: string(c.ConvID), NextSeq: c.NextSeq})
	}
	return wire.SessionReady{
		SessionToken: sess.SessionToken,
		ResumeToken:  sess.ResumeToken,
		ExpiresAt:    sess.ExpiresAtMs,
		Cursors:      entries,
	}, nil
}

func (s *SessionService) Authenticate(ctx context.Context, token string) (model.Session, error) {
	if token == "" {
		return model.Session{}, wire.Unauthorized("missing session token")
	}
	sess, err := s.store.SessionByToken(ctx, token)
	if errors.Is(err, storage.ErrNoSession) {
		return model.Session{}, wire.Unauthorized("session token is not recognized")
	}
	if err != nil {
		return model.Session{}, err
	}
	if !sess.Alive(time.Now().UnixMilli()) {
		return model.Session{}, wire.Unauthorized("session expired or revoked")
	}
	return sess, nil
}

func (s *SessionService) List(ctx context.Context, sess model.Session) ([]SessionInfo, error) {
	rows, err := s.store.UserSessions(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, SessionInfo{
			DeviceID:  string(r.DeviceID),
			CreatedAt: r.CreatedAtMs,
			ExpiresAt: r.ExpiresAtMs,
			RevokedAt: r.RevokedAtMs,
			Current:   r.SessionToken == sess.SessionToken,
		})
	}
	return out, nil
}

func (s *SessionService) Revoke(ctx context.Context, sess model.Session, device model.DeviceID) error {
	// Default target is the calling session itself. Naming a device, the
	// caller's own included, revokes every session of that device.
	if device == "" {
		if err := s.store.RevokeSession(ctx, sess.SessionToken); err != nil {
			return err
		}
		s.br.CloseSession(sess.SessionToken, wire.Unauthorized("session revoked"))
		return nil
	}

	owned, err := s.ownsDevice(ctx, sess.UserID, device)
	if err != nil {
		return err
	}
	if !owned {
		return wire.NotFound("no session for this device")
	}
	// Zero rows means every session of the device is already a tombstone,
	// which is the state the caller asked for.
	if err := s.store.RevokeDeviceSessions(ctx, device); err != nil && !errors.Is(err, storage.ErrNoSession) {
		return err
	}
	// [EAGER_CLOSE] revocation does not wait for the next frame; live
	// links terminate immediately.
	s.br.CloseDevice(device, wire.Unauthorized("session revoked"))
	return nil
}

func (s *SessionService) LogoutAll(ctx context.Context, sess model.Session) (int64, error) {
	n, err := s.store.RevokeUserSessions(ctx, sess.UserID)
	if err != nil {
		return 0, err
	}
	s.br.CloseUser(sess.UserID, wire.Unauthorized("all sessions revoked"))
	return n, nil
}

func (s *SessionService) ownsDevice(ctx context.Context, user model.UserID, device model.DeviceID) (bool, error) {
	rows, err := s.store.UserSessions(ctx, user)
	if err != nil {
		return false, err
	}
	for _, r := range rows {
		if r.DeviceID == device {
			return true, nil
		}
	}
	return false, nil
}
