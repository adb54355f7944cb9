package model

// Session binds a device to a pair of opaque random tokens. The session
// token authenticates frames and HTTP calls; the resume token is single-use
// and rotates on every successful resume. Revocation tombstones the row,
// it is never deleted in place so audits can see when access ended.
type Session struct {
	SessionToken string   `db:"session_token"`
	ResumeToken  string   `db:"resume_token"`
	DeviceID     DeviceID `db:"device_id"`
	UserID       UserID   `db:"user_id"`
	CreatedAtMs  int64    `db:"created_at_ms"`
	ExpiresAtMs  int64    `db:"expires_at_ms"`
	RevokedAtMs  int64    `db:"revoked_at_ms"` // 0 while live
}

// Alive reports whether the session is usable at the given wall-clock
// instant (not revoked, not expired).
func (s Session) Alive(nowMs int64) bool {
	return s.RevokedAtMs == 0 && s.ExpiresAtMs > nowMs
}

// Cursor is the per-device read position inside one conversation.
// NextSeq only ever moves forward.
type Cursor struct {
	DeviceID    DeviceID `db:"device_id" json:"-"`
	ConvID      ConvID   `db:"conv_id" json:"conv_id"`
	NextSeq     uint64   `db:"next_seq" json:"next_seq"`
	UpdatedAtMs int64    `db:"updated_at_ms" json:"-"`
}
