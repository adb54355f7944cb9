package model

// KeyPackage is one pre-published handshake blob. Blobs are opaque to the
// gateway; ContentHash deduplicates re-publishes of identical material.
// A package is handed out at most once: fetch marks it served inside the
// same transaction that selected it.
type KeyPackage struct {
	ID          int64    `db:"id"`
	DeviceID    DeviceID `db:"device_id"`
	UserID      UserID   `db:"user_id"`
	Blob        []byte   `db:"blob"`
	ContentHash string   `db:"content_hash"`
	Served      bool     `db:"served"`
	Revoked     bool     `db:"revoked"`
	CreatedAtMs int64    `db:"created_at_ms"`
}
