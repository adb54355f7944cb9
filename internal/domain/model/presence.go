package model

import "time"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline" // emitted by the gateway, never leased
)

// LeaseStatus reports whether a client may lease the given status.
func (s PresenceStatus) Leasable() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy:
		return true
	}
	return false
}

const (
	// [TTL_CLAMP] presence leases live between 15 and 300 seconds.
	MinLeaseTTL = 15 * time.Second
	MaxLeaseTTL = 300 * time.Second
)

// ClampLeaseTTL forces a requested TTL into the accepted window.
func ClampLeaseTTL(d time.Duration) time.Duration {
	if d < MinLeaseTTL {
		return MinLeaseTTL
	}
	if d > MaxLeaseTTL {
		return MaxLeaseTTL
	}
	return d
}

// PresenceLease is the liveness record for one device. Absence of renewal
// before ExpiresAtMs implies the device went offline.
type PresenceLease struct {
	DeviceID      DeviceID       `db:"device_id"`
	UserID        UserID         `db:"user_id"`
	Status        PresenceStatus `db:"status"`
	Invisible     bool           `db:"invisible"`
	ExpiresAtMs   int64          `db:"expires_at_ms"`
	LastRenewedMs int64          `db:"last_renewed_ms"`
}

// PresenceUpdate is the fan-out payload watchers receive. LastSeenBucket is
// deliberately coarse; precise timestamps never leave the gateway.
type PresenceUpdate struct {
	UserID         UserID         `json:"user_id"`
	Status         PresenceStatus `json:"status"`
	ExpiresAtMs    int64          `json:"expires_at,omitempty"`
	LastSeenBucket string         `json:"last_seen_bucket,omitempty"`
}

// Last-seen buckets, coarsest first. Anything older than a day reports the
// terminal 7d bucket.
const (
	BucketNow = "now"
	Bucket5m  = "5m"
	Bucket1h  = "1h"
	Bucket1d  = "1d"
	Bucket7d  = "7d"
)

// LastSeenBucket coarsens the age of the most recent renewal.
func LastSeenBucket(age time.Duration) string {
	switch {
	case age <= time.Minute:
		return BucketNow
	case age <= 5*time.Minute:
		return Bucket5m
	case age <= time.Hour:
		return Bucket1h
	case age <= 24*time.Hour:
		return Bucket1d
	default:
		return Bucket7d
	}
}
