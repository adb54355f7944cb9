package sweeper

import "time"

// options collects the sweeper tunables; see the With* constructors.
type options struct {
	presenceInterval time.Duration
	purgeGrace       time.Duration
	deleteLimit      int
}

func defaultOptions() options {
	return options{
		presenceInterval: 5 * time.Second,
		purgeGrace:       24 * time.Hour,
		deleteLimit:      512,
	}
}

// Option defines a functional configuration type for the Sweeper.
type Option func(*options)

// WithPresenceInterval sets the cadence of the presence-expiry pass.
func WithPresenceInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.presenceInterval = d
		}
	}
}

// WithPurgeGrace sets how long session tombstones and spent keypackages
// linger before the retention pass drops them. Zero purges immediately.
func WithPurgeGrace(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.purgeGrace = d
		}
	}
}

// WithDeleteLimit caps how many event rows one retention tick deletes
// per conversation.
func WithDeleteLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.deleteLimit = n
		}
	}
}
