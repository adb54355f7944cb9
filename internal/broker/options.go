package broker

import "time"

// options collects the broker tunables; see the With* constructors.
type options struct {
	outboundQueue    int
	pendingBuffer    int
	replayBatch      int
	maxSubsPerLink   int
	evictionInterval time.Duration
	idleTimeout      time.Duration
}

func defaultOptions() options {
	return options{
		outboundQueue:    256,
		pendingBuffer:    128,
		replayBatch:      256,
		maxSubsPerLink:   128,
		evictionInterval: time.Minute,
		idleTimeout:      15 * time.Minute,
	}
}

// Option defines a functional configuration type for the Broker.
type Option func(*options)

// WithEvictionInterval configures how often the [JANITOR] runs to reclaim
// memory from quiet conversations.
func WithEvictionInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.evictionInterval = d
		}
	}
}

// WithIdleTimeout defines the [QUIET_PERIOD] after which a lane without
// subscribers becomes eligible for eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

// WithOutboundQueue sets the per-link outbound buffer capacity; sustained
// overflow is a backpressure disconnect.
func WithOutboundQueue(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.outboundQueue = n
		}
	}
}

// WithPendingBuffer sets how many live events a catching-up subscription
// may park before the replay loop falls back to storage.
func WithPendingBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pendingBuffer = n
		}
	}
}

// WithReplayBatch sets the storage page size used during catch-up.
func WithReplayBatch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.replayBatch = n
		}
	}
}

// WithMaxSubscriptions caps concurrently subscribed conversations per link.
func WithMaxSubscriptions(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSubsPerLink = n
		}
	}
}
