// Package ratelimit admits or sheds client operations with per-key token
// buckets. Abuse control is deliberately coarse: a handful of bucket
// families keyed by device (and conversation, for sends), nothing per-user
// or global.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/domain/wire"
)

// Op names one admission bucket family.
type Op string

const (
	OpSend     Op = "send"
	OpSocial   Op = "social"
	OpDMCreate Op = "dm_create"
	OpKPFetch  Op = "kp_fetch"
	OpPresence Op = "presence"

	opFrames Op = "frames"
)

// Live buckets sit in an LRU so abandoned keys age out instead of
// accumulating for the lifetime of the process.
const bucketCacheSize = 1 << 16

// Retry hints beyond this are useless to clients; the error is returned
// without one.
const maxRetryHint = time.Hour

// Limiter hands out token buckets keyed by (op, caller key).
type Limiter struct {
	mu       sync.RWMutex // guards policies
	policies map[Op]config.RatePolicy
	buckets  *lru.Cache[string, *rate.Limiter]
}

func New(cfg *config.Config) *Limiter {
	cache, _ := lru.New[string, *rate.Limiter](bucketCacheSize)
	l := &Limiter{buckets: cache}
	l.Reload(cfg.Rate)
	return l
}

// Reload swaps the bucket shapes and drops live buckets so new rates take
// effect immediately. Wired to the config watcher.
func (l *Limiter) Reload(rc config.RateConfig) {
	l.mu.Lock()
	l.policies = map[Op]config.RatePolicy{
		OpSend:     rc.Send,
		OpSocial:   rc.Social,
		OpDMCreate: rc.DMCreate,
		OpKPFetch:  rc.KPFetch,
		OpPresence: rc.Presence,
		opFrames:   rc.Frames,
	}
	l.mu.Unlock()
	l.buckets.Purge()
}

func (l *Limiter) policy(op Op) config.RatePolicy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policies[op]
}

// Allow spends one token for key under op. A nil return admits the
// operation; otherwise the coded error carries the earliest retry hint
// when one is bounded. A zeroed policy disables its bucket family.
func (l *Limiter) Allow(op Op, key string) error {
	p := l.policy(op)
	if p.Burst <= 0 && p.PerSecond <= 0 {
		return nil
	}

	k := string(op) + ":" + key
	b, ok := l.buckets.Get(k)
	if !ok {
		fresh := rate.NewLimiter(rate.Limit(p.PerSecond), p.Burst)
		// [RACE_TOLERANT] Two writers may mint the same bucket; the loser
		// overcounts by at most one token.
		if prev, existed, _ := l.buckets.PeekOrAdd(k, fresh); existed {
			b = prev
		} else {
			b = fresh
		}
	}

	r := b.Reserve()
	if !r.OK() {
		return wire.NewError(wire.CodeRateLimited, "rate limit exceeded")
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		if d > maxRetryHint {
			return wire.NewError(wire.CodeRateLimited, "rate limit exceeded")
		}
		return wire.RateLimited(d)
	}
	return nil
}

// FrameBudget mints a standalone bucket for one connection's inbound
// frames, shaped by the current frames policy.
func (l *Limiter) FrameBudget() *rate.Limiter {
	p := l.policy(opFrames)
	if p.Burst <= 0 && p.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(p.PerSecond), p.Burst)
}
