// Package sweeper runs the gateway's periodic hygiene passes: retention
// pruning of delivered events, purging of session tombstones and spent
// keypackages, and the offline announcements for lapsed presence leases.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/service"
	"github.com/meshline/ds-gateway/internal/storage"
)

// [SWEEPER] TWO CADENCES, ONE OWNER
//
// Retention runs on the configured interval and may be slow; presence
// expiry runs on a short fixed cadence because watchers notice the lag.
// Both passes are batch-bounded so a single tick never owns the database
// for long.
type Sweeper struct {
	store    *storage.Store
	presence service.Presence
	log      *slog.Logger

	policy         storage.RetentionPolicy
	retentionEvery time.Duration
	opts           options

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New shapes the sweeper from config. The With* options exist for tests
// and embedders; production wiring relies on the defaults.
func New(store *storage.Store, presence service.Presence, cfg *config.Config, log *slog.Logger, opts ...Option) *Sweeper {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Sweeper{
		store:    store,
		presence: presence,
		log:      log.With(slog.String("component", "sweeper")),
		policy: storage.RetentionPolicy{
			MaxEventsPerConv: cfg.RetentionMaxEventsPerConv,
			MaxAge:           cfg.RetentionMaxAge(),
			CursorStaleAfter: cfg.CursorStaleAfter(),
			Hard:             cfg.RetentionHardLimits,
		},
		retentionEvery: cfg.SweepInterval(),
		opts:           o,
		done:           make(chan struct{}),
	}
}

// Start launches the background loops. Retention stays off when the sweep
// interval is zero; presence expiry always runs.
func (s *Sweeper) Start() {
	if s.retentionEvery > 0 {
		s.wg.Add(1)
		go s.loop(s.retentionEvery, s.retentionPass)
	}
	s.wg.Add(1)
	go s.loop(s.opts.presenceInterval, s.presencePass)
}

// Shutdown stops the loops and waits for any in-flight pass to finish.
func (s *Sweeper) Shutdown() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Sweeper) loop(every time.Duration, pass func(context.Context)) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			pass(context.Background())
		}
	}
}

// retentionPass prunes delivered events under the retention policy and
// drops dead sessions and spent keypackages past the grace window.
// [CONCURRENCY_OPTIMIZATION] The three sweeps touch disjoint tables, so
// they run as one errgroup and fail together.
func (s *Sweeper) retentionPass(ctx context.Context) {
	started := time.Now()
	cutoff := started.Add(-s.opts.purgeGrace).UnixMilli()

	var events, sessions, keypackages int64
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = s.store.PruneEvents(gCtx, s.policy, started, s.opts.deleteLimit)
		return err
	})
	g.Go(func() error {
		var err error
		sessions, err = s.store.PurgeDeadSessions(gCtx, cutoff)
		return err
	})
	g.Go(func() error {
		var err error
		keypackages, err = s.store.PurgeSpentKeyPackages(gCtx, cutoff)
		return err
	})
	if err := g.Wait(); err != nil {
		s.log.Warn("RETENTION_SWEEP_FAILED",
			"err", err,
			"duration_ms", time.Since(started).Milliseconds(),
		)
		return
	}
	if events+sessions+keypackages > 0 {
		s.log.Info("RETENTION_SWEEP",
			"events_pruned", events,
			"sessions_purged", sessions,
			"keypackages_purged", keypackages,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
}

// presencePass announces offline for leases that lapsed since the last
// tick. The offline-emitted latch in storage keeps this idempotent.
func (s *Sweeper) presencePass(ctx context.Context) {
	emitted, err := s.presence.SweepExpired(ctx, time.Now())
	if err != nil {
		s.log.Warn("PRESENCE_SWEEP_FAILED", "err", err)
		return
	}
	if emitted > 0 {
		s.log.Debug("presence sweep announced offline", slog.Int("count", emitted))
	}
}
