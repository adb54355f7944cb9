/*
Package broker is the realtime core of the gateway: it owns the
per-conversation delivery lanes and every live transport link.

Key architectural concepts:
  - Lanes: each active conversation gets an isolated lane whose lock makes
    allocate-then-broadcast a single critical section, so durable seq order
    and fan-out order cannot diverge.
  - Decoupling & backpressure: bounded per-link outbound queues ensure a
    slow consumer stalls only itself; sustained saturation disconnects the
    link instead of blocking a lane.
  - Gapless catch-up: subscriptions buffer live broadcasts while storage
    replay runs and flip to live tail under the lane lock, delivering a
    contiguous ascending sequence per subscription.
  - Concurrency management: lock-free lane lookups via sync.Map plus
    fine-grained per-lane locking; no global mutex on the hot path.
*/
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
	"github.com/meshline/ds-gateway/internal/storage"
)

type Broker struct {
	store *storage.Store
	log   *slog.Logger
	cfg   options

	// lanes stores map[model.ConvID]*lane. Optimized for [READ_HEAVY] lookups.
	lanes sync.Map

	links *linkIndex

	// [CIRCUIT_BREAKER]
	// Guards the durable append so a wedged database sheds load fast
	// instead of queueing every sender on the lane locks.
	breaker *gobreaker.CircuitBreaker

	dropped  atomic.Uint64
	done     chan struct{}
	stopOnce sync.Once
}

func New(store *storage.Store, log *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		store: store,
		log:   log.With(slog.String("component", "broker")),
		cfg:   defaultOptions(),
		links: newLinkIndex(),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&b.cfg)
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "event-append",
		Timeout: 5 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Client aborts and domain rejections say nothing about
			// storage health.
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, storage.ErrUnknownConv)
		},
	})
	go b.janitor()
	return b
}

// NewLink mints an unauthenticated link shaped by the broker tunables.
// The transport owns its lifecycle and must Release it when the pump ends.
func (b *Broker) NewLink(transport string) *Link {
	l := &Link{
		id:        uuid.New(),
		transport: transport,
		createdAt: time.Now(),
		out:       make(chan wire.Frame, b.cfg.outboundQueue),
		done:      make(chan struct{}),
		subs:      make(map[model.ConvID]*subscription),
		maxSubs:   b.cfg.maxSubsPerLink,
		dropped:   &b.dropped,
	}
	l.state.Store(int32(StateAuthPending))
	l.lastOutNs.Store(time.Now().UnixNano())
	return l
}

// lockLane returns conv's lane with its mutex held, creating it on first
// use and retrying if the janitor swept it between lookup and lock. The
// revalidation is what keeps subscribers off dead lanes.
func (b *Broker) lockLane(conv model.ConvID) *lane {
	for {
		val, ok := b.lanes.Load(conv)
		if !ok {
			// [LAZY_INIT] first traffic materializes the lane.
			val, _ = b.lanes.LoadOrStore(conv, newLane(conv))
		}
		ln := val.(*lane)
		ln.mu.Lock()
		if cur, ok := b.lanes.Load(conv); ok && cur.(*lane) == ln {
			return ln
		}
		ln.mu.Unlock()
	}
}

// Append runs the allocate-then-broadcast critical section for one send.
// Within the lane lock the event is durably committed (or recognized as a
// duplicate) and, for fresh events only, fanned out to every subscriber
// in seq order.
func (b *Broker) Append(ctx context.Context, conv model.ConvID, msgID string, env []byte) (model.AppendResult, error) {
	ln := b.lockLane(conv)
	defer ln.mu.Unlock()

	tsMs := time.Now().UnixMilli()
	out, err := b.breaker.Execute(func() (any, error) {
		// [DURABILITY_GATE] the write must land (or fail whole) even when
		// the client vanishes mid-request; cancellation never strands a
		// half-committed event.
		return b.store.AppendEvent(context.WithoutCancel(ctx), conv, msgID, env, tsMs)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return model.AppendResult{}, wire.Internal("event store is shedding load")
		}
		return model.AppendResult{}, err
	}

	res := out.(model.AppendResult)
	if !res.Duplicate {
		ln.broadcastLocked(model.Event{
			ConvID:        conv,
			Seq:           res.Seq,
			MsgID:         msgID,
			Env:           env,
			TsMs:          tsMs,
			OriginGateway: b.store.GatewayID(),
		}, b.cfg.pendingBuffer)
	}
	return res, nil
}

// Subscribe wires link into conv's lane starting at fromSeq (resolved by
// the caller; 0 is normalized to 1). The replay window is validated up
// front: a request below the retained floor fails terminally with the
// replayable bounds instead of silently skipping pruned events.
// Subscribing again to the same conversation replaces the old stream.
func (b *Broker) Subscribe(ctx context.Context, link *Link, conv model.ConvID, fromSeq uint64) error {
	if fromSeq == 0 {
		fromSeq = 1
	}
	w, err := b.store.ReplayWindow(ctx, conv)
	if err != nil {
		return err
	}
	if !w.Contains(fromSeq) {
		return wire.ReplayWindow(w.Earliest, w.Latest).WithConv(string(conv))
	}

	sctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:       uuid.New(),
		conv:     conv,
		link:     link,
		cancel:   cancel,
		lastSent: fromSeq - 1,
	}
	old, err := link.putSub(conv, sub)
	if err != nil {
		cancel()
		return err
	}
	if old != nil {
		old.cancel()
		if val, ok := b.lanes.Load(conv); ok {
			val.(*lane).detach(old.id)
		}
	}

	ln := b.lockLane(conv)
	ln.subs[sub.id] = sub
	ln.lastActivityAt = time.Now()
	ln.mu.Unlock()

	go b.catchUp(sctx, ln, sub, fromSeq)
	return nil
}

// catchUp pages the retained log into the link until it reaches the head,
// then flips the subscription to live tail under the lane lock. Events
// committed while replay runs are parked in pending by the broadcaster
// and drained during the flip, so delivery stays contiguous.
func (b *Broker) catchUp(ctx context.Context, ln *lane, sub *subscription, fromSeq uint64) {
	next := fromSeq
	for {
		for {
			batch, err := b.store.ReplayEvents(ctx, sub.conv, next, b.cfg.replayBatch)
			if err != nil {
				if ctx.Err() == nil {
					b.terminate(ln, sub, wire.AsError(err).WithConv(string(sub.conv)))
				}
				return
			}
			if len(batch) > 0 && batch[0].Seq != next {
				// Retention pruned rows out from under the replay. A
				// terminal error beats a silent gap.
				w, werr := b.store.ReplayWindow(ctx, sub.conv)
				if werr != nil {
					w = storage.Window{}
				}
				b.terminate(ln, sub, wire.ReplayWindow(w.Earliest, w.Latest).WithConv(string(sub.conv)))
				return
			}
			for _, ev := range batch {
				frame, err := eventFrame(ev)
				if err != nil {
					continue
				}
				if !sub.link.send(ctx, frame) {
					return // link gone or subscription replaced
				}
				next = ev.Seq + 1
			}
			if len(batch) < b.cfg.replayBatch {
				break
			}
		}

		ln.mu.Lock()
		if ctx.Err() != nil {
			ln.mu.Unlock()
			return
		}
		if sub.gap {
			sub.gap = false
			sub.pending = sub.pending[:0]
			ln.mu.Unlock()
			continue
		}
		for _, ev := range sub.pending {
			if ev.Seq < next {
				continue
			}
			frame, err := eventFrame(ev)
			if err != nil {
				continue
			}
			if !sub.link.Deliver(frame) {
				ln.mu.Unlock()
				return
			}
			next = ev.Seq + 1
		}
		sub.pending = nil
		sub.lastSent = next - 1
		sub.live = true
		ln.mu.Unlock()
		return
	}
}

// terminate pushes a terminal error for this subscription and detaches
// it. The link itself stays open; only the conversation stream dies.
func (b *Broker) terminate(ln *lane, sub *subscription, reason *wire.Error) {
	sub.cancel()
	ln.detach(sub.id)
	sub.link.dropSub(sub.conv, sub)
	sub.link.Push(wire.ErrorFrame("", reason))
	b.log.Warn("subscription terminated",
		slog.String("conv_id", string(sub.conv)),
		slog.String("code", string(reason.Code)))
}

// EvictMembers terminates live subscriptions of devices that just lost
// membership. Each affected stream dies with a terminal forbidden error;
// the links stay up for their other conversations.
func (b *Broker) EvictMembers(conv model.ConvID, devices []model.DeviceID) {
	val, ok := b.lanes.Load(conv)
	if !ok {
		return
	}
	ln := val.(*lane)
	drop := make(map[model.DeviceID]struct{}, len(devices))
	for _, d := range devices {
		drop[d] = struct{}{}
	}
	reason := wire.Forbidden("membership revoked").WithConv(string(conv))

	ln.mu.Lock()
	var victims []*subscription
	for _, sub := range ln.subs {
		if sess, ok := sub.link.Session(); ok {
			if _, hit := drop[sess.DeviceID]; hit {
				victims = append(victims, sub)
			}
		}
	}
	for _, sub := range victims {
		delete(ln.subs, sub.id)
	}
	ln.lastActivityAt = time.Now()
	ln.mu.Unlock()

	for _, sub := range victims {
		sub.cancel()
		sub.link.dropSub(sub.conv, sub)
		sub.link.Push(wire.ErrorFrame("", reason))
	}
}

// Register indexes an authenticated link so revocation can sever it
// eagerly. Pre-auth links are invisible to the index.
func (b *Broker) Register(link *Link) {
	b.links.add(link)
}

// Release fully detaches a link: index entry, lane subscriptions, replay
// goroutines. Transports defer it around their pump lifetimes.
func (b *Broker) Release(link *Link) {
	link.Close(nil)
	b.links.remove(link)
	for _, sub := range link.drainSubs() {
		sub.cancel()
		if val, ok := b.lanes.Load(sub.conv); ok {
			val.(*lane).detach(sub.id)
		}
	}
	link.state.Store(int32(StateClosed))
}

// CloseSession severs every live link bound to one session token.
func (b *Broker) CloseSession(token string, reason *wire.Error) {
	for _, l := range b.links.bySessionToken(token) {
		l.Close(reason)
	}
}

// CloseDevice severs every live link of one device.
func (b *Broker) CloseDevice(device model.DeviceID, reason *wire.Error) {
	for _, l := range b.links.byDeviceID(device) {
		l.Close(reason)
	}
}

// CloseUser severs every live link of every device of one user.
func (b *Broker) CloseUser(user model.UserID, reason *wire.Error) {
	for _, l := range b.links.byUserID(user) {
		l.Close(reason)
	}
}

// Stream returns the newest live server-push link for a device. The inbox
// endpoint uses it to target subscription output at the SSE stream.
func (b *Broker) Stream(device model.DeviceID, transport string) (*Link, bool) {
	return b.links.stream(device, transport)
}

// Stats snapshots the in-memory delivery state.
func (b *Broker) Stats() (links, lanes, subs int, dropped uint64) {
	links = b.links.count()
	b.lanes.Range(func(_, val any) bool {
		s := val.(*lane).stats()
		subs += s.Subscribers
		lanes++
		return true
	})
	return links, lanes, subs, b.dropped.Load()
}

// LaneSnapshots lists per-conversation delivery state for debugging.
func (b *Broker) LaneSnapshots() []model.LaneStats {
	var out []model.LaneStats
	b.lanes.Range(func(_, val any) bool {
		out = append(out, val.(*lane).stats())
		return true
	})
	return out
}

// janitor performs [GRACEFUL_RECLAMATION] of lanes that have no
// subscribers and saw no traffic for the idle window. Lane state is pure
// cache; everything durable lives in storage.
func (b *Broker) janitor() {
	t := time.NewTicker(b.cfg.evictionInterval)
	defer t.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-t.C:
			evicted := 0
			b.lanes.Range(func(key, val any) bool {
				ln := val.(*lane)
				ln.mu.Lock()
				if len(ln.subs) == 0 && time.Since(ln.lastActivityAt) > b.cfg.idleTimeout {
					// Delete under the lane lock so lockLane callers
					// revalidate instead of writing into a dead lane.
					b.lanes.Delete(key)
					evicted++
				}
				ln.mu.Unlock()
				return true
			})
			if evicted > 0 {
				b.log.Debug("evicted idle lanes", slog.Int("count", evicted))
			}
		}
	}
}

// Shutdown stops the janitor and severs every live link.
func (b *Broker) Shutdown() {
	b.stopOnce.Do(func() { close(b.done) })
	for _, l := range b.links.all() {
		l.Close(nil)
	}
}
