package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/adapter/pubsub"
	"github.com/meshline/ds-gateway/internal/broker"
	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
	"github.com/meshline/ds-gateway/internal/ratelimit"
	"github.com/meshline/ds-gateway/internal/storage"
)

type LeaseRequest struct {
	// Status defaults to online. Only online/away/busy can be leased;
	// offline is what expiry means.
	Status     string `json:"status,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	Invisible  bool   `json:"invisible,omitempty"`
}

type LeaseResponse struct {
	Status    string `json:"status"`
	ExpiresAt int64  `json:"expires_at"`
}

type WatchRequest struct {
	Contacts []string `json:"contacts"`
}

// WatchResponse carries the current state of the freshly watched contacts
// that are mutual and visible. Absence of a contact means no mutual watch,
// invisibility, or simply no known state.
type WatchResponse struct {
	Contacts []wire.PresenceUpdate `json:"contacts,omitempty"`
}

type AllowlistRequest struct {
	Allowed []string `json:"allowed"`
}

// sweepBatch bounds how many expired leases one sweeper tick announces.
const sweepBatch = 256

// [PRESENCE_SERVICE] TTL-LEASED LIVENESS WITH MUTUAL-WATCH FAN-OUT
type Presence interface {
	// Lease declares liveness for the session's device; TTL is clamped
	// into [15s, 300s].
	Lease(ctx context.Context, sess model.Session, req LeaseRequest) (LeaseResponse, error)
	// Renew extends an existing lease, keeping its status and visibility
	// unless the request overrides the status.
	Renew(ctx context.Context, sess model.Session, req LeaseRequest) (LeaseResponse, error)
	// Watch adds targets to the caller's watchlist and returns the state
	// of those already watching back.
	Watch(ctx context.Context, sess model.Session, req WatchRequest) (WatchResponse, error)
	Unwatch(ctx context.Context, sess model.Session, req WatchRequest) error
	// SetAllowlist replaces the invisible-mode exception list.
	SetAllowlist(ctx context.Context, sess model.Session, req AllowlistRequest) error
	// SweepExpired announces offline for leases that lapsed, once each.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	// ForwardTo pumps the user's presence topic onto the link until either
	// side closes. Meant to run as a goroutine per authenticated link.
	ForwardTo(ctx context.Context, link *broker.Link)
}

// [IMPLEMENTATION] PRIVATE TO ENFORCE INTERFACE USAGE
type PresenceService struct {
	store    *storage.Store
	limiter  *ratelimit.Limiter
	bus      pubsub.PresenceDispatcher
	log      *slog.Logger
	watchCap int
}

// NewPresenceService returns a production-ready instance of the service.
func NewPresenceService(store *storage.Store, limiter *ratelimit.Limiter, bus pubsub.PresenceDispatcher, cfg *config.Config, log *slog.Logger) *PresenceService {
	return &PresenceService{
		store:    store,
		limiter:  limiter,
		bus:      bus,
		log:      log.With(slog.String("component", "presence")),
		watchCap: cfg.WatchCap,
	}
}

func (p *PresenceService) Lease(ctx context.Context, sess model.Session, req LeaseRequest) (LeaseResponse, error) {
	status := model.PresenceStatus(req.Status)
	if req.Status == "" {
		status = model.StatusOnline
	}
	if !status.Leasable() {
		return LeaseResponse{}, wire.Invalid("status must be online, away or busy")
	}
	if err := p.limiter.Allow(ratelimit.OpPresence, string(sess.DeviceID)); err != nil {
		return LeaseResponse{}, err
	}

	now := time.Now()
	ttl := model.ClampLeaseTTL(time.Duration(req.TTLSeconds) * time.Second)
	lease := model.PresenceLease{
		DeviceID:      sess.DeviceID,
		UserID:        sess.UserID,
		Status:        status,
		Invisible:     req.Invisible,
		ExpiresAtMs:   now.Add(ttl).UnixMilli(),
		LastRenewedMs: now.UnixMilli(),
	}
	if err := p.store.UpsertLease(ctx, lease); err != nil {
		return LeaseResponse{}, err
	}
	p.emit(ctx, lease, now)
	return LeaseResponse{Status: string(status), ExpiresAt: lease.ExpiresAtMs}, nil
}

func (p *PresenceService) Renew(ctx context.Context, sess model.Session, req LeaseRequest) (LeaseResponse, error) {
	prev, ok, err := p.store.Lease(ctx, sess.DeviceID)
	if err != nil {
		return LeaseResponse{}, err
	}
	if !ok {
		return LeaseResponse{}, wire.NotFound("no active lease")
	}
	if err := p.limiter.Allow(ratelimit.OpPresence, string(sess.DeviceID)); err != nil {
		return LeaseResponse{}, err
	}

	status := prev.Status
	if req.Status != "" {
		status = model.PresenceStatus(req.Status)
		if !status.Leasable() {
			return LeaseResponse{}, wire.Invalid("status must be online, away or busy")
		}
	}
	ttlSeconds := req.TTLSeconds
	if ttlSeconds == 0 {
		// Keep the cadence the device asked for originally.
		ttlSeconds = (prev.ExpiresAtMs - prev.LastRenewedMs) / 1000
	}

	now := time.Now()
	lease := model.PresenceLease{
		DeviceID:      sess.DeviceID,
		UserID:        sess.UserID,
		Status:        status,
		Invisible:     prev.Invisible,
		ExpiresAtMs:   now.Add(model.ClampLeaseTTL(time.Duration(ttlSeconds) * time.Second)).UnixMilli(),
		LastRenewedMs: now.UnixMilli(),
	}
	if err := p.store.UpsertLease(ctx, lease); err != nil {
		return LeaseResponse{}, err
	}
	p.emit(ctx, lease, now)
	return LeaseResponse{Status: string(status), ExpiresAt: lease.ExpiresAtMs}, nil
}

func (p *PresenceService) Watch(ctx context.Context, sess model.Session, req WatchRequest) (WatchResponse, error) {
	targets, err := p.validTargets(sess, req.Contacts)
	if err != nil {
		return WatchResponse{}, err
	}
	if err := p.limiter.Allow(ratelimit.OpPresence, string(sess.DeviceID)); err != nil {
		return WatchResponse{}, err
	}
	if err := p.store.AddWatches(ctx, sess.UserID, targets, p.watchCap); err != nil {
		if errors.Is(err, storage.ErrWatchCap) {
			return WatchResponse{}, wire.Invalid("watch cap exceeded")
		}
		return WatchResponse{}, err
	}

	// Initial state, mutual and visible targets only. Everything here is
	// as coarse as a live update would be.
	now := time.Now()
	var out []wire.PresenceUpdate
	for _, target := range targets {
		mutual, err := p.store.Watches(ctx, target, sess.UserID)
		if err != nil {
			return WatchResponse{}, err
		}
		if !mutual {
			continue
		}
		up, ok, err := p.currentState(ctx, target, sess.UserID, now)
		if err != nil {
			return WatchResponse{}, err
		}
		if ok {
			out = append(out, up)
		}
	}
	return WatchResponse{Contacts: out}, nil
}

func (p *PresenceService) Unwatch(ctx context.Context, sess model.Session, req WatchRequest) error {
	targets, err := p.validTargets(sess, req.Contacts)
	if err != nil {
		return err
	}
	if err := p.limiter.Allow(ratelimit.OpPresence, string(sess.DeviceID)); err != nil {
		return err
	}
	return p.store.RemoveWatches(ctx, sess.UserID, targets)
}

func (p *PresenceService) SetAllowlist(ctx context.Context, sess model.Session, req AllowlistRequest) error {
	allowed := make([]model.UserID, 0, len(req.Allowed))
	for _, u := range req.Allowed {
		if !model.ValidID(u) {
			return wire.Invalid("malformed user_id")
		}
		allowed = append(allowed, model.UserID(u))
	}
	if err := p.limiter.Allow(ratelimit.OpPresence, string(sess.DeviceID)); err != nil {
		return err
	}
	return p.store.SetPresenceAllowlist(ctx, sess.UserID, allowed)
}

func (p *PresenceService) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	leases, err := p.store.ExpiredLeases(ctx, now.UnixMilli(), sweepBatch)
	if err != nil {
		return 0, err
	}
	emitted := 0
	for _, l := range leases {
		// Another device of the same user may still hold a live lease;
		// the user is not offline until the last one lapses.
		live, ok, err := p.store.UserPresence(ctx, l.UserID, now.UnixMilli())
		if err != nil {
			return emitted, err
		}
		if ok && live.ExpiresAtMs > now.UnixMilli() {
			continue
		}
		l.Status = model.StatusOffline
		p.emit(ctx, l, now)
		emitted++
	}
	return emitted, nil
}

func (p *PresenceService) ForwardTo(ctx context.Context, link *broker.Link) {
	sess, ok := link.Session()
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := p.bus.Subscribe(ctx, sess.UserID)
	if err != nil {
		p.log.Warn("PRESENCE_FORWARDER_SUBSCRIBE_FAILED",
			"err", err,
			"link_id", link.ID(),
		)
		return
	}
	for {
		select {
		case <-link.Done():
			return
		case <-ctx.Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			up, err := pubsub.DecodeUpdate(msg)
			if err == nil {
				f, ferr := wire.NewFrame(wire.TPresenceUpdate, "", wire.PresenceUpdate{
					UserID:         string(up.UserID),
					Status:         string(up.Status),
					ExpiresAt:      up.ExpiresAtMs,
					LastSeenBucket: up.LastSeenBucket,
				})
				if ferr == nil {
					// Presence is droppable; a full queue loses the update,
					// never the link.
					link.Push(f)
				}
			}
			msg.Ack()
		}
	}
}

// emit fans one update out to the mutual watchers, honoring invisibility.
func (p *PresenceService) emit(ctx context.Context, lease model.PresenceLease, now time.Time) {
	up := model.PresenceUpdate{
		UserID:         lease.UserID,
		Status:         lease.Status,
		ExpiresAtMs:    lease.ExpiresAtMs,
		LastSeenBucket: model.LastSeenBucket(now.Sub(time.UnixMilli(lease.LastRenewedMs))),
	}
	if lease.Status == model.StatusOffline {
		up.ExpiresAtMs = 0
	}

	watchers, err := p.store.MutualWatchers(ctx, lease.UserID)
	if err != nil {
		p.log.Warn("PRESENCE_FANOUT_LOOKUP_FAILED", "err", err, "user_id", lease.UserID)
		return
	}
	if lease.Invisible {
		watchers, err = p.filterAllowed(ctx, lease.UserID, watchers)
		if err != nil {
			p.log.Warn("PRESENCE_FANOUT_LOOKUP_FAILED", "err", err, "user_id", lease.UserID)
			return
		}
	}
	for _, w := range watchers {
		if err := p.bus.Publish(ctx, w, up); err != nil {
			p.log.Warn("PRESENCE_FANOUT_PUBLISH_FAILED", "err", err, "watcher_id", w)
		}
	}
}

// currentState renders target's presence as viewer would be allowed to
// see it right now.
func (p *PresenceService) currentState(ctx context.Context, target, viewer model.UserID, now time.Time) (wire.PresenceUpdate, bool, error) {
	lease, ok, err := p.store.UserPresence(ctx, target, now.UnixMilli())
	if err != nil || !ok {
		return wire.PresenceUpdate{}, false, err
	}
	if lease.Invisible {
		allowed, err := p.filterAllowed(ctx, target, []model.UserID{viewer})
		if err != nil {
			return wire.PresenceUpdate{}, false, err
		}
		if len(allowed) == 0 {
			return wire.PresenceUpdate{}, false, nil
		}
	}
	up := wire.PresenceUpdate{
		UserID:         string(target),
		Status:         string(lease.Status),
		ExpiresAt:      lease.ExpiresAtMs,
		LastSeenBucket: model.LastSeenBucket(now.Sub(time.UnixMilli(lease.LastRenewedMs))),
	}
	if lease.ExpiresAtMs <= now.UnixMilli() {
		up.Status = string(model.StatusOffline)
		up.ExpiresAt = 0
	}
	return up, true, nil
}

func (p *PresenceService) filterAllowed(ctx context.Context, user model.UserID, watchers []model.UserID) ([]model.UserID, error) {
	allowed, err := p.store.PresenceAllowlist(ctx, user)
	if err != nil {
		return nil, err
	}
	set := make(map[model.UserID]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	out := watchers[:0]
	for _, w := range watchers {
		if _, ok := set[w]; ok {
			out = append(out, w)
		}
	}
	return out, nil
}

func (p *PresenceService) validTargets(sess model.Session, contacts []string) ([]model.UserID, error) {
	if len(contacts) == 0 {
		return nil, wire.Invalid("no contacts")
	}
	out := make([]model.UserID, 0, len(contacts))
	for _, c := range contacts {
		if !model.ValidID(c) {
			return nil, wire.Invalid("malformed user_id")
		}
		if model.UserID(c) == sess.UserID {
			return nil, wire.Invalid("cannot watch yourself")
		}
		out = append(out, model.UserID(c))
	}
	return out, nil
}
