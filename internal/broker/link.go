package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
)

// LinkState tracks the transport lifecycle of one client attachment.
type LinkState int32

const (
	StateAuthPending LinkState = iota + 1
	StateReady
	StateClosing
	StateClosed
)

// Transport names used by the link index.
const (
	TransportWS  = "ws"
	TransportSSE = "sse"
)

// Link is one client attachment, WebSocket or SSE. It owns the bounded
// outbound frame queue consumed by the transport's single writer pump,
// plus the heartbeat bookkeeping for the connection. Frames from every
// subscription of the link funnel through the same queue, so per-link
// writes never interleave mid-frame.
type Link struct {
	id        uuid.UUID
	transport string
	createdAt time.Time

	// [MAILBOX]
	// Buffered channel decoupling lane broadcasts from the network write.
	// It is the shock absorber that keeps a slow consumer from propagating
	// latency back into the allocate-then-broadcast section.
	out  chan wire.Frame
	done chan struct{}

	// [IDEMPOTENCY_SHIELD] teardown runs exactly once no matter who loses
	// the race: the pump, the heartbeat, a revocation or the broker.
	closeOnce sync.Once
	state     atomic.Int32

	mu       sync.Mutex
	sess     model.Session
	subs     map[model.ConvID]*subscription
	maxSubs  int
	closeErr *wire.Error

	// [HEARTBEAT] correlated ping/pong state, guarded by mu.
	pendingPing string
	missedPongs int

	lastOutNs atomic.Int64
	dropped   *atomic.Uint64 // broker-wide counter
}

func (l *Link) ID() uuid.UUID        { return l.id }
func (l *Link) Transport() string    { return l.transport }
func (l *Link) CreatedAt() time.Time { return l.createdAt }
func (l *Link) State() LinkState     { return LinkState(l.state.Load()) }

// Frames is the outbound queue drained by the transport's writer pump.
func (l *Link) Frames() <-chan wire.Frame { return l.out }

// Done closes once the link enters teardown.
func (l *Link) Done() <-chan struct{} { return l.done }

// Bind attaches the authenticated session and moves the link to READY.
func (l *Link) Bind(sess model.Session) {
	l.mu.Lock()
	l.sess = sess
	l.mu.Unlock()
	l.state.CompareAndSwap(int32(StateAuthPending), int32(StateReady))
}

// Session returns the bound identity; ok is false before authentication.
func (l *Link) Session() (model.Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess, l.sess.SessionToken != ""
}

// Push enqueues one outbound frame without blocking. False means the
// queue is saturated or the link is gone; the caller decides whether the
// frame was droppable (presence updates) or fatal to order (events).
func (l *Link) Push(f wire.Frame) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.out <- f:
		l.lastOutNs.Store(time.Now().UnixNano())
		return true
	default:
		l.dropped.Add(1)
		return false
	}
}

// Deliver pushes an order-bearing frame. Saturation here means the
// consumer stopped draining; the link closes rather than skipping, since
// a silent gap would break the contiguous-delivery contract.
func (l *Link) Deliver(f wire.Frame) bool {
	if l.Push(f) {
		return true
	}
	l.Close(wire.Internal("outbound queue overflow"))
	return false
}

// send blocks until the frame is queued or the link dies. The catch-up
// path uses it so replay flows at the consumer's pace instead of tripping
// the overflow guard on large backlogs.
func (l *Link) send(ctx context.Context, f wire.Frame) bool {
	select {
	case <-l.done:
		return false
	case <-ctx.Done():
		return false
	case l.out <- f:
		l.lastOutNs.Store(time.Now().UnixNano())
		return true
	}
}

// Close tears the link down exactly once. A non-nil reason is enqueued
// best-effort so the pump can emit it before the transport goes away.
func (l *Link) Close(reason *wire.Error) {
	l.closeOnce.Do(func() {
		l.state.Store(int32(StateClosing))
		l.mu.Lock()
		l.closeErr = reason
		l.mu.Unlock()
		if reason != nil {
			select {
			case l.out <- wire.ErrorFrame("", reason):
			default:
			}
		}
		close(l.done)
	})
}

// CloseReason reports why the link died, when a reason was recorded.
func (l *Link) CloseReason() *wire.Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeErr
}

// Heartbeat drives the server half of the liveness contract: pings go out
// only while the link is otherwise idle, and a ping left unanswered for
// two intervals closes the transport. Transports run it as a goroutine
// next to their pumps.
func (l *Link) Heartbeat(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-t.C:
			if l.heartbeatTick(interval) {
				l.Close(nil)
				return
			}
		}
	}
}

// heartbeatTick returns true when the link must close.
func (l *Link) heartbeatTick(interval time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pendingPing != "" {
		l.missedPongs++
		return l.missedPongs >= 2
	}
	if time.Since(time.Unix(0, l.lastOutNs.Load())) < interval {
		// Outbound traffic is its own liveness probe.
		return false
	}
	id := uuid.NewString()
	f, err := wire.NewFrame(wire.TPing, id, nil)
	if err != nil {
		return false
	}
	if l.Push(f) {
		l.pendingPing = id
		l.missedPongs = 0
	}
	return false
}

// HandlePong clears the outstanding ping when the correlation id matches.
// An id-less pong is accepted as a coarse liveness signal.
func (l *Link) HandlePong(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pendingPing != "" && (id == "" || id == l.pendingPing) {
		l.pendingPing = ""
		l.missedPongs = 0
	}
}

// putSub installs a subscription under the per-link cap, returning the
// one it replaced, if any.
func (l *Link) putSub(conv model.ConvID, sub *subscription) (*subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.subs[conv]
	if old == nil && len(l.subs) >= l.maxSubs {
		return nil, wire.Invalid("subscription cap reached")
	}
	l.subs[conv] = sub
	return old, nil
}

// dropSub removes the entry only if it still points at sub; a replacement
// racing a terminal error must not clobber the newer subscription.
func (l *Link) dropSub(conv model.ConvID, sub *subscription) {
	l.mu.Lock()
	if cur := l.subs[conv]; cur == sub {
		delete(l.subs, conv)
	}
	l.mu.Unlock()
}

// drainSubs empties the subscription table for teardown.
func (l *Link) drainSubs() []*subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*subscription, 0, len(l.subs))
	for _, s := range l.subs {
		out = append(out, s)
	}
	clear(l.subs)
	return out
}
