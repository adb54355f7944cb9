package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
)

// lane is the per-conversation delivery unit.
type lane struct {
	conv model.ConvID

	// [ORDER_CRITICAL]
	// mu serializes the allocate-then-broadcast section: every event is
	// committed and handed to subscriber queues under it, so the durable
	// seq order and the fan-out order can never diverge. Attach and flip
	// take the same lock, which is what makes catch-up gapless.
	mu             sync.Mutex
	subs           map[uuid.UUID]*subscription
	head           uint64
	lastActivityAt time.Time
}

func newLane(conv model.ConvID) *lane {
	return &lane{
		conv:           conv,
		subs:           make(map[uuid.UUID]*subscription),
		lastActivityAt: time.Now(),
	}
}

// subscription connects one link to one lane. It starts in catch-up,
// parking live broadcasts in pending while the storage replay runs, and
// flips to live tail under the lane lock once both sources are drained.
type subscription struct {
	id     uuid.UUID
	conv   model.ConvID
	link   *Link
	cancel context.CancelFunc

	// Guarded by the owning lane's mu.
	live     bool
	gap      bool
	pending  []model.Event
	lastSent uint64
}

// broadcastLocked fans one freshly committed event out to every
// subscriber. The caller holds ln.mu; the frame is marshaled once per
// lane regardless of subscriber count.
func (ln *lane) broadcastLocked(ev model.Event, pendingCap int) {
	ln.head = ev.Seq
	ln.lastActivityAt = time.Now()
	if len(ln.subs) == 0 {
		return
	}

	frame, err := eventFrame(ev)
	if err != nil {
		return
	}
	for _, sub := range ln.subs {
		if !sub.live {
			// [CATCHUP_BUFFER] replay in flight. Park the event unless the
			// buffer is full; everything missed is durable, so the replay
			// loop just goes back through storage.
			if len(sub.pending) >= pendingCap {
				sub.gap = true
			} else {
				sub.pending = append(sub.pending, ev)
			}
			continue
		}
		if ev.Seq <= sub.lastSent {
			continue
		}
		if sub.link.Deliver(frame) {
			sub.lastSent = ev.Seq
		}
	}
}

func (ln *lane) detach(id uuid.UUID) {
	ln.mu.Lock()
	delete(ln.subs, id)
	ln.lastActivityAt = time.Now()
	ln.mu.Unlock()
}

func (ln *lane) stats() model.LaneStats {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return model.LaneStats{
		ConvID:      ln.conv,
		Subscribers: len(ln.subs),
		HeadSeq:     ln.head,
	}
}

// eventFrame renders the unsolicited push frame for one committed event.
func eventFrame(ev model.Event) (wire.Frame, error) {
	return wire.NewFrame(wire.TConvEvent, "", wire.ConvEvent{
		ConvID:        string(ev.ConvID),
		Seq:           ev.Seq,
		MsgID:         ev.MsgID,
		Env:           ev.Env,
		TsMs:          ev.TsMs,
		OriginGateway: ev.OriginGateway,
	})
}
