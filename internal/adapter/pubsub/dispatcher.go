package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/meshline/ds-gateway/internal/domain/model"
)

// watchTopic names the per-watcher delivery topic.
func watchTopic(watcher model.UserID) string {
	return "presence.watch." + string(watcher)
}

// PresenceDispatcher defines the high-level contract for presence
// fan-out. This allows emitters and forwarders to stay agnostic of the
// bus implementation.
type PresenceDispatcher interface {
	Publish(ctx context.Context, watcher model.UserID, up model.PresenceUpdate) error
	Subscribe(ctx context.Context, watcher model.UserID) (<-chan *message.Message, error)
}

// presenceDispatcher is the concrete implementation (private).
type presenceDispatcher struct {
	bus *gochannel.GoChannel
}

// NewPresenceDispatcher returns the interface instead of the pointer to
// the struct.
func NewPresenceDispatcher(bus *gochannel.GoChannel) PresenceDispatcher {
	return &presenceDispatcher{
		bus: bus,
	}
}

func (d *presenceDispatcher) Publish(ctx context.Context, watcher model.UserID, up model.PresenceUpdate) error {
	payload, err := json.Marshal(up)
	if err != nil {
		return fmt.Errorf("presence dispatcher: marshal failure: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	topic := watchTopic(watcher)
	if err := d.bus.Publish(topic, msg); err != nil {
		return fmt.Errorf("presence dispatcher: failed to publish to topic %s: %w", topic, err)
	}

	return nil
}

// Subscribe opens the watcher's topic. The stream closes when ctx is
// cancelled; consumers must Ack every message or the bus stalls the
// subscription.
func (d *presenceDispatcher) Subscribe(ctx context.Context, watcher model.UserID) (<-chan *message.Message, error) {
	return d.bus.Subscribe(ctx, watchTopic(watcher))
}

// DecodeUpdate recovers the typed payload on the consuming side.
func DecodeUpdate(msg *message.Message) (model.PresenceUpdate, error) {
	var up model.PresenceUpdate
	if err := json.Unmarshal(msg.Payload, &up); err != nil {
		return model.PresenceUpdate{}, fmt.Errorf("presence dispatcher: decode failure: %w", err)
	}
	return up, nil
}
