// Package pubsub carries presence fan-out over an in-process watermill
// bus. One topic per watcher keeps targeting trivial: emitters publish to
// every eligible watcher's topic, links subscribe only to their own.
package pubsub

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Updates queued per subscriber before the bus itself starts buffering
// against a slow forwarder. Presence is droppable; small is fine.
const outputBuffer = 64

// NewBus builds the in-process channel bus. Presence updates are
// ephemeral by nature, so nothing is persisted and publishes to topics
// without subscribers evaporate.
func NewBus(log watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: outputBuffer,
	}, log)
}
