package pubsub

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/fx"
)

// Module wires the presence bus into the application graph.
//
// [GRACEFUL_SHUTDOWN]: closing the bus closes every open subscriber
// channel, which unwinds the per-link forwarders before the links
// themselves are torn down.
var Module = fx.Module("pubsub",
	fx.Provide(
		NewBus,
		NewPresenceDispatcher,
	),
	fx.Invoke(func(lc fx.Lifecycle, bus *gochannel.GoChannel) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return bus.Close()
			},
		})
	}),
)
