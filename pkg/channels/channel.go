package channels

import (
	"context"

	"github.com/harun/kurir/pkg/bus"
)

// Dispatch hands an inbound message to the engine. Implementations return
// bus.ErrBackpressure when the session's lane is full; connectors decide how
// to surface that to their transport.
type Dispatch func(ctx context.Context, msg bus.InboundMessage) error

// Channel is a transport connector. Connectors translate between their wire
// format and bus messages; everything past the bus is channel-agnostic.
type Channel interface {
	// Name returns the unique channel name, used as the session key prefix.
	Name() string

	// Start begins receiving. Inbound messages go through dispatch.
	Start(ctx context.Context, dispatch Dispatch) error

	// Send delivers one outbound message to the transport.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// Stop shuts the connector down.
	Stop() error
}
