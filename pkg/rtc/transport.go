// Package rtc defines the boundary between the session core and the
// real-time media transport: the raw event vocabulary, participant
// snapshots, PCM audio frames, and the Transport interface the rest of the
// module consumes. The LiveKit implementation lives alongside the interface;
// everything above this package treats the transport as opaque.
package rtc

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by transport operations that require an
// established connection.
var ErrNotConnected = errors.New("rtc: not connected")

// Transport is the session core's view of a connected media session. Events
// are delivered in transport order on a single channel that is closed exactly
// once when the transport shuts down.
type Transport interface {
	// Events returns the raw event stream. The channel is closed when the
	// transport is closed or the connection ends permanently.
	Events() <-chan *RawEvent

	// SendData publishes an application message on the transport's reliable
	// data channel.
	SendData(ctx context.Context, payload []byte) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}
