// ABOUTME: Channel abstraction between the connection manager and the wire.
// ABOUTME: Defines event frames, the Transport interface, and the injectable Dialer.

package transport

import (
	"context"

	"github.com/goccy/go-json"
)

// Frame is one event envelope on the realtime channel. Every message in
// either direction is a JSON object of the form {"event": ..., "data": ...}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Transport is a single live bidirectional channel. Implementations must
// preserve per-connection send order: frames passed to Emit arrive at the
// backend in Emit call order.
type Transport interface {
	// Emit encodes data and sends one event frame. Fire-and-forget: a nil
	// error means the frame was handed to the channel, not that it was
	// delivered.
	Emit(event string, data any) error

	// Frames returns the stream of decoded incoming frames. The channel is
	// closed when the transport drops, whether by Close or by failure.
	Frames() <-chan Frame

	// Alive reports whether the underlying channel is still usable. This is
	// the ground truth the connection manager reconciles its cached state
	// against.
	Alive() bool

	// Close releases the channel. Safe to call more than once.
	Close() error
}

// Dialer establishes a new Transport. The connection manager is constructed
// with a Dialer so tests can hand it a fake.
type Dialer func(ctx context.Context) (Transport, error)
