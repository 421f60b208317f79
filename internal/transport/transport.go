// Package transport provides the persistent pub/sub connection the client
// engine runs on. A Transport multiplexes named topics over one connection:
// inbound frames are dispatched to per-topic handlers from a single read
// loop, outbound payloads are published to application destinations.
//
// Two implementations exist: WebSocket (the production path, speaking a JSON
// envelope protocol) and NATS (for deployments that expose the broker
// directly, and for integration tooling).
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Publish and Subscribe when no live
// connection exists.
var ErrNotConnected = errors.New("transport: not connected")

// FrameHandler receives the raw JSON body of one inbound frame. Handlers are
// invoked from the transport's read loop, one frame at a time, in the order
// the transport delivered them; they must not block for extended periods.
type FrameHandler func(topic string, body []byte)

// Subscription is a live attachment to one topic.
type Subscription interface {
	// Topic returns the topic this subscription is attached to.
	Topic() string

	// Unsubscribe detaches the handler and releases the underlying
	// resources. It is safe to call more than once.
	Unsubscribe() error
}

// Transport is a single persistent pub/sub connection.
type Transport interface {
	// Connect establishes the connection. It returns an error if dialing
	// fails; once it returns nil the transport accepts Subscribe and
	// Publish calls until the connection drops or Close is called.
	Connect(ctx context.Context) error

	// Connected reports whether a live connection exists.
	Connected() bool

	// Subscribe attaches fn to a topic. The transport does not deduplicate
	// topics; callers that need at-most-one subscription per topic layer
	// that on top (see the conn package's Registry).
	Subscribe(topic string, fn FrameHandler) (Subscription, error)

	// Publish sends payload, JSON-encoded, to an application destination.
	Publish(dest string, payload any) error

	// Close tears the connection down. Safe to call when not connected.
	Close() error
}

// CloseHandler is invoked once when an established connection ends. err is
// nil for a locally initiated Close and non-nil when the transport failed or
// the server closed the connection.
type CloseHandler func(err error)
