package conn

import (
	"errors"
	"log"
	"sync"

	"github.com/chatmee/chat-client/internal/transport"
)

// Registry multiplexes named topics over the one transport connection,
// guaranteeing at most one live subscription per topic string. A second
// Subscribe for an already-subscribed topic is a no-op, which prevents
// duplicate frame delivery when a room is re-entered.
//
// The registry does not survive a connection drop: when the transport
// closes, the manager calls DropAll and consumers re-subscribe on the next
// successful connect.
type Registry struct {
	transport transport.Transport

	mu   sync.Mutex
	subs map[string]transport.Subscription
}

// NewRegistry creates an empty registry bound to the given transport.
func NewRegistry(t transport.Transport) *Registry {
	return &Registry{
		transport: t,
		subs:      make(map[string]transport.Subscription),
	}
}

// Subscribe attaches fn to topic if no live subscription for it exists.
// Without an active connection it returns transport.ErrNotConnected; the
// caller is expected to re-subscribe after the next connect.
func (r *Registry) Subscribe(topic string, fn transport.FrameHandler) error {
	r.mu.Lock()
	if _, ok := r.subs[topic]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	sub, err := r.transport.Subscribe(topic, contain(fn))
	if err != nil {
		if !errors.Is(err, transport.ErrNotConnected) {
			log.Printf("[conn] subscribe %s failed: %v", topic, err)
		}
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[topic]; ok {
		// Lost a race with another Subscribe for the same topic; keep the
		// first one.
		go sub.Unsubscribe()
		return nil
	}
	r.subs[topic] = sub
	return nil
}

// Unsubscribe releases the topic's subscription. Safe to call on a topic
// with no subscription.
func (r *Registry) Unsubscribe(topic string) {
	r.mu.Lock()
	sub, ok := r.subs[topic]
	delete(r.subs, topic)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		log.Printf("[conn] unsubscribe %s: %v", topic, err)
	}
}

// UnsubscribeAll releases every live subscription. Used on graceful
// disconnect.
func (r *Registry) UnsubscribeAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]transport.Subscription)
	r.mu.Unlock()

	for topic, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[conn] unsubscribe %s: %v", topic, err)
		}
	}
}

// DropAll forgets every subscription without unsubscribing. Used when the
// connection is already gone and the handles are dead.
func (r *Registry) DropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]transport.Subscription)
}

// Subscribed reports whether a live subscription exists for topic.
func (r *Registry) Subscribed(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[topic]
	return ok
}

// Topics returns the currently subscribed topic set.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		out = append(out, topic)
	}
	return out
}

// contain wraps a frame handler so that a panic while processing one frame
// is logged and dropped instead of killing the transport's read loop and
// with it every other subscription.
func contain(fn transport.FrameHandler) transport.FrameHandler {
	return func(topic string, body []byte) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[conn] frame handler panic on %s: %v", topic, rec)
			}
		}()
		fn(topic, body)
	}
}
