package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/chatmee/chat-client/internal/protocol"
)

// WebSocketConfig holds WebSocket transport settings.
type WebSocketConfig struct {
	// URL is the server's WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string

	// OnClose, if set, is invoked once per established connection when it
	// ends. A nil error means the close was locally initiated.
	OnClose CloseHandler
}

// WebSocket is the production Transport: a single gobwas/ws connection
// carrying JSON envelope frames. A background read loop dispatches inbound
// frames to per-topic handlers; writes are serialized by a mutex.
type WebSocket struct {
	config WebSocketConfig

	mu       sync.Mutex
	sess     *wsSession
	handlers map[string]FrameHandler

	writeMu sync.Mutex
}

// wsSession is the per-connection state. A fresh session is created on every
// successful dial so that close-once semantics survive reconnects.
type wsSession struct {
	conn net.Conn
	done chan struct{}
	once sync.Once
}

// NewWebSocket creates a WebSocket transport. No connection is made until
// Connect is called.
func NewWebSocket(config WebSocketConfig) *WebSocket {
	return &WebSocket{
		config:   config,
		handlers: make(map[string]FrameHandler),
	}
}

// Connect dials the configured URL and starts the read loop. Calling Connect
// while a live connection exists is a no-op.
func (t *WebSocket) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sess != nil {
		return nil
	}

	conn, _, _, err := ws.Dial(ctx, t.config.URL)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", t.config.URL, err)
	}

	sess := &wsSession{conn: conn, done: make(chan struct{})}
	t.sess = sess
	// Handlers from a previous connection are stale; subscribers re-attach.
	t.handlers = make(map[string]FrameHandler)

	go t.readLoop(sess)
	return nil
}

// Connected reports whether a live connection exists.
func (t *WebSocket) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess != nil
}

// Subscribe registers fn for a topic and tells the server to fan the topic
// out to this connection.
func (t *WebSocket) Subscribe(topic string, fn FrameHandler) (Subscription, error) {
	t.mu.Lock()
	if t.sess == nil {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	t.handlers[topic] = fn
	t.mu.Unlock()

	if err := t.Publish(protocol.DestSubscribe, protocol.SubscribeRequest{Topic: topic}); err != nil {
		t.mu.Lock()
		delete(t.handlers, topic)
		t.mu.Unlock()
		return nil, err
	}
	return &wsSubscription{transport: t, topic: topic}, nil
}

// Publish sends payload to dest as a JSON envelope frame.
func (t *WebSocket) Publish(dest string, payload any) error {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}

	data, err := protocol.EncodeOutbound(dest, payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(sess.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("transport: write to %s: %w", dest, err)
	}
	return nil
}

// Close tears down the connection. Safe to call when not connected or more
// than once.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess == nil {
		return nil
	}
	t.finish(sess, nil)
	return nil
}

// readLoop reads frames off the wire until the connection ends, dispatching
// each to its topic handler. Malformed envelopes are logged and dropped;
// frames for topics with no handler are dropped silently (the server may
// still be flushing a topic we just left).
func (t *WebSocket) readLoop(sess *wsSession) {
	for {
		data, err := wsutil.ReadServerText(sess.conn)
		if err != nil {
			select {
			case <-sess.done:
				// Locally initiated close; finish already ran.
			default:
				t.finish(sess, fmt.Errorf("transport: read: %w", err))
			}
			return
		}
		t.dispatch(data)
	}
}

// dispatch routes one raw inbound frame to its topic handler.
func (t *WebSocket) dispatch(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		log.Printf("[transport] dropping malformed frame: %v", err)
		return
	}

	t.mu.Lock()
	fn := t.handlers[env.Topic]
	t.mu.Unlock()
	if fn != nil {
		fn(env.Topic, env.Body)
	}
}

// finish ends the session exactly once: marks it done, closes the socket,
// clears transport state, and notifies the close handler.
func (t *WebSocket) finish(sess *wsSession, cause error) {
	sess.once.Do(func() {
		close(sess.done)
		sess.conn.Close()

		t.mu.Lock()
		if t.sess == sess {
			t.sess = nil
			t.handlers = make(map[string]FrameHandler)
		}
		t.mu.Unlock()

		if t.config.OnClose != nil {
			t.config.OnClose(cause)
		}
	})
}

// unsubscribe removes the topic handler and tells the server to stop fanning
// out the topic. The server-side detach is best effort: if the connection is
// already gone there is nothing to detach from.
func (t *WebSocket) unsubscribe(topic string) error {
	t.mu.Lock()
	delete(t.handlers, topic)
	connected := t.sess != nil
	t.mu.Unlock()

	if !connected {
		return nil
	}
	return t.Publish(protocol.DestUnsubscribe, protocol.SubscribeRequest{Topic: topic})
}

type wsSubscription struct {
	transport *WebSocket
	topic     string
	once      sync.Once
}

func (s *wsSubscription) Topic() string { return s.topic }

func (s *wsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.transport.unsubscribe(s.topic)
	})
	return err
}

// interface guard
var _ Transport = (*WebSocket)(nil)
