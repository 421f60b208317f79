package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// subjectRoot prefixes every NATS subject derived from a topic or
// destination name.
const subjectRoot = "chatmee"

// NATSConfig holds NATS transport settings.
type NATSConfig struct {
	URL     string // nats://localhost:4222
	Name    string // client name for identification
	OnClose CloseHandler
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:  nats.DefaultURL,
		Name: "chatmee-client",
	}
}

// NATS is a Transport over a NATS connection. Topics and destinations map to
// subjects by swapping the path separators for subject tokens, so
// "/topic/public/r1" becomes "chatmee.topic.public.r1". Frames ride as bare
// JSON bodies; the subject itself carries the topic.
//
// Reconnection is intentionally disabled: the engine reconnects only on an
// identity change, so the transport must not resurrect itself behind the
// connection manager's back.
type NATS struct {
	config NATSConfig

	mu   sync.Mutex
	conn *nats.Conn
}

// NewNATS creates a NATS transport. No connection is made until Connect is
// called.
func NewNATS(config NATSConfig) *NATS {
	return &NATS{config: config}
}

// Connect establishes the NATS connection. Calling Connect while a live
// connection exists is a no-op.
func (t *NATS) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	opts := []nats.Option{
		nats.Name(t.config.Name),
		nats.NoReconnect(),
		nats.ClosedHandler(func(nc *nats.Conn) {
			t.mu.Lock()
			t.conn = nil
			t.mu.Unlock()
			if t.config.OnClose != nil {
				t.config.OnClose(nc.LastError())
			}
		}),
	}

	nc, err := nats.Connect(t.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("transport: nats connect: %w", err)
	}

	log.Printf("[transport] connected to %s", nc.ConnectedUrl())
	t.conn = nc
	return nil
}

// Connected reports whether a live connection exists.
func (t *NATS) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.IsConnected()
}

// Subscribe attaches fn to the subject derived from topic.
func (t *NATS) Subscribe(topic string, fn FrameHandler) (Subscription, error) {
	t.mu.Lock()
	nc := t.conn
	t.mu.Unlock()
	if nc == nil {
		return nil, ErrNotConnected
	}

	sub, err := nc.Subscribe(subjectFor(topic), func(m *nats.Msg) {
		fn(topic, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe %s: %w", topic, err)
	}
	return &natsSubscription{topic: topic, sub: sub}, nil
}

// Publish sends payload, JSON-encoded, to the subject derived from dest.
func (t *NATS) Publish(dest string, payload any) error {
	t.mu.Lock()
	nc := t.conn
	t.mu.Unlock()
	if nc == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal for %s: %w", dest, err)
	}
	if err := nc.Publish(subjectFor(dest), data); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", dest, err)
	}
	return nil
}

// Close drains and closes the connection. Safe to call when not connected.
func (t *NATS) Close() error {
	t.mu.Lock()
	nc := t.conn
	t.mu.Unlock()
	if nc == nil {
		return nil
	}
	// Drain flushes buffered publishes (the going-offline presence frame)
	// before closing; the ClosedHandler fires afterwards.
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("transport: drain: %w", err)
	}
	return nil
}

// subjectFor converts a topic or destination path to a NATS subject.
func subjectFor(path string) string {
	trimmed := strings.Trim(path, "/")
	return subjectRoot + "." + strings.ReplaceAll(trimmed, "/", ".")
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
	once  sync.Once
}

func (s *natsSubscription) Topic() string { return s.topic }

func (s *natsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
	})
	return err
}

// interface guard
var _ Transport = (*NATS)(nil)
