package conn

import (
	"context"
	"sync"

	"github.com/chatmee/chat-client/internal/transport"
)

// publishedFrame records one Publish call on the fake transport.
type publishedFrame struct {
	Dest    string
	Payload any
}

// fakeTransport is a scripted in-memory Transport for driving the manager
// and registry in tests. Deliver pushes a frame to a subscribed handler the
// way the real read loop would.
type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	failConnect error
	subs        map[string]transport.FrameHandler
	published   []publishedFrame
	subscribes  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]transport.FrameHandler)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnect != nil {
		return f.failConnect
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Subscribe(topic string, fn transport.FrameHandler) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, transport.ErrNotConnected
	}
	f.subscribes++
	f.subs[topic] = fn
	return &fakeSub{t: f, topic: topic}, nil
}

func (f *fakeTransport) Publish(dest string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.published = append(f.published, publishedFrame{Dest: dest, Payload: payload})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.subs = make(map[string]transport.FrameHandler)
	return nil
}

// Deliver invokes the handler subscribed to topic, if any.
func (f *fakeTransport) Deliver(topic string, body []byte) {
	f.mu.Lock()
	fn := f.subs[topic]
	f.mu.Unlock()
	if fn != nil {
		fn(topic, body)
	}
}

// Published returns a copy of all recorded publishes.
func (f *fakeTransport) Published() []publishedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedFrame, len(f.published))
	copy(out, f.published)
	return out
}

// PublishedTo returns the publishes addressed to dest.
func (f *fakeTransport) PublishedTo(dest string) []publishedFrame {
	var out []publishedFrame
	for _, p := range f.Published() {
		if p.Dest == dest {
			out = append(out, p)
		}
	}
	return out
}

// HasSub reports whether a handler is attached to topic.
func (f *fakeTransport) HasSub(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[topic]
	return ok
}

type fakeSub struct {
	t     *fakeTransport
	topic string
}

func (s *fakeSub) Topic() string { return s.topic }

func (s *fakeSub) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.subs, s.topic)
	return nil
}
