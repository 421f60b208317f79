package roomsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chatmee/chat-client/internal/cache"
	"github.com/chatmee/chat-client/internal/conn"
	"github.com/chatmee/chat-client/internal/protocol"
	"github.com/chatmee/chat-client/internal/transport"
)

// fakeTransport is an in-memory Transport scripted by tests.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	subs      map[string]transport.FrameHandler
	published []publishedFrame
}

type publishedFrame struct {
	Dest    string
	Payload any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]transport.FrameHandler)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeTransport) HasSub(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[topic]
	return ok
}

func (f *fakeTransport) PublishedTo(dest string) []publishedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedFrame
	for _, p := range f.published {
		if p.Dest == dest {
			out = append(out, p)
		}
	}
	return out
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

// fakeFetcher serves scripted history pages. If gate is non-nil the fetch
// blocks until the gate is closed or the context is cancelled, letting
// tests race a room close against an in-flight load.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string][]protocol.Message
	err   error
	calls int
	gate  chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: make(map[string][]protocol.Message)}
}

func (f *fakeFetcher) RecentMessages(ctx context.Context, roomID string) ([]protocol.Message, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	err := f.err
	page := f.pages[roomID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// harness bundles a connected engine over fakes.
type harness struct {
	transport *fakeTransport
	fetcher   *fakeFetcher
	cache     *cache.Session
	manager   *conn.Manager
	sync      *Synchronizer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		fetcher:   newFakeFetcher(),
		cache:     cache.NewSession(),
	}
	h.manager = conn.NewManager(h.transport, conn.ManagerConfig{Heartbeat: time.Hour})
	h.sync = New(Config{
		Manager:      h.manager,
		Fetcher:      h.fetcher,
		Cache:        h.cache,
		TypingFrames: func(string, []byte) {},
	})
	h.manager.HandleAuthEvent(context.Background(), conn.AuthEvent{
		LoggedIn: true,
		User:     conn.Identity{ID: "u1", Name: "Alice"},
	})
	return h
}

// deliver pushes a raw frame to the transport handler for topic.
func (h *harness) deliver(t *testing.T, topic string, body string) {
	t.Helper()
	h.transport.mu.Lock()
	fn := h.transport.subs[topic]
	h.transport.mu.Unlock()
	if fn == nil {
		t.Fatalf("no subscription for %s", topic)
	}
	fn(topic, []byte(body))
}
