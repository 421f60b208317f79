package presence

import (
	"log"
	"sync"
	"time"

	"github.com/chatmee/chat-client/internal/conn"
	"github.com/chatmee/chat-client/internal/protocol"
	"github.com/chatmee/chat-client/internal/ratelimit"
)

// DefaultIdleWindow is how long after the last keystroke the typing signal
// auto-clears.
const DefaultIdleWindow = 2 * time.Second

// Publisher is the slice of the connection manager the notifier needs.
type Publisher interface {
	Publish(dest string, payload any) error
	Connected() bool
	CurrentIdentity() (conn.Identity, bool)
}

// Notifier debounces the outbound typing signal per room: typing=true is
// asserted when input becomes non-empty, re-armed on every keystroke, and
// typing=false is emitted after the idle window, on explicit clear, or
// immediately on send. Assertions are throttled so key-repeat cannot flood
// the connection; clears always go through so peers never see a stuck
// indicator.
type Notifier struct {
	publisher Publisher
	limiter   *ratelimit.Limiter
	idle      time.Duration

	mu    sync.Mutex
	rooms map[string]*typingState
}

type typingState struct {
	active bool
	timer  *time.Timer
}

// NewNotifier creates a Notifier with the given idle window; zero means
// DefaultIdleWindow.
func NewNotifier(p Publisher, limiter *ratelimit.Limiter, idle time.Duration) *Notifier {
	if idle <= 0 {
		idle = DefaultIdleWindow
	}
	return &Notifier{
		publisher: p,
		limiter:   limiter,
		idle:      idle,
		rooms:     make(map[string]*typingState),
	}
}

// InputChanged reports the state of the room's message input. Non-empty
// input asserts typing and (re)arms the idle timer; empty input clears it.
func (n *Notifier) InputChanged(roomID string, nonEmpty bool) {
	if !nonEmpty {
		n.Clear(roomID)
		return
	}

	n.mu.Lock()
	st := n.rooms[roomID]
	if st == nil {
		st = &typingState{}
		n.rooms[roomID] = st
	}
	wasActive := st.active
	st.active = true
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(n.idle, func() { n.Clear(roomID) })
	n.mu.Unlock()

	if !wasActive {
		n.send(roomID, true)
	}
}

// MessageSent clears the typing signal immediately after a send.
func (n *Notifier) MessageSent(roomID string) {
	n.Clear(roomID)
}

// Clear emits typing=false for the room if typing was asserted.
func (n *Notifier) Clear(roomID string) {
	n.mu.Lock()
	st := n.rooms[roomID]
	if st == nil || !st.active {
		n.mu.Unlock()
		return
	}
	st.active = false
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	n.mu.Unlock()

	n.send(roomID, false)
}

// Stop cancels all pending timers without emitting frames. Used on
// disconnect, when the frames could not be delivered anyway.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, st := range n.rooms {
		st.active = false
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}

func (n *Notifier) send(roomID string, typing bool) {
	user, ok := n.publisher.CurrentIdentity()
	if !ok || !n.publisher.Connected() {
		return
	}
	// Only assertions are throttled; a dropped clear would leave peers
	// showing a stale indicator.
	if typing && n.limiter != nil && !n.limiter.Allow(roomID, ratelimit.RuleTyping) {
		return
	}

	msg := protocol.TypingMessage{RoomID: roomID, UserID: user.ID, Typing: typing}
	if err := n.publisher.Publish(protocol.DestTyping, msg); err != nil {
		log.Printf("[presence] typing publish room=%s typing=%v: %v", roomID, typing, err)
	}
}
