// Package presence maintains the live view of who is online and who is
// typing. The Aggregator reflects inbound broadcast frames verbatim; it
// applies no staleness timeout of its own; the server corrects abrupt
// disconnects via its own heartbeat bookkeeping. The Notifier drives the
// outbound side: it asserts typing while the local user composes and clears
// it on idle or send.
package presence

import (
	"encoding/json"
	"log"
	"sort"
	"sync"

	"github.com/chatmee/chat-client/internal/metrics"
	"github.com/chatmee/chat-client/internal/protocol"
)

// AggregatorConfig holds aggregator dependencies.
type AggregatorConfig struct {
	// SelfID returns the current user id, or empty when logged out. Typing
	// frames from the current user are not reflected back into local state.
	SelfID func() string

	// OnChange, if set, is invoked after every presence or typing change.
	OnChange func()
}

// Aggregator is the process-wide presence and typing state. It exposes user
// ids only; display-name resolution is the user cache's concern.
type Aggregator struct {
	config AggregatorConfig

	mu     sync.Mutex
	online map[string]struct{}
	typing map[string]map[string]struct{} // roomID -> set of userIDs
}

// NewAggregator creates an empty Aggregator.
func NewAggregator(config AggregatorConfig) *Aggregator {
	return &Aggregator{
		config: config,
		online: make(map[string]struct{}),
		typing: make(map[string]map[string]struct{}),
	}
}

// HandlePresenceFrame is the global presence topic handler.
func (a *Aggregator) HandlePresenceFrame(topic string, body []byte) {
	var msg protocol.PresenceMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("[presence] malformed presence frame on %s: %v", topic, err)
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		return
	}
	metrics.FramesTotal.WithLabelValues("presence").Inc()
	if msg.UserID == "" {
		return
	}

	a.mu.Lock()
	if msg.Online {
		a.online[msg.UserID] = struct{}{}
	} else {
		delete(a.online, msg.UserID)
	}
	metrics.OnlineUsers.Set(float64(len(a.online)))
	a.mu.Unlock()

	a.notify()
}

// HandleTypingFrame is the per-room typing topic handler. Frames about the
// current user are ignored; the local input state is authoritative for self.
func (a *Aggregator) HandleTypingFrame(topic string, body []byte) {
	var msg protocol.TypingMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("[presence] malformed typing frame on %s: %v", topic, err)
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		return
	}
	metrics.FramesTotal.WithLabelValues("typing").Inc()
	if msg.UserID == "" || msg.RoomID == "" {
		return
	}
	if self := a.config.SelfID; self != nil && msg.UserID == self() {
		return
	}

	a.mu.Lock()
	room := a.typing[msg.RoomID]
	if msg.Typing {
		if room == nil {
			room = make(map[string]struct{})
			a.typing[msg.RoomID] = room
		}
		room[msg.UserID] = struct{}{}
	} else if room != nil {
		delete(room, msg.UserID)
		if len(room) == 0 {
			delete(a.typing, msg.RoomID)
		}
	}
	a.mu.Unlock()

	a.notify()
}

// SetOnlineUsers replaces the online set wholesale. The UI seeds it from
// the initial HTTP snapshot before frames start flowing.
func (a *Aggregator) SetOnlineUsers(userIDs []string) {
	a.mu.Lock()
	a.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		a.online[id] = struct{}{}
	}
	metrics.OnlineUsers.Set(float64(len(a.online)))
	a.mu.Unlock()

	a.notify()
}

// OnlineUsers returns the online user ids, sorted for stable rendering.
func (a *Aggregator) OnlineUsers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.online))
	for id := range a.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether the user is currently marked online.
func (a *Aggregator) IsOnline(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.online[userID]
	return ok
}

// TypingUsers returns the ids currently typing in a room, sorted.
func (a *Aggregator) TypingUsers(roomID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.typing[roomID]))
	for id := range a.typing[roomID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (a *Aggregator) notify() {
	if a.config.OnChange != nil {
		a.config.OnChange()
	}
}
