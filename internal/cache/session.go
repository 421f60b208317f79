// Package cache holds per-room message history for the lifetime of the
// process. It exists so that reopening a room never refetches history within
// a session: the first load populates the cache, live frames are appended,
// and a later open hydrates from it synchronously.
//
// Entries are server-form messages only, never optimistic or status-bearing
// state ever lands here. The cache is never persisted and has no eviction;
// it grows monotonically per room until the process exits.
package cache

import (
	"sync"
	"time"

	"github.com/chatmee/chat-client/internal/protocol"
)

// Entry is the cached history of one room.
type Entry struct {
	RoomID     string
	Messages   []protocol.Message // chronological order
	HasMore    bool               // more history exists beyond the cached page
	LastLoaded time.Time
}

// Session is a goroutine-safe room-keyed history cache.
type Session struct {
	mu    sync.RWMutex
	rooms map[string]*Entry
	now   func() time.Time
}

// NewSession creates an empty session cache.
func NewSession() *Session {
	return &Session{
		rooms: make(map[string]*Entry),
		now:   time.Now,
	}
}

// Has reports whether the room has cached history. A room is cached only
// after a completed load; Append alone never creates an entry.
func (s *Session) Has(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Get returns a copy of the room's entry. The returned message slice is
// owned by the caller.
func (s *Session) Get(roomID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.rooms[roomID]
	if !ok {
		return Entry{}, false
	}
	out := *e
	out.Messages = make([]protocol.Message, len(e.Messages))
	copy(out.Messages, e.Messages)
	return out, true
}

// Put stores the result of a completed history load, replacing any previous
// entry for the room. Messages must already be in chronological order;
// duplicates by id are dropped, first occurrence wins.
func (s *Session) Put(roomID string, messages []protocol.Message, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[roomID] = &Entry{
		RoomID:     roomID,
		Messages:   dedupe(messages),
		HasMore:    hasMore,
		LastLoaded: s.now(),
	}
}

// Append adds live messages to a room's cached history. Rooms without a
// completed load are skipped: a frame arriving before (or instead of) the
// initial load must not seed a partial cache entry that a later open would
// mistake for full history. Messages already cached by id are dropped.
func (s *Session) Append(roomID string, messages ...protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rooms[roomID]
	if !ok {
		return
	}

	seen := make(map[string]struct{}, len(e.Messages))
	for _, m := range e.Messages {
		seen[m.ID] = struct{}{}
	}
	for _, m := range messages {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		e.Messages = append(e.Messages, m)
	}
}

// Len returns the number of cached messages for a room.
func (s *Session) Len(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.rooms[roomID]; ok {
		return len(e.Messages)
	}
	return 0
}

// dedupe removes duplicate ids preserving first occurrence order.
func dedupe(messages []protocol.Message) []protocol.Message {
	seen := make(map[string]struct{}, len(messages))
	out := make([]protocol.Message, 0, len(messages))
	for _, m := range messages {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}
