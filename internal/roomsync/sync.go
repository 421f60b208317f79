// Package roomsync keeps per-room message state consistent with the
// server-authoritative stream. Each open room is a small state machine:
// history is loaded once per session (then served from the session cache),
// sends are applied optimistically and reconciled against confirmation or
// failure frames, and inbound broadcasts are deduplicated by durable id.
package roomsync

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatmee/chat-client/internal/cache"
	"github.com/chatmee/chat-client/internal/conn"
	"github.com/chatmee/chat-client/internal/metrics"
	"github.com/chatmee/chat-client/internal/protocol"
	"github.com/chatmee/chat-client/internal/transport"
)

// PageSize is the fixed history page requested on a cold room open.
// hasMoreHistory is inferred from a full page.
const PageSize = 50

// SendStatus is the delivery state of one message entry.
type SendStatus string

const (
	StatusSending SendStatus = "sending"
	StatusSent    SendStatus = "sent"
	StatusFailed  SendStatus = "failed"
)

// MessageWithStatus is a server message decorated with client-side delivery
// state. IsOptimistic is true only between the local append and the arrival
// of the confirmation or failure frame for the same tempId.
type MessageWithStatus struct {
	protocol.Message

	Status       SendStatus
	IsOptimistic bool
	IsOwn        bool
	ErrorMessage string
}

// RoomState is the snapshot exposed to the UI layer for one room. Messages
// are in arrival/confirmation order and unique by durable id; the list is
// never re-sorted, so an optimistic entry keeps its position when confirmed.
type RoomState struct {
	Messages  []MessageWithStatus
	HasMore   bool
	Loading   bool
	Sending   bool
	Error     string
	Connected bool
}

// HistoryFetcher is the external HTTP collaborator that serves the most
// recent PageSize messages for a room, newest first.
type HistoryFetcher interface {
	RecentMessages(ctx context.Context, roomID string) ([]protocol.Message, error)
}

// Config holds synchronizer dependencies.
type Config struct {
	Manager *conn.Manager
	Fetcher HistoryFetcher
	Cache   *cache.Session

	// TypingFrames, if set, is attached to each open room's typing topic
	// (the presence aggregator's inbound handler).
	TypingFrames transport.FrameHandler

	// OnChange, if set, is invoked after every state change for a room.
	OnChange func(roomID string)
}

// Synchronizer multiplexes room state machines by room id over the shared
// connection.
type Synchronizer struct {
	config Config

	mu    sync.Mutex
	rooms map[string]*room
	now   func() time.Time
}

// room is the internal per-room state. epoch increments on every close so
// that a history load resolving after the room moved on is discarded.
type room struct {
	id       string
	open     bool
	epoch    int
	cancel   context.CancelFunc
	messages []MessageWithStatus
	hasMore  bool
	loading  bool
	err      string
}

// New creates a Synchronizer. Wire HandleConnectionState to the manager's
// state callback so subscriptions are re-established after a reconnect.
func New(config Config) *Synchronizer {
	return &Synchronizer{
		config: config,
		rooms:  make(map[string]*room),
		now:    time.Now,
	}
}

// OpenRoom starts synchronizing a room: it subscribes to the room's message
// and typing topics, announces first-time entry, and makes history
// available: synchronously from the session cache when warm, otherwise via
// an asynchronous fetch. It returns immediately.
func (s *Synchronizer) OpenRoom(ctx context.Context, roomID string) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{id: roomID}
		s.rooms[roomID] = r
	}
	if r.open {
		s.mu.Unlock()
		return
	}
	r.open = true
	r.err = ""
	s.mu.Unlock()

	firstEntry := !s.config.Cache.Has(roomID)
	s.subscribeRoom(roomID)
	if firstEntry {
		s.announceJoin(roomID)
	}

	if entry, ok := s.config.Cache.Get(roomID); ok {
		s.hydrateFromCache(r, entry)
		metrics.HistoryLoads.WithLabelValues("hit").Inc()
		s.notify(roomID)
		return
	}

	s.mu.Lock()
	r.loading = true
	r.epoch++
	epoch := r.epoch
	loadCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	s.mu.Unlock()
	s.notify(roomID)

	go s.load(loadCtx, r, epoch)
}

// CloseRoom stops synchronizing a room: topics are released and any
// in-flight history load is cancelled and its result invalidated. Cached
// history is retained so reopening within the session is instant.
func (s *Synchronizer) CloseRoom(roomID string) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	r.open = false
	r.epoch++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.loading = false
	s.mu.Unlock()

	registry := s.config.Manager.Registry()
	registry.Unsubscribe(protocol.RoomTopic(roomID))
	registry.Unsubscribe(protocol.TypingTopic(roomID))
}

// SendMessage applies an optimistic entry for content and publishes the
// send frame. Empty (after trimming) content and sends while disconnected
// are no-ops. Each call is an independent send with its own tempId;
// concurrent outstanding sends are allowed.
func (s *Synchronizer) SendMessage(roomID, content string) {
	content = strings.TrimSpace(content)
	if content == "" || !s.config.Manager.Connected() {
		metrics.SendsTotal.WithLabelValues("rejected").Inc()
		return
	}
	user, ok := s.config.Manager.CurrentIdentity()
	if !ok {
		metrics.SendsTotal.WithLabelValues("rejected").Inc()
		return
	}

	tempID := uuid.NewString()
	now := s.now().UTC().Format(time.RFC3339)
	optimistic := MessageWithStatus{
		Message: protocol.Message{
			ID:         "optimistic-" + tempID,
			TempID:     tempID,
			RoomID:     roomID,
			SenderID:   user.ID,
			SenderName: user.Name,
			Content:    content,
			Type:       protocol.MessageTypeText,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		Status:       StatusSending,
		IsOptimistic: true,
		IsOwn:        true,
	}

	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok || !r.open {
		s.mu.Unlock()
		metrics.SendsTotal.WithLabelValues("rejected").Inc()
		return
	}
	r.messages = append(r.messages, optimistic)
	s.mu.Unlock()
	metrics.OptimisticOutstanding.Inc()
	s.notify(roomID)

	req := protocol.ChatMessageRequest{
		RoomID:      roomID,
		Content:     content,
		MessageType: protocol.MessageTypeText,
		SenderID:    user.ID,
		SenderName:  user.Name,
		TempID:      tempID,
	}
	if err := s.config.Manager.Publish(protocol.DestSendMessage, req); err != nil {
		log.Printf("[sync] send publish failed room=%s: %v", roomID, err)
		s.failSend(tempID, "failed to send")
		return
	}
	metrics.SendsTotal.WithLabelValues("sent").Inc()
}

// Snapshot returns the current state of a room for rendering. Unknown rooms
// yield a zero state.
func (s *Synchronizer) Snapshot(roomID string) RoomState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := RoomState{Connected: s.config.Manager.Connected()}
	r, ok := s.rooms[roomID]
	if !ok {
		return st
	}
	st.Messages = make([]MessageWithStatus, len(r.messages))
	copy(st.Messages, r.messages)
	st.HasMore = r.hasMore
	st.Loading = r.loading
	st.Error = r.err
	st.Sending = sendingLocked(r)
	return st
}

// HandleConnectionState re-establishes subscriptions for every open room
// after a successful (re)connect. Wire it to the manager's OnStateChange.
func (s *Synchronizer) HandleConnectionState(st conn.Status) {
	if st.State != conn.StateConnected {
		return
	}

	s.mu.Lock()
	var open []string
	for id, r := range s.rooms {
		if r.open {
			open = append(open, id)
		}
	}
	s.mu.Unlock()

	for _, roomID := range open {
		s.subscribeRoom(roomID)
		if !s.config.Cache.Has(roomID) {
			s.announceJoin(roomID)
		}
	}
}

// HandleRoomFrame is the room-topic frame handler. It reconciles
// self-confirmations by tempId, drops duplicates by durable id, appends new
// messages, and mirrors the server form into the session cache.
func (s *Synchronizer) HandleRoomFrame(topic string, body []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("[sync] malformed message frame on %s: %v", topic, err)
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		return
	}
	metrics.FramesTotal.WithLabelValues("message").Inc()

	roomID := msg.RoomID
	if roomID == "" {
		if id, ok := protocol.RoomFromTopic(topic); ok {
			roomID = id
		} else {
			log.Printf("[sync] message frame without room on %s", topic)
			return
		}
	}

	user, _ := s.config.Manager.CurrentIdentity()

	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		// Frame for a room with no local state; still mirror it into the
		// cache for a later open.
		s.config.Cache.Append(roomID, msg)
		return
	}

	changed := false
	switch {
	case msg.TempID != "" && msg.SenderID == user.ID && confirmLocked(r, msg):
		// Self-confirmation resolved in place.
		changed = true
		metrics.OptimisticOutstanding.Dec()
		metrics.SendsTotal.WithLabelValues("confirmed").Inc()
	case containsLocked(r, msg.ID):
		// Duplicate: the sender sees its own broadcast via both the
		// confirmation and the room echo.
	default:
		r.messages = append(r.messages, MessageWithStatus{
			Message: msg,
			Status:  StatusSent,
			IsOwn:   msg.SenderID == user.ID,
		})
		changed = true
	}
	s.mu.Unlock()

	s.config.Cache.Append(roomID, msg)
	if changed {
		s.notify(roomID)
	}
}

// HandleErrorFrame is the private error-queue handler. A failure frame
// marks the matching optimistic entry FAILED; the entry is retained so the
// UI can offer resend.
func (s *Synchronizer) HandleErrorFrame(topic string, body []byte) {
	var sendErr protocol.SendError
	if err := json.Unmarshal(body, &sendErr); err != nil {
		log.Printf("[sync] malformed error frame on %s: %v", topic, err)
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		return
	}
	metrics.FramesTotal.WithLabelValues("error").Inc()

	if sendErr.TempID == "" {
		log.Printf("[sync] delivery error without tempId: %s", sendErr.Message)
		return
	}
	log.Printf("[sync] delivery failed tempId=%s: %s", sendErr.TempID, sendErr.Message)
	s.failSend(sendErr.TempID, sendErr.Message)
}

// subscribeRoom attaches the room's message and typing topics plus the
// private error queue. Not-connected errors are benign: subscriptions are
// re-issued by HandleConnectionState on the next connect.
func (s *Synchronizer) subscribeRoom(roomID string) {
	registry := s.config.Manager.Registry()
	registry.Subscribe(protocol.RoomTopic(roomID), s.HandleRoomFrame)
	registry.Subscribe(protocol.TopicErrors, s.HandleErrorFrame)
	if s.config.TypingFrames != nil {
		registry.Subscribe(protocol.TypingTopic(roomID), s.config.TypingFrames)
	}
}

// announceJoin publishes the one-time join frame for first-time room entry
// in this session. Best effort while disconnected.
func (s *Synchronizer) announceJoin(roomID string) {
	user, ok := s.config.Manager.CurrentIdentity()
	if !ok || !s.config.Manager.Connected() {
		return
	}
	req := protocol.ChatMessageRequest{
		RoomID:      roomID,
		MessageType: protocol.MessageTypeSystem,
		SenderID:    user.ID,
		SenderName:  user.Name,
		TempID:      uuid.NewString(),
	}
	if err := s.config.Manager.Publish(protocol.DestJoinRoom, req); err != nil {
		log.Printf("[sync] join announce failed room=%s: %v", roomID, err)
	}
}

// load fetches the newest history page and installs it unless the room was
// closed (epoch moved) while the fetch was in flight.
func (s *Synchronizer) load(ctx context.Context, r *room, epoch int) {
	page, err := s.config.Fetcher.RecentMessages(ctx, r.id)

	s.mu.Lock()
	if !r.open || r.epoch != epoch {
		s.mu.Unlock()
		return
	}
	r.loading = false
	r.cancel = nil

	if err != nil {
		// History is unusable rather than partially trusted.
		r.messages = nil
		r.hasMore = false
		r.err = "failed to load messages"
		s.mu.Unlock()
		log.Printf("[sync] history load failed room=%s: %v", r.id, err)
		metrics.HistoryLoads.WithLabelValues("error").Inc()
		s.notify(r.id)
		return
	}

	user, _ := s.config.Manager.CurrentIdentity()
	chronological := reverse(dedupeByID(page))
	hasMore := len(page) == PageSize

	r.messages = withStatus(chronological, user.ID)
	r.hasMore = hasMore
	r.err = ""
	s.mu.Unlock()

	s.config.Cache.Put(r.id, chronological, hasMore)
	metrics.HistoryLoads.WithLabelValues("miss").Inc()
	s.notify(r.id)
}

// hydrateFromCache installs cached history synchronously, recomputing
// ownership against the current identity.
func (s *Synchronizer) hydrateFromCache(r *room, entry cache.Entry) {
	user, _ := s.config.Manager.CurrentIdentity()

	s.mu.Lock()
	r.messages = withStatus(entry.Messages, user.ID)
	r.hasMore = entry.HasMore
	r.loading = false
	r.err = ""
	s.mu.Unlock()
}

// failSend marks the optimistic entry with tempID as FAILED in whichever
// room holds it.
func (s *Synchronizer) failSend(tempID, errMsg string) {
	s.mu.Lock()
	var roomID string
	for id, r := range s.rooms {
		for i := range r.messages {
			m := &r.messages[i]
			if m.IsOptimistic && m.TempID == tempID {
				m.Status = StatusFailed
				m.IsOptimistic = false
				m.ErrorMessage = errMsg
				roomID = id
				break
			}
		}
		if roomID != "" {
			break
		}
	}
	s.mu.Unlock()

	if roomID != "" {
		metrics.OptimisticOutstanding.Dec()
		metrics.SendsTotal.WithLabelValues("failed").Inc()
		s.notify(roomID)
	}
}

// notify reports a state change to the UI layer.
func (s *Synchronizer) notify(roomID string) {
	if s.config.OnChange != nil {
		s.config.OnChange(roomID)
	}
}

// confirmLocked replaces the optimistic entry matching msg's tempId in
// place, preserving its position. Returns false if no optimistic entry with
// that tempId exists.
func confirmLocked(r *room, msg protocol.Message) bool {
	for i := range r.messages {
		m := &r.messages[i]
		if m.IsOptimistic && m.TempID == msg.TempID {
			r.messages[i] = MessageWithStatus{
				Message: msg,
				Status:  StatusSent,
				IsOwn:   true,
			}
			return true
		}
	}
	return false
}

// containsLocked reports whether the room already holds an entry with the
// durable id.
func containsLocked(r *room, id string) bool {
	for i := range r.messages {
		if r.messages[i].ID == id {
			return true
		}
	}
	return false
}

// sendingLocked reports whether any optimistic send is still outstanding.
func sendingLocked(r *room) bool {
	for i := range r.messages {
		if r.messages[i].IsOptimistic && r.messages[i].Status == StatusSending {
			return true
		}
	}
	return false
}

// withStatus converts server-form messages to SENT entries, recomputing
// ownership for the given user.
func withStatus(messages []protocol.Message, userID string) []MessageWithStatus {
	out := make([]MessageWithStatus, len(messages))
	for i, m := range messages {
		out[i] = MessageWithStatus{
			Message: m,
			Status:  StatusSent,
			IsOwn:   m.SenderID == userID,
		}
	}
	return out
}

// dedupeByID removes duplicate ids preserving first occurrence order.
func dedupeByID(messages []protocol.Message) []protocol.Message {
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

// reverse returns messages in the opposite order (the history API serves
// newest first; the UI wants chronological).
func reverse(messages []protocol.Message) []protocol.Message {
	out := make([]protocol.Message, len(messages))
	for i, m := range messages {
		out[len(messages)-1-i] = m
	}
	return out
}
