// Package protocol defines the frame types and topic names used for
// communication between the ChatMee client and server. All frames are
// serialized as JSON; inbound frames arrive on named topics multiplexed over
// a single persistent connection, outbound frames are published to
// application destinations.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Topics (server -> client) and destinations (client -> server)
// ---------------------------------------------------------------------------

const (
	// TopicPresence carries global online/offline updates for all users.
	TopicPresence = "/topic/presence"

	// TopicErrors is the caller's private error queue. Delivery failures for
	// sends produced by this connection arrive here, correlated by tempId.
	TopicErrors = "/user/queue/errors"

	// topicRoomPrefix and topicTypingPrefix are completed with a room ID.
	topicRoomPrefix   = "/topic/public/"
	topicTypingPrefix = "/topic/typing/"
)

const (
	// DestSendMessage accepts ChatMessageRequest frames.
	DestSendMessage = "/app/chat.sendMessage"

	// DestJoinRoom accepts a ChatMessageRequest with MessageTypeSystem,
	// sent once per first-time room entry in a session.
	DestJoinRoom = "/app/chat.addUser"

	// DestTyping accepts TypingMessage frames.
	DestTyping = "/app/typing"

	// DestPresence accepts PresenceMessage frames.
	DestPresence = "/app/presence"

	// DestSubscribe and DestUnsubscribe carry SubscribeRequest frames that
	// attach or detach this connection from a topic on the server side.
	DestSubscribe   = "/app/subscribe"
	DestUnsubscribe = "/app/unsubscribe"
)

// RoomTopic returns the message topic for the given room.
func RoomTopic(roomID string) string {
	return topicRoomPrefix + roomID
}

// TypingTopic returns the typing topic for the given room.
func TypingTopic(roomID string) string {
	return topicTypingPrefix + roomID
}

// RoomFromTopic extracts the room ID from a message or typing topic. The
// second return value is false if the topic is not room-scoped.
func RoomFromTopic(topic string) (string, bool) {
	if rest, ok := strings.CutPrefix(topic, topicRoomPrefix); ok && rest != "" {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(topic, topicTypingPrefix); ok && rest != "" {
		return rest, true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

const (
	MessageTypeText   = "TEXT"
	MessageTypeSystem = "SYSTEM"
)

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// ChatMessageRequest is published to DestSendMessage (and, with
// MessageTypeSystem and empty content, to DestJoinRoom). TempID is the
// client-generated correlation token echoed back on the confirmation frame.
type ChatMessageRequest struct {
	RoomID      string `json:"roomId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	TempID      string `json:"tempId"`
}

// TypingMessage is published to DestTyping and broadcast back on the room's
// typing topic.
type TypingMessage struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

// PresenceMessage is published to DestPresence and broadcast on
// TopicPresence.
type PresenceMessage struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// SubscribeRequest is published to DestSubscribe or DestUnsubscribe to
// control which topics the server fans out to this connection.
type SubscribeRequest struct {
	Topic string `json:"topic"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// Message is the server-authoritative form of a chat message as delivered on
// a room topic and by the history API. TempID is non-empty only on the
// confirmation echo of a message this client sent.
type Message struct {
	ID         string `json:"id"`
	TempID     string `json:"tempId,omitempty"`
	RoomID     string `json:"chatRoomId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
	IsDeleted  bool   `json:"isDeleted"`
	IsUpdated  bool   `json:"isUpdated"`
}

// SendError arrives on TopicErrors when a send published by this connection
// is rejected. TempID identifies the optimistic entry that failed.
type SendError struct {
	TempID  string `json:"tempId"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Envelope is the on-wire frame wrapper used by the WebSocket transport.
// ---------------------------------------------------------------------------

// Envelope wraps every frame crossing the WebSocket transport. Exactly one
// of Topic (inbound) or Destination (outbound) is set; Body holds the raw
// JSON payload for deferred decoding into a concrete struct.
type Envelope struct {
	Topic       string          `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body"`
}

// DecodeEnvelope parses an inbound wire frame and validates that it names a
// topic and carries a body.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if env.Topic == "" {
		return Envelope{}, fmt.Errorf("protocol: missing or empty \"topic\" field")
	}
	if len(env.Body) == 0 {
		return Envelope{}, fmt.Errorf("protocol: frame on %s has no body", env.Topic)
	}
	return env, nil
}

// EncodeOutbound wraps a payload in an Envelope addressed to dest and
// serializes it for the wire.
func EncodeOutbound(dest string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload for %s: %w", dest, err)
	}
	data, err := json.Marshal(Envelope{Destination: dest, Body: body})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope for %s: %w", dest, err)
	}
	return data, nil
}
