package signaling

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind discriminates the signaling message union.
type Kind string

const (
	KindOffer             Kind = "offer"
	KindAnswer            Kind = "answer"
	KindICECandidate      Kind = "ice-candidate"
	KindRoomState         Kind = "room-state"
	KindUserJoined        Kind = "user-joined"
	KindUserLeft          Kind = "user-left"
	KindChat              Kind = "chat"
	KindMediaControl      Kind = "media-control"
	KindScreenShare       Kind = "screen-share-control"
	KindFileShareOffer    Kind = "file-share-offer"
	KindFileShareAccept   Kind = "file-share-accept"
	KindFileShareProgress Kind = "file-share-progress"
	KindNetworkStats      Kind = "network-stats"
	KindQualityUpdate     Kind = "quality-update"
	KindError             Kind = "error"
)

var knownKinds = map[Kind]struct{}{
	KindOffer: {}, KindAnswer: {}, KindICECandidate: {}, KindRoomState: {},
	KindUserJoined: {}, KindUserLeft: {}, KindChat: {}, KindMediaControl: {},
	KindScreenShare: {}, KindFileShareOffer: {}, KindFileShareAccept: {},
	KindFileShareProgress: {}, KindNetworkStats: {}, KindQualityUpdate: {},
	KindError: {},
}

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// System kinds originate from the router itself and may omit sender_id.
func (k Kind) System() bool {
	switch k {
	case KindRoomState, KindUserJoined, KindUserLeft, KindError:
		return true
	}
	return false
}

// Message is the wire envelope for everything that crosses the bus or a
// client stream. Payload stays opaque here; kind-specific shapes are decoded
// at the edge that cares about them.
type Message struct {
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	RoomID    string          `json:"room_id"`
	Timestamp string          `json:"timestamp,omitempty"`

	// Seq is the publishing instance's replay sequence number, stamped on
	// the publish path. Zero for messages that never went through a
	// replay buffer.
	Seq uint64 `json:"seq,omitempty"`

	// Origin identifies the instance that buffered and sequenced this
	// message. Seq is only meaningful relative to its origin: each
	// instance counts independently.
	Origin string `json:"origin,omitempty"`
}

// Parse decodes and validates an inbound envelope.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &MalformedMessageError{Reason: "invalid json"}
	}
	msg.Type = Kind(strings.TrimSpace(string(msg.Type)))
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate enforces the envelope invariants: a known kind, a room, and a
// sender for everything that is not system-originated.
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return &MalformedMessageError{Reason: "unknown message type"}
	}
	if strings.TrimSpace(m.RoomID) == "" {
		return &MalformedMessageError{Reason: "room_id is required"}
	}
	if !m.Type.System() && strings.TrimSpace(m.SenderID) == "" {
		return &MalformedMessageError{Reason: "sender_id is required"}
	}
	return nil
}

// Stamp sets the timestamp if absent. Messages are otherwise immutable once
// constructed.
func (m *Message) Stamp() {
	if m.Timestamp == "" {
		m.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
}

// Time parses the envelope timestamp, falling back to now for messages that
// carry none or a malformed one.
func (m *Message) Time() time.Time {
	if t, err := time.Parse(time.RFC3339Nano, m.Timestamp); err == nil {
		return t
	}
	return time.Now().UTC()
}

// Encode marshals the envelope for the bus or a client stream.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Class maps a message kind to its rate-limit action class.
func (m *Message) Class() string {
	if m.Type == KindChat {
		return "chat"
	}
	return "signal"
}

// RoomStatePayload is sent to a client right after joining.
type RoomStatePayload struct {
	Participants       interface{} `json:"participants"`
	MissedMessageCount int         `json:"missed_message_count"`
	IsReconnect        bool        `json:"is_reconnect"`
}

// PresencePayload accompanies user-joined / user-left messages.
type PresencePayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// ErrorPayload is the body of error-kind messages.
type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// NewSystemMessage builds a router-originated message with the payload
// already marshalled. Marshal failures cannot happen for the payload types
// the router uses, so they are swallowed into an empty payload.
func NewSystemMessage(kind Kind, roomID string, payload interface{}) *Message {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	msg := &Message{
		Type:    kind,
		Payload: raw,
		RoomID:  roomID,
	}
	msg.Stamp()
	return msg
}

// NewErrorMessage builds an error envelope for a client.
func NewErrorMessage(roomID, code, text string, retryAfter int) *Message {
	return NewSystemMessage(KindError, roomID, ErrorPayload{
		Code:       code,
		Message:    text,
		RetryAfter: retryAfter,
	})
}
