package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies a websocket message using a custom enum type for better type safety
type Type string

const (
	// Client -> server
	TypeJoinThread  Type = "JOIN_THREAD"
	TypeLeaveThread Type = "LEAVE_THREAD"
	TypeSendMessage Type = "SEND_MESSAGE"

	// Server -> client
	TypeJoinedThread   Type = "JOINED_THREAD"
	TypeLeftThread     Type = "LEFT_THREAD"
	TypeNewMessage     Type = "NEW_MESSAGE"
	TypeMessageDeleted Type = "MESSAGE_DELETED"
	TypeError          Type = "ERROR"
)

// String returns the string representation of the Type
func (t Type) String() string {
	return string(t)
}

// IsClient reports whether the type is one a client is allowed to send.
func (t Type) IsClient() bool {
	switch t {
	case TypeJoinThread, TypeLeaveThread, TypeSendMessage:
		return true
	default:
		return false
	}
}

// Envelope is the wire format for every message in both directions.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a raw frame into an envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("malformed message: missing type")
	}
	return &env, nil
}

// Encode serializes an envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Payload structures per message type

type ThreadRef struct {
	ThreadID string `json:"threadId"`
}

type SendMessagePayload struct {
	ThreadID string `json:"threadId"`
	Content  string `json:"content"`
}

type Sender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// NewMessagePayload is the fully-formed persisted message handed over by the
// message pipeline. The fan-out layer never inspects it beyond the thread ID.
type NewMessagePayload struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments"`
	SenderID    string    `json:"senderId"`
	ThreadID    string    `json:"threadId"`
	CreatedAt   time.Time `json:"createdAt"`
	Sender      *Sender   `json:"sender,omitempty"`
}

type MessageDeletedPayload struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func marshal(t Type, payload any) *Envelope {
	data, _ := json.Marshal(payload)
	return &Envelope{Type: t, Payload: data}
}

// NewJoinedThread builds the ack for a successful (or idempotent) join.
func NewJoinedThread(threadID string) *Envelope {
	return marshal(TypeJoinedThread, ThreadRef{ThreadID: threadID})
}

// NewLeftThread builds the ack for a leave.
func NewLeftThread(threadID string) *Envelope {
	return marshal(TypeLeftThread, ThreadRef{ThreadID: threadID})
}

// NewError builds an ERROR message for the originating client.
func NewError(message string) *Envelope {
	return marshal(TypeError, ErrorPayload{Message: message})
}

// NewMessageEvent wraps a persisted message for broadcast.
func NewMessageEvent(msg *NewMessagePayload) *Envelope {
	return marshal(TypeNewMessage, msg)
}

// NewMessageDeletedEvent wraps a deletion notice for broadcast.
func NewMessageDeletedEvent(id, threadID string) *Envelope {
	return marshal(TypeMessageDeleted, MessageDeletedPayload{ID: id, ThreadID: threadID})
}
