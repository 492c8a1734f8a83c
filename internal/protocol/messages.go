// Package protocol defines the frames exchanged on the live feed WebSocket.
// Every frame is a JSON object carrying a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/chatroom/internal/chat"
)

// Client -> Server frame types.
const (
	TypePing    = "ping"
	TypeMessage = "message"
)

// Server -> Client frame types. TypeMessage is shared: the server uses it to
// push a created or edited message.
const (
	TypeMessageDeleted = "message_deleted"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// PingMsg keeps the connection and the participant's heartbeat alive.
type PingMsg struct {
	Type string `json:"type"`
}

// PostMsg posts a message as the connection's user.
type PostMsg struct {
	Type        string `json:"type"`
	To          string `json:"to"`
	Text        string `json:"text"`
	MessageType string `json:"message_type"`
}

// Input converts the frame to the body accepted by chat.Service.PostMessage.
func (m PostMsg) Input() chat.MessageInput {
	return chat.MessageInput{To: m.To, Text: m.Text, Type: m.MessageType}
}

// ServerMessageMsg pushes a message visible to the connection's user.
type ServerMessageMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// MessageDeletedMsg announces that a message the user could see is gone.
type MessageDeletedMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RateLimitedMsg is sent when the user posts too fast.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage parses raw WebSocket bytes into a typed client frame.
// It returns the frame type, the decoded struct and any parse error. Unknown
// and server-only types are rejected.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)

	switch env.Type {
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m PostMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and forces its "type" field to msgType.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// FromEvent renders the frame a feed subscriber receives for e. It returns
// nil for events that have no feed representation.
func FromEvent(e chat.Event) ([]byte, error) {
	switch e.Kind {
	case chat.EventMessageCreated, chat.EventMessageUpdated:
		if e.Message == nil {
			return nil, nil
		}
		return NewServerMessage(TypeMessage, ServerMessageMsg{Message: *e.Message})
	case chat.EventMessageDeleted:
		return NewServerMessage(TypeMessageDeleted, MessageDeletedMsg{ID: e.ID})
	default:
		return nil, nil
	}
}
