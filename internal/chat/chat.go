// Package chat holds the chat room domain: participants, messages, the rules
// deciding who may see or change a message, and the service that applies
// those rules on top of a document store.
package chat

import "time"

const (
	// Everyone is the recipient of messages addressed to the whole room.
	Everyone = "everyone"

	// JoinedText and LeftText are the bodies of the status messages posted
	// when a participant registers or is evicted for inactivity.
	JoinedText = "entra na sala..."
	LeftText   = "sai da sala..."

	// TimeLayout formats Message.Time.
	TimeLayout = "15:04:05"
)

// Message types.
const (
	TypeMessage        = "message"
	TypePrivateMessage = "private_message"
	TypeStatus         = "status"
)

// Participant is a named presence in the room. LastStatus is refreshed on
// registration and on every heartbeat.
type Participant struct {
	ID         string
	Name       string
	LastStatus time.Time
}

// Idle reports whether the participant's last heartbeat is older than maxIdle at now.
func (p Participant) Idle(now time.Time, maxIdle time.Duration) bool {
	return now.Sub(p.LastStatus) > maxIdle
}

// Message is a stored chat post. Time is the formatted wall-clock capture
// time and carries no ordering meaning; stores keep insertion order.
type Message struct {
	ID   string `json:"_id"`
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
	Type string `json:"type"`
	Time string `json:"time"`
}

// MessageUpdate carries the fields an edit may overwrite.
type MessageUpdate struct {
	To   string
	Text string
	Type string
}
