package chat

import "context"

// Event kinds published after a state change.
const (
	EventMessageCreated    = "message.created"
	EventMessageUpdated    = "message.updated"
	EventMessageDeleted    = "message.deleted"
	EventParticipantJoined = "participant.joined"
	EventParticipantLeft   = "participant.left"
)

// Event is the payload fanned out to other replicas and live feed clients.
type Event struct {
	Kind    string   `json:"kind"`
	Message *Message `json:"message,omitempty"` // created/updated messages
	ID      string   `json:"id,omitempty"`      // deleted message id
	From    string   `json:"from,omitempty"`    // deleted message sender
	To      string   `json:"to,omitempty"`      // deleted message recipient
	Name    string   `json:"name,omitempty"`    // joined/left participant
	Ts      int64    `json:"ts"`                // unix milliseconds
}

// Publisher receives events. Publishing is best effort: the service logs a
// failed publish and carries on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// VisibleTo reports whether the event concerns a message requester may see.
// Participant events are visible to everyone.
func (e Event) VisibleTo(requester string) bool {
	switch e.Kind {
	case EventMessageCreated, EventMessageUpdated:
		return e.Message != nil && Visible(*e.Message, requester)
	case EventMessageDeleted:
		return Visible(Message{From: e.From, To: e.To}, requester)
	default:
		return true
	}
}
