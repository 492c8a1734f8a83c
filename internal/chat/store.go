package chat

import (
	"context"
	"time"
)

// ParticipantStore is the `participants` collection.
//
// Implementations return ErrConflict when inserting a taken name and
// ErrNotFound when the named participant does not exist.
type ParticipantStore interface {
	InsertParticipant(ctx context.Context, p Participant) (Participant, error)
	FindParticipant(ctx context.Context, name string) (Participant, error)
	ListParticipants(ctx context.Context) ([]Participant, error)
	CountParticipants(ctx context.Context) (int, error)
	// TouchParticipant sets LastStatus to at.
	TouchParticipant(ctx context.Context, name string, at time.Time) error
	// ExpireParticipant deletes the participant only while its LastStatus is
	// still before cutoff. It returns ErrNotFound when nothing was deleted.
	ExpireParticipant(ctx context.Context, name string, cutoff time.Time) error
}

// MessageStore is the `posts` collection. ListMessages returns messages in
// insertion order. Lookups by an id the store cannot parse return ErrNotFound.
type MessageStore interface {
	InsertMessage(ctx context.Context, m Message) (Message, error)
	FindMessage(ctx context.Context, id string) (Message, error)
	ListMessages(ctx context.Context) ([]Message, error)
	UpdateMessage(ctx context.Context, id string, u MessageUpdate) error
	DeleteMessage(ctx context.Context, id string) error
}

// Store is a document store holding both collections.
type Store interface {
	ParticipantStore
	MessageStore
}
