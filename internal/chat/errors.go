package chat

import "errors"

var (
	// ErrValidation marks malformed or missing input, including an unknown sender.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks a participant name that is already taken.
	ErrConflict = errors.New("already exists")
	// ErrNotFound marks an unknown participant or message.
	ErrNotFound = errors.New("not found")
	// ErrForbidden marks an actor that does not own the message.
	ErrForbidden = errors.New("not the owner")
)
