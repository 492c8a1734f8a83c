package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParticipantInput is the body of a registration.
type ParticipantInput struct {
	Name string `json:"name" validate:"required"`
}

// MessageInput is the body of a submitted or edited message. Clients may not
// create status messages.
type MessageInput struct {
	To   string `json:"to" validate:"required"`
	Text string `json:"text" validate:"required"`
	Type string `json:"type" validate:"required,oneof=message private_message"`
}

// ValidateParticipant checks a registration body.
func ValidateParticipant(in ParticipantInput) error {
	return check(in)
}

// ValidateMessage checks a message body. Text has no length limit but must
// be valid UTF-8.
func ValidateMessage(in MessageInput) error {
	if err := check(in); err != nil {
		return err
	}
	if !utf8.ValidString(in.Text) {
		return fmt.Errorf("%w: text contains invalid UTF-8", ErrValidation)
	}
	return nil
}

// ValidateIdentity checks the out-of-band requester name.
func ValidateIdentity(name string) error {
	if name == "" {
		return fmt.Errorf("%w: missing identity", ErrValidation)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: identity contains invalid UTF-8", ErrValidation)
	}
	return nil
}

func check(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	details := lo.Map(fieldErrs, func(fe validator.FieldError, _ int) string {
		return fmt.Sprintf("%s failed on %s", strings.ToLower(fe.Field()), fe.Tag())
	})
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(details, ", "))
}
