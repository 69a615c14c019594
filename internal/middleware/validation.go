package middleware

import (
	"errors"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/capitalize-ai/session-service/internal/model"
)

const (
	// MaxThreadIDBytes caps caller-supplied thread identifiers.
	MaxThreadIDBytes = 256

	// DefaultMaxContentBytes is the per-message content limit when none is configured.
	DefaultMaxContentBytes = 100000

	// DefaultMaxMessages caps the number of input messages in one turn.
	DefaultMaxMessages = 64
)

var errInvalidUTF8 = errors.New("must be valid UTF-8")

// TurnRules holds the limits applied to incoming turn requests.
type TurnRules struct {
	MaxContentBytes int
	MaxMessages     int
}

func (r TurnRules) withDefaults() TurnRules {
	if r.MaxContentBytes <= 0 {
		r.MaxContentBytes = DefaultMaxContentBytes
	}
	if r.MaxMessages <= 0 {
		r.MaxMessages = DefaultMaxMessages
	}
	return r
}

// ValidateThreadID validates a caller-supplied thread identifier.
func ValidateThreadID(id string) error {
	return validation.Validate(id,
		validation.Required,
		validation.Length(1, MaxThreadIDBytes),
		validation.By(validUTF8),
	)
}

// ValidateMessages validates the input messages of a turn. Only the user
// role is accepted from callers; replies are produced internally.
func (r TurnRules) ValidateMessages(msgs []model.InputMessage) error {
	r = r.withDefaults()
	return validation.Validate(msgs,
		validation.Required,
		validation.Length(1, r.MaxMessages),
		validation.Each(validation.By(r.validateMessage)),
	)
}

func (r TurnRules) validateMessage(value interface{}) error {
	msg, ok := value.(model.InputMessage)
	if !ok {
		return errors.New("invalid message type")
	}
	return validation.ValidateStruct(&msg,
		validation.Field(&msg.Role,
			validation.Required,
			validation.In(string(model.RoleUser)),
		),
		validation.Field(&msg.Content,
			validation.Required,
			validation.Length(1, r.MaxContentBytes),
			validation.By(validUTF8),
		),
	)
}

func validUTF8(value interface{}) error {
	s, _ := value.(string)
	if !utf8.ValidString(s) {
		return errInvalidUTF8
	}
	return nil
}
