// Package model defines data structures for the session service.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

var (
	// ErrEmptyContent is returned when a user or assistant message has no content.
	ErrEmptyContent = errors.New("message content cannot be empty")
	// ErrUnknownRole is returned for roles outside the user/assistant/system set.
	ErrUnknownRole = errors.New("unknown message role")
)

// ParseRole converts a loosely typed role string into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAssistant, RoleSystem:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Generation carries provider metadata for an assistant reply.
type Generation struct {
	Model      string `json:"model,omitempty"`
	TokensIn   int    `json:"tokens_in,omitempty"`
	TokensOut  int    `json:"tokens_out,omitempty"`
	LatencyMs  int64  `json:"latency_ms,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// Message is one conversational turn. Its fields are fixed at construction;
// a new turn is always a new Message value.
type Message struct {
	id         string
	role       Role
	content    string
	createdAt  time.Time
	generation *Generation
}

// NewMessage builds a user or assistant message. System messages are built
// with NewInstruction only.
func NewMessage(role Role, content string) (Message, error) {
	switch role {
	case RoleUser, RoleAssistant:
	case RoleSystem:
		return Message{}, errors.New("system messages cannot be constructed from input")
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownRole, string(role))
	}
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	return newMessage(role, content, nil), nil
}

// NewInstruction builds the transient system message that carries the
// behavioral instruction to the generation provider.
func NewInstruction(text string) Message {
	return newMessage(RoleSystem, text, nil)
}

// NewReply builds an assistant message with generation metadata.
func NewReply(content string, gen Generation) (Message, error) {
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	return newMessage(RoleAssistant, content, &gen), nil
}

// Restore rebuilds a stored message. Only store backends should call it.
func Restore(id string, role Role, content string, createdAt time.Time, gen *Generation) Message {
	m := Message{
		id:        id,
		role:      role,
		content:   content,
		createdAt: createdAt.UTC(),
	}
	if gen != nil {
		g := *gen
		m.generation = &g
	}
	return m
}

func newMessage(role Role, content string, gen *Generation) Message {
	return Message{
		id:         uuid.Must(uuid.NewV7()).String(),
		role:       role,
		content:    content,
		createdAt:  time.Now().UTC(),
		generation: gen,
	}
}

func (m Message) ID() string           { return m.id }
func (m Message) Role() Role           { return m.role }
func (m Message) Content() string      { return m.content }
func (m Message) CreatedAt() time.Time { return m.createdAt }

// Generation returns the reply metadata, if any.
func (m Message) Generation() (Generation, bool) {
	if m.generation == nil {
		return Generation{}, false
	}
	return *m.generation, true
}

// messageJSON is the wire and storage form of a Message.
type messageJSON struct {
	ID         string      `json:"id"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	CreatedAt  time.Time   `json:"created_at"`
	Generation *Generation `json:"generation,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:         m.id,
		Role:       m.role,
		Content:    m.content,
		CreatedAt:  m.createdAt,
		Generation: m.generation,
	})
}

// UnmarshalJSON implements json.Unmarshaler. It is used when reading stored
// history back; the target must be a fresh value.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	role, err := ParseRole(string(raw.Role))
	if err != nil {
		return err
	}
	*m = Restore(raw.ID, role, raw.Content, raw.CreatedAt, raw.Generation)
	return nil
}
