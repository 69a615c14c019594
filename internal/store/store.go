// Package store defines thread history persistence and its in-memory backend.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/capitalize-ai/session-service/internal/model"
)

// Backend names a ThreadStore implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendNATS     Backend = "nats"
)

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendNATS:
		return b, nil
	default:
		return "", fmt.Errorf("unknown store backend %q", s)
	}
}

var (
	// ErrEmptyThreadID is returned when a thread identifier is empty.
	ErrEmptyThreadID = errors.New("thread id cannot be empty")
	// ErrSystemMessage is returned when a system message is appended.
	ErrSystemMessage = errors.New("system messages are never persisted")
)

// ThreadStore owns the canonical ordered history of every thread.
// Implementations must be safe for concurrent use. Append is atomic with
// respect to other Appends on the same thread and must not block Appends on
// other threads.
type ThreadStore interface {
	// Load returns the history for threadID, or an empty slice if unseen.
	Load(ctx context.Context, threadID string) ([]model.Message, error)

	// Append extends the history of threadID by msgs in order and returns
	// the full resulting history.
	Append(ctx context.Context, threadID string, msgs []model.Message) ([]model.Message, error)
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckAppend validates arguments shared by every backend's Append.
func CheckAppend(threadID string, msgs []model.Message) error {
	if threadID == "" {
		return ErrEmptyThreadID
	}
	for _, m := range msgs {
		if m.Role() == model.RoleSystem {
			return ErrSystemMessage
		}
	}
	return nil
}
