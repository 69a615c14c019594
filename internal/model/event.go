package model

import (
	"time"
)

// EventType represents the outcome recorded by a turn event.
type EventType string

const (
	EventTypeTurnCompleted    EventType = "turn_completed"
	EventTypeGenerationFailed EventType = "generation_failed"
	EventTypeStorageFailed    EventType = "storage_failed"
)

// TurnEvent records the outcome of one turn attempt on a thread.
type TurnEvent struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Type       EventType `json:"type"`
	Reason     string    `json:"reason,omitempty"`
	InputCount int       `json:"input_count"`
	ReplyID    string    `json:"reply_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
