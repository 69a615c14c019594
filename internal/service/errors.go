package service

import (
	"fmt"
)

// ValidationError reports a malformed turn request. Nothing was loaded,
// generated or stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// GenerationError reports that the reply provider failed or timed out.
// The thread is left exactly as it was.
type GenerationError struct {
	Timeout bool
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("reply generation timed out: %v", e.Err)
	}
	return fmt.Sprintf("reply generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Store operations named by StorageError.
const (
	OpAcquire = "acquire"
	OpLoad    = "load"
	OpAppend  = "append"
)

// StorageError reports a thread store failure. ReplyLost is set when a
// reply was generated but could not be saved; the input was not saved
// either and may be resubmitted.
type StorageError struct {
	Op        string
	ReplyLost bool
	Err       error
}

func (e *StorageError) Error() string {
	if e.ReplyLost {
		return fmt.Sprintf("reply generated but not saved: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("thread store %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
