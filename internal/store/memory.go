package store

import (
	"context"
	"sync"

	"github.com/capitalize-ai/session-service/internal/model"
)

// thread holds one thread's history behind its own lock.
type thread struct {
	mu       sync.Mutex
	messages []model.Message
}

// MemoryStore is a volatile ThreadStore. All history is lost when the
// process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*thread
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*thread)}
}

var (
	_ ThreadStore = (*MemoryStore)(nil)
	_ Pinger      = (*MemoryStore)(nil)
)

func (s *MemoryStore) lookup(threadID string) (*thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	return t, ok
}

func (s *MemoryStore) getOrCreate(threadID string) *thread {
	if t, ok := s.lookup(threadID); ok {
		return t
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		t = &thread{}
		s.threads[threadID] = t
	}
	return t
}

// Load returns a copy of the thread's history.
func (s *MemoryStore) Load(_ context.Context, threadID string) ([]model.Message, error) {
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}
	t, ok := s.lookup(threadID)
	if !ok {
		return []model.Message{}, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return clone(t.messages), nil
}

// Append extends the thread's history under the thread's lock.
func (s *MemoryStore) Append(_ context.Context, threadID string, msgs []model.Message) ([]model.Message, error) {
	if err := CheckAppend(threadID, msgs); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return s.Load(context.Background(), threadID)
	}

	t := s.getOrCreate(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msgs...)
	return clone(t.messages), nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Threads returns the number of threads with stored history.
func (s *MemoryStore) Threads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

func clone(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}
