package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/session-service/internal/model"
	"github.com/capitalize-ai/session-service/internal/store"
)

const (
	// DefaultBucket is the KeyValue bucket holding thread histories.
	DefaultBucket = "SESSION_THREADS"

	maxAppendAttempts = 8
)

// ErrConflict is returned when an Append keeps losing the revision race.
var ErrConflict = errors.New("nats: thread modified concurrently")

// ThreadStore keeps each thread's history as one JSON value in a JetStream
// KeyValue bucket. Appends are compare-and-swap on the key revision, so
// writers in other processes cannot lose each other's updates.
type ThreadStore struct {
	client *Client
	kv     jetstream.KeyValue
	lanes  *store.Lanes
}

var (
	_ store.ThreadStore = (*ThreadStore)(nil)
	_ store.Pinger      = (*ThreadStore)(nil)
)

// NewThreadStore binds to bucket, creating it when missing.
func NewThreadStore(ctx context.Context, client *Client, bucket string) (*ThreadStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	js := client.JetStream()

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Conversation thread histories",
			History:     1,
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("nats: bind bucket %s: %w", bucket, err)
	}

	return &ThreadStore{
		client: client,
		kv:     kv,
		lanes:  store.NewLanes(),
	}, nil
}

// EncodeKey maps an opaque thread id onto the KeyValue/subject alphabet.
func EncodeKey(threadID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(threadID))
}

// Ping reports connection health.
func (s *ThreadStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Load returns the thread's history.
func (s *ThreadStore) Load(ctx context.Context, threadID string) ([]model.Message, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThreadID
	}
	msgs, _, err := s.get(ctx, threadID)
	return msgs, err
}

// Append writes the extended history with the revision read, retrying when
// another writer got there first.
func (s *ThreadStore) Append(ctx context.Context, threadID string, msgs []model.Message) ([]model.Message, error) {
	if err := store.CheckAppend(threadID, msgs); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return s.Load(ctx, threadID)
	}

	release, err := s.lanes.Acquire(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("nats: wait for thread: %w", err)
	}
	defer release()

	key := EncodeKey(threadID)
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		history, revision, err := s.get(ctx, threadID)
		if err != nil {
			return nil, err
		}
		history = append(history, msgs...)

		data, err := json.Marshal(history)
		if err != nil {
			return nil, fmt.Errorf("nats: marshal history: %w", err)
		}

		if revision == 0 {
			_, err = s.kv.Create(ctx, key, data)
		} else {
			_, err = s.kv.Update(ctx, key, data, revision)
		}
		if err == nil {
			return history, nil
		}
		if !isRevisionConflict(err) {
			return nil, fmt.Errorf("nats: write history: %w", err)
		}
	}
	return nil, ErrConflict
}

func (s *ThreadStore) get(ctx context.Context, threadID string) ([]model.Message, uint64, error) {
	entry, err := s.kv.Get(ctx, EncodeKey(threadID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return []model.Message{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("nats: get history: %w", err)
	}

	msgs := []model.Message{}
	if err := json.Unmarshal(entry.Value(), &msgs); err != nil {
		return nil, 0, fmt.Errorf("nats: decode history: %w", err)
	}
	return msgs, entry.Revision(), nil
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
