// Package storetest provides a conformance suite shared by every ThreadStore
// backend.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/session-service/internal/model"
	"github.com/capitalize-ai/session-service/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.ThreadStore

// Run exercises the ThreadStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("LoadUnseenIsEmpty", func(t *testing.T) {
		s := newStore(t)
		msgs, err := s.Load(context.Background(), "unseen")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("AppendReturnsFullHistory", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := []model.Message{User(t, "Hi, my order hasn't arrived"), Assistant(t, "What's your order number?")}
		got, err := s.Append(ctx, "t1", first)
		require.NoError(t, err)
		AssertContents(t, got, "Hi, my order hasn't arrived", "What's your order number?")

		got, err = s.Append(ctx, "t1", []model.Message{User(t, "#12345"), Assistant(t, "Thanks, checking now.")})
		require.NoError(t, err)
		AssertContents(t, got, "Hi, my order hasn't arrived", "What's your order number?", "#12345", "Thanks, checking now.")

		loaded, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, loaded, 4)
		for i := range got {
			assert.Equal(t, got[i].ID(), loaded[i].ID())
			assert.Equal(t, got[i].Role(), loaded[i].Role())
		}
		assert.Equal(t, first[0].ID(), loaded[0].ID())
	})

	t.Run("AppendPreservesGeneration", func(t *testing.T) {
		s := newStore(t)
		reply, err := model.NewReply("done", model.Generation{Model: "gpt-4o-mini", TokensIn: 12, TokensOut: 3, LatencyMs: 250, StopReason: "stop"})
		require.NoError(t, err)

		_, err = s.Append(context.Background(), "gen", []model.Message{User(t, "go"), reply})
		require.NoError(t, err)

		loaded, err := s.Load(context.Background(), "gen")
		require.NoError(t, err)
		require.Len(t, loaded, 2)

		_, ok := loaded[0].Generation()
		assert.False(t, ok)
		gen, ok := loaded[1].Generation()
		require.True(t, ok)
		assert.Equal(t, "gpt-4o-mini", gen.Model)
		assert.Equal(t, 12, gen.TokensIn)
		assert.Equal(t, 3, gen.TokensOut)
		assert.Equal(t, int64(250), gen.LatencyMs)
		assert.Equal(t, "stop", gen.StopReason)
		assert.Equal(t, reply.CreatedAt().UnixMilli(), loaded[1].CreatedAt().UnixMilli())
	})

	t.Run("RejectsSystemMessages", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(context.Background(), "sys", []model.Message{User(t, "hi"), model.NewInstruction("rules")})
		assert.ErrorIs(t, err, store.ErrSystemMessage)

		loaded, err := s.Load(context.Background(), "sys")
		require.NoError(t, err)
		assert.Empty(t, loaded)
	})

	t.Run("RejectsEmptyThreadID", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(context.Background(), "", []model.Message{User(t, "hi")})
		assert.ErrorIs(t, err, store.ErrEmptyThreadID)
	})

	t.Run("EmptyAppendIsNoop", func(t *testing.T) {
		s := newStore(t)
		got, err := s.Append(context.Background(), "noop", nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ThreadsAreIsolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Append(ctx, "a", []model.Message{User(t, "for a")})
		require.NoError(t, err)
		_, err = s.Append(ctx, "b", []model.Message{User(t, "for b"), Assistant(t, "reply b")})
		require.NoError(t, err)

		a, err := s.Load(ctx, "a")
		require.NoError(t, err)
		AssertContents(t, a, "for a")

		b, err := s.Load(ctx, "b")
		require.NoError(t, err)
		AssertContents(t, b, "for b", "reply b")
	})

	t.Run("ConcurrentAppendsLoseNothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const k = 16

		batches := make([][]model.Message, k)
		for i := range batches {
			batches[i] = []model.Message{
				User(t, fmt.Sprintf("in-%d", i)),
				Assistant(t, fmt.Sprintf("out-%d", i)),
			}
		}

		var wg conc.WaitGroup
		for _, batch := range batches {
			batch := batch
			wg.Go(func() {
				_, err := s.Append(ctx, "busy", batch)
				assert.NoError(t, err)
			})
		}
		wg.Wait()

		loaded, err := s.Load(ctx, "busy")
		require.NoError(t, err)
		require.Len(t, loaded, 2*k)

		seen := make(map[string]bool)
		for j := 0; j < len(loaded); j += 2 {
			var n int
			_, err := fmt.Sscanf(loaded[j].Content(), "in-%d", &n)
			require.NoError(t, err, "entry %d should be an input", j)
			assert.Equal(t, fmt.Sprintf("out-%d", n), loaded[j+1].Content(), "pair %d interleaved", n)
			seen[loaded[j].Content()] = true
		}
		assert.Len(t, seen, k)
	})
}

// User builds a user message or fails the test.
func User(t *testing.T, content string) model.Message {
	t.Helper()
	m, err := model.NewMessage(model.RoleUser, content)
	require.NoError(t, err)
	return m
}

// Assistant builds an assistant message or fails the test.
func Assistant(t *testing.T, content string) model.Message {
	t.Helper()
	m, err := model.NewMessage(model.RoleAssistant, content)
	require.NoError(t, err)
	return m
}

// AssertContents checks the ordered contents of msgs.
func AssertContents(t *testing.T, msgs []model.Message, want ...string) {
	t.Helper()
	got := make([]string, len(msgs))
	for i, m := range msgs {
		got[i] = m.Content()
	}
	if len(want) == 0 {
		want = []string{}
	}
	assert.Equal(t, want, got)
}
