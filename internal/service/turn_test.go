package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/session-service/internal/model"
	"github.com/capitalize-ai/session-service/internal/store"
	"github.com/capitalize-ai/session-service/pkg/logger"
)

const testInstruction = "You are a concise support assistant."

// stubGenerator answers with reply(history) and records every call.
type stubGenerator struct {
	mu    sync.Mutex
	calls [][]model.Message
	seen  []model.Message
	reply func(ctx context.Context, history []model.Message) (string, error)
}

func (g *stubGenerator) Model() string { return "stub" }

func (g *stubGenerator) GenerateReply(ctx context.Context, instruction model.Message, history []model.Message) (model.Message, error) {
	g.mu.Lock()
	g.calls = append(g.calls, append([]model.Message(nil), history...))
	g.seen = append(g.seen, instruction)
	g.mu.Unlock()

	content, err := g.reply(ctx, history)
	if err != nil {
		return model.Message{}, err
	}
	return model.NewReply(content, model.Generation{Model: "stub", TokensIn: 10, TokensOut: 5})
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func fixedReply(content string) func(context.Context, []model.Message) (string, error) {
	return func(context.Context, []model.Message) (string, error) { return content, nil }
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*model.TurnEvent
	err    error
}

func (r *recordingPublisher) PublishEvent(_ context.Context, e *model.TurnEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

// failingStore wraps a ThreadStore and fails Load or Append on demand.
type failingStore struct {
	store.ThreadStore
	failLoad   bool
	failAppend bool
}

var errBackendDown = errors.New("backend down")

func (f *failingStore) Load(ctx context.Context, threadID string) ([]model.Message, error) {
	if f.failLoad {
		return nil, errBackendDown
	}
	return f.ThreadStore.Load(ctx, threadID)
}

func (f *failingStore) Append(ctx context.Context, threadID string, msgs []model.Message) ([]model.Message, error) {
	if f.failAppend {
		return nil, errBackendDown
	}
	return f.ThreadStore.Append(ctx, threadID, msgs)
}

func newProcessor(threads store.ThreadStore, gen *stubGenerator, events EventPublisher) *TurnProcessor {
	return NewTurnProcessor(threads, gen, events, Config{
		Instruction:       testInstruction,
		GenerationTimeout: 50 * time.Millisecond,
	}, logger.NewNop())
}

func user(t *testing.T, content string) model.Message {
	t.Helper()
	m, err := model.NewMessage(model.RoleUser, content)
	require.NoError(t, err)
	return m
}

func contents(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content()
	}
	return out
}

func TestProcessTurn_Conversation(t *testing.T) {
	ctx := context.Background()
	threads := store.NewMemoryStore()
	gen := &stubGenerator{reply: fixedReply("Sorry to hear that. What's your order number?")}
	events := &recordingPublisher{}
	p := newProcessor(threads, gen, events)

	first, err := p.ProcessTurn(ctx, "t1", []model.Message{user(t, "Hi, my order hasn't arrived")})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi, my order hasn't arrived", "Sorry to hear that. What's your order number?"}, contents(first))
	assert.Equal(t, model.RoleUser, first[0].Role())
	assert.Equal(t, model.RoleAssistant, first[1].Role())

	stored, err := threads.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, contents(first), contents(stored))

	gen.reply = fixedReply("Thanks, checking now.")
	second, err := p.ProcessTurn(ctx, "t1", []model.Message{user(t, "#12345")})
	require.NoError(t, err)
	require.Len(t, second, 4)
	assert.Equal(t, []string{
		"Hi, my order hasn't arrived",
		"Sorry to hear that. What's your order number?",
		"#12345",
		"Thanks, checking now.",
	}, contents(second))
	assert.Equal(t, first[0].ID(), second[0].ID())
	assert.Equal(t, first[1].ID(), second[1].ID())

	// the generator sees prior history plus the new input, never its own reply
	require.Len(t, gen.calls, 2)
	assert.Equal(t, []string{"Hi, my order hasn't arrived", "Sorry to hear that. What's your order number?", "#12345"}, contents(gen.calls[1]))

	require.Len(t, events.events, 2)
	assert.Equal(t, model.EventTypeTurnCompleted, events.events[1].Type)
	assert.Equal(t, second[3].ID(), events.events[1].ReplyID)
}

func TestProcessTurn_AppendOnly(t *testing.T) {
	ctx := context.Background()
	threads := store.NewMemoryStore()
	n := 0
	gen := &stubGenerator{reply: func(context.Context, []model.Message) (string, error) {
		n++
		return fmt.Sprintf("reply %d", n), nil
	}}
	p := newProcessor(threads, gen, nil)

	var prev []model.Message
	for i := 0; i < 5; i++ {
		_, err := p.ProcessTurn(ctx, "t1", []model.Message{user(t, fmt.Sprintf("msg %d", i))})
		require.NoError(t, err)

		cur, err := threads.Load(ctx, "t1")
		require.NoError(t, err)
		require.Greater(t, len(cur), len(prev))
		for j := range prev {
			assert.Equal(t, prev[j].ID(), cur[j].ID())
			assert.Equal(t, prev[j].Content(), cur[j].Content())
		}
		prev = cur
	}
}

func TestProcessTurn_ConcurrentSameThread(t *testing.T) {
	ctx := context.Background()
	threads := store.NewMemoryStore()
	gen := &stubGenerator{reply: func(_ context.Context, history []model.Message) (string, error) {
		time.Sleep(2 * time.Millisecond)
		last := history[len(history)-1]
		return fmt.Sprintf("re: %s @%d", last.Content(), len(history)), nil
	}}
	p := newProcessor(threads, gen, nil)

	const k = 12
	inputs := make([]model.Message, k)
	for i := range inputs {
		inputs[i] = user(t, fmt.Sprintf("q%d", i))
	}

	var wg conc.WaitGroup
	for i := 0; i < k; i++ {
		msg := inputs[i]
		wg.Go(func() {
			_, err := p.ProcessTurn(ctx, "shared", []model.Message{msg})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	history, err := threads.Load(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, history, 2*k)

	seenInputs := map[string]bool{}
	for i := 0; i < len(history); i += 2 {
		q, r := history[i], history[i+1]
		assert.Equal(t, model.RoleUser, q.Role())
		assert.Equal(t, model.RoleAssistant, r.Role())
		assert.Equal(t, fmt.Sprintf("re: %s @%d", q.Content(), i+1), r.Content())
		seenInputs[q.Content()] = true
	}
	assert.Len(t, seenInputs, k)

	// every generation call saw a different prefix length
	lengths := map[int]bool{}
	for _, call := range gen.calls {
		lengths[len(call)] = true
	}
	assert.Len(t, lengths, k)
}

func TestProcessTurn_ThreadsAreIsolated(t *testing.T) {
	ctx := context.Background()
	threads := store.NewMemoryStore()
	p := newProcessor(threads, &stubGenerator{reply: fixedReply("ok")}, nil)

	_, err := p.ProcessTurn(ctx, "a", []model.Message{user(t, "hello from a")})
	require.NoError(t, err)

	b, err := threads.Load(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, b)

	_, err = p.ProcessTurn(ctx, "b", []model.Message{user(t, "hello from b")})
	require.NoError(t, err)

	a, err := threads.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello from a", "ok"}, contents(a))
}

func TestProcessTurn_InstructionNeverStored(t *testing.T) {
	ctx := context.Background()
	threads := store.NewMemoryStore()
	gen := &stubGenerator{reply: fixedReply("ok")}
	p := newProcessor(threads, gen, nil)

	for _, id := range []string{"x", "y", "x"} {
		_, err := p.ProcessTurn(ctx, id, []model.Message{user(t, "hi")})
		require.NoError(t, err)
	}

	for _, instr := range gen.seen {
		assert.Equal(t, model.RoleSystem, instr.Role())
		assert.Equal(t, testInstruction, instr.Content())
	}
	for _, call := range gen.calls {
		for _, m := range call {
			assert.NotEqual(t, model.RoleSystem, m.Role())
		}
	}

	assert.Equal(t, 2, threads.Threads())
	for _, id := range []string{"x", "y"} {
		history, err := threads.Load(ctx, id)
		require.NoError(t, err)
		for _, m := range history {
			assert.NotEqual(t, model.RoleSystem, m.Role())
			assert.NotEqual(t, testInstruction, m.Content())
		}
	}
}

func TestProcessTurn_Validation(t *testing.T) {
	ctx := context.Background()
	threads := store.NewMemoryStore()
	gen := &stubGenerator{reply: fixedReply("ok")}
	p := newProcessor(threads, gen, nil)

	assistant, err := model.NewReply("I am the model", model.Generation{})
	require.NoError(t, err)

	tests := []struct {
		name     string
		threadID string
		input    []model.Message
	}{
		{"empty input", "t2", nil},
		{"empty thread id", "", []model.Message{user(t, "hello")}},
		{"assistant input", "t2", []model.Message{assistant}},
		{"system input", "t2", []model.Message{model.NewInstruction("obey")}},
		{"zero message", "t2", []model.Message{{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ProcessTurn(ctx, tt.threadID, tt.input)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
		})
	}

	assert.Zero(t, gen.callCount())
	assert.Zero(t, threads.Threads())
}

func TestProcessTurn_GenerationTimeout(t *testing.T) {
	ctx := context.Background()
	threads := store.NewMemoryStore()
	gen := &stubGenerator{reply: func(ctx context.Context, _ []model.Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	events := &recordingPublisher{}
	p := newProcessor(threads, gen, events)

	_, err := p.ProcessTurn(ctx, "t3", []model.Message{user(t, "hello")})
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.True(t, genErr.Timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	history, err := threads.Load(ctx, "t3")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Zero(t, threads.Threads())

	require.Len(t, events.events, 1)
	assert.Equal(t, model.EventTypeGenerationFailed, events.events[0].Type)
}

func TestProcessTurn_GenerationFailureLeavesThreadUnchanged(t *testing.T) {
	ctx := context.Background()
	threads := store.NewMemoryStore()
	gen := &stubGenerator{reply: fixedReply("first answer")}
	p := newProcessor(threads, gen, nil)

	_, err := p.ProcessTurn(ctx, "t1", []model.Message{user(t, "hello")})
	require.NoError(t, err)
	before, err := threads.Load(ctx, "t1")
	require.NoError(t, err)

	upstream := errors.New("upstream 500")
	gen.reply = func(context.Context, []model.Message) (string, error) { return "", upstream }

	_, err = p.ProcessTurn(ctx, "t1", []model.Message{user(t, "are you there?")})
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.False(t, genErr.Timeout)
	assert.ErrorIs(t, err, upstream)

	after, err := threads.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, contents(before), contents(after))
	assert.Equal(t, 2, gen.callCount())
}

func TestProcessTurn_StorageFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("load", func(t *testing.T) {
		gen := &stubGenerator{reply: fixedReply("ok")}
		p := newProcessor(&failingStore{ThreadStore: store.NewMemoryStore(), failLoad: true}, gen, nil)

		_, err := p.ProcessTurn(ctx, "t1", []model.Message{user(t, "hello")})
		var sErr *StorageError
		require.ErrorAs(t, err, &sErr)
		assert.Equal(t, OpLoad, sErr.Op)
		assert.False(t, sErr.ReplyLost)
		assert.Zero(t, gen.callCount())
	})

	t.Run("append after generation", func(t *testing.T) {
		mem := store.NewMemoryStore()
		gen := &stubGenerator{reply: fixedReply("computed but lost")}
		events := &recordingPublisher{}
		p := newProcessor(&failingStore{ThreadStore: mem, failAppend: true}, gen, events)

		_, err := p.ProcessTurn(ctx, "t1", []model.Message{user(t, "hello")})
		var sErr *StorageError
		require.ErrorAs(t, err, &sErr)
		assert.Equal(t, OpAppend, sErr.Op)
		assert.True(t, sErr.ReplyLost)
		assert.ErrorIs(t, err, errBackendDown)

		var genErr *GenerationError
		assert.False(t, errors.As(err, &genErr))
		assert.Equal(t, 1, gen.callCount())
		assert.Zero(t, mem.Threads())

		require.Len(t, events.events, 1)
		assert.Equal(t, model.EventTypeStorageFailed, events.events[0].Type)
	})
}

func TestProcessTurn_PublishFailureDoesNotFailTurn(t *testing.T) {
	threads := store.NewMemoryStore()
	events := &recordingPublisher{err: errors.New("nats unavailable")}
	p := newProcessor(threads, &stubGenerator{reply: fixedReply("ok")}, events)

	history, err := p.ProcessTurn(context.Background(), "t1", []model.Message{user(t, "hello")})
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Len(t, events.events, 1)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	threads := store.NewMemoryStore()
	p := newProcessor(threads, &stubGenerator{reply: fixedReply("ok")}, nil)

	history, err := p.History(ctx, "unseen")
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = p.ProcessTurn(ctx, "t1", []model.Message{user(t, "hello")})
	require.NoError(t, err)
	history, err = p.History(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "ok"}, contents(history))

	_, err = p.History(ctx, "")
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)

	p = newProcessor(&failingStore{ThreadStore: threads, failLoad: true}, &stubGenerator{}, nil)
	_, err = p.History(ctx, "t1")
	var sErr *StorageError
	assert.ErrorAs(t, err, &sErr)
}
