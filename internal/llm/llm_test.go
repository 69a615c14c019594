package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/session-service/internal/model"
)

type fakeClient struct {
	got  *CompletionRequest
	resp *CompletionResponse
	err  error
}

func (f *fakeClient) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	f.got = req
	return f.resp, f.err
}

func (f *fakeClient) Name() string { return "fake" }

func userMsg(t *testing.T, content string) model.Message {
	t.Helper()
	m, err := model.NewMessage(model.RoleUser, content)
	require.NoError(t, err)
	return m
}

func TestGenerator_PrependsInstruction(t *testing.T) {
	client := &fakeClient{resp: &CompletionResponse{Content: "Sorry to hear that. What's your order number?", Model: "gpt-4o-mini", TokensIn: 30, TokensOut: 9, StopReason: "stop"}}
	gen := NewGenerator(client, GeneratorConfig{Model: "gpt-4o-mini", MaxTokens: 256, Temperature: 0.2})

	reply, err := gen.GenerateReply(context.Background(), model.NewInstruction("Be brief."), []model.Message{userMsg(t, "Hi, my order hasn't arrived")})
	require.NoError(t, err)

	require.NotNil(t, client.got)
	assert.Equal(t, "gpt-4o-mini", client.got.Model)
	assert.Equal(t, 256, client.got.MaxTokens)
	assert.Equal(t, []ChatMessage{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hi, my order hasn't arrived"},
	}, client.got.Messages)

	assert.Equal(t, model.RoleAssistant, reply.Role())
	assert.Equal(t, "Sorry to hear that. What's your order number?", reply.Content())
	meta, ok := reply.Generation()
	require.True(t, ok)
	assert.Equal(t, 30, meta.TokensIn)
	assert.Equal(t, "stop", meta.StopReason)
}

func TestGenerator_Errors(t *testing.T) {
	boom := errors.New("upstream 500")
	gen := NewGenerator(&fakeClient{err: boom}, GeneratorConfig{})
	_, err := gen.GenerateReply(context.Background(), model.NewInstruction("x"), nil)
	assert.ErrorIs(t, err, boom)

	gen = NewGenerator(&fakeClient{resp: &CompletionResponse{}}, GeneratorConfig{})
	_, err = gen.GenerateReply(context.Background(), model.NewInstruction("x"), nil)
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(ProviderOpenAI, Options{})
	assert.Error(t, err)

	_, err = NewClient(ProviderAnthropic, Options{})
	assert.Error(t, err)

	_, err = NewClient(Provider("cohere"), Options{APIKey: "k"})
	assert.Error(t, err)

	c, err := NewClient(ProviderOpenAI, Options{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())
}

func TestOpenAIClient_Complete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Thanks, checking now."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 21, "completion_tokens": 5, "total_tokens": 26}
		}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(Options{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), &CompletionRequest{
		Messages: []ChatMessage{{Role: "system", Content: "Be brief."}, {Role: "user", Content: "#12345"}},
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultOpenAIModel, body["model"])
	assert.Len(t, body["messages"], 2)
	assert.Equal(t, "Thanks, checking now.", resp.Content)
	assert.Equal(t, 21, resp.TokensIn)
	assert.Equal(t, 5, resp.TokensOut)
	assert.Equal(t, "stop", resp.StopReason)
}

func TestAnthropicClient_Complete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-haiku-20241022",
			"content": [{"type": "text", "text": "Thanks, checking now."}],
			"stop_reason": "end_turn",
			"stop_sequence": null,
			"usage": {"input_tokens": 18, "output_tokens": 6}
		}`))
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(Options{APIKey: "test-key", BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), &CompletionRequest{
		Messages: []ChatMessage{{Role: "system", Content: "Be brief."}, {Role: "user", Content: "#12345"}},
	})
	require.NoError(t, err)

	assert.Len(t, body["messages"], 1, "system prompt must not be sent as a message")
	assert.NotNil(t, body["system"])
	assert.Equal(t, "Thanks, checking now.", resp.Content)
	assert.Equal(t, 18, resp.TokensIn)
	assert.Equal(t, "end_turn", resp.StopReason)
}
