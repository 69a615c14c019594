package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/capitalize-ai/session-service/internal/model"
)

// ErrEmptyReply is returned when the provider answers with no text.
var ErrEmptyReply = errors.New("provider returned an empty reply")

// Generator turns an instruction plus thread history into one assistant
// reply using a provider Client.
type Generator struct {
	client      Client
	model       string
	maxTokens   int
	temperature float64
}

// GeneratorConfig holds the per-request knobs sent to the provider.
type GeneratorConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// NewGenerator wraps client with fixed request settings.
func NewGenerator(client Client, cfg GeneratorConfig) *Generator {
	return &Generator{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Model returns the configured model name.
func (g *Generator) Model() string {
	return g.model
}

// GenerateReply sends instruction followed by history and returns the
// provider's answer as a new assistant message.
func (g *Generator) GenerateReply(ctx context.Context, instruction model.Message, history []model.Message) (model.Message, error) {
	messages := make([]ChatMessage, 0, len(history)+1)
	if instruction.Content() != "" {
		messages = append(messages, ChatMessage{Role: string(model.RoleSystem), Content: instruction.Content()})
	}
	for _, m := range history {
		messages = append(messages, ChatMessage{Role: string(m.Role()), Content: m.Content()})
	}

	resp, err := g.client.Complete(ctx, &CompletionRequest{
		Model:       g.model,
		Messages:    messages,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("%s: %w", g.client.Name(), err)
	}
	if resp.Content == "" {
		return model.Message{}, fmt.Errorf("%s: %w", g.client.Name(), ErrEmptyReply)
	}

	return model.NewReply(resp.Content, model.Generation{
		Model:      resp.Model,
		TokensIn:   resp.TokensIn,
		TokensOut:  resp.TokensOut,
		LatencyMs:  resp.LatencyMs,
		StopReason: resp.StopReason,
	})
}
