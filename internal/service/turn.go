// Package service implements turn processing for conversation threads.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/session-service/internal/model"
	"github.com/capitalize-ai/session-service/internal/store"
	"github.com/capitalize-ai/session-service/pkg/logger"
	"github.com/capitalize-ai/session-service/pkg/metrics"
)

const (
	// DefaultGenerationTimeout bounds a single reply generation.
	DefaultGenerationTimeout = 60 * time.Second

	eventPublishTimeout = 5 * time.Second
)

var tracer = otel.Tracer("github.com/capitalize-ai/session-service/internal/service")

// ReplyGenerator produces one assistant reply for an instruction and history.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, instruction model.Message, history []model.Message) (model.Message, error)
	Model() string
}

// EventPublisher receives turn outcome events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.TurnEvent) error
}

type nopPublisher struct{}

func (nopPublisher) PublishEvent(context.Context, *model.TurnEvent) error { return nil }

// Config configures a TurnProcessor.
type Config struct {
	Instruction       string
	GenerationTimeout time.Duration
}

// TurnProcessor runs turns against a thread store. Turns on one thread are
// serialized; turns on different threads run in parallel.
type TurnProcessor struct {
	store       store.ThreadStore
	generator   ReplyGenerator
	events      EventPublisher
	lanes       *store.Lanes
	instruction model.Message
	timeout     time.Duration
	logger      *logger.Logger
}

// NewTurnProcessor creates a new turn processor. events may be nil.
func NewTurnProcessor(threads store.ThreadStore, gen ReplyGenerator, events EventPublisher, cfg Config, log *logger.Logger) *TurnProcessor {
	if events == nil {
		events = nopPublisher{}
	}
	if log == nil {
		log = logger.Global()
	}
	timeout := cfg.GenerationTimeout
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	return &TurnProcessor{
		store:       threads,
		generator:   gen,
		events:      events,
		lanes:       store.NewLanes(),
		instruction: model.NewInstruction(cfg.Instruction),
		timeout:     timeout,
		logger:      log,
	}
}

// ProcessTurn appends input and one generated reply to the thread and
// returns the full resulting history. On any error the thread is unchanged.
func (p *TurnProcessor) ProcessTurn(ctx context.Context, threadID string, input []model.Message) ([]model.Message, error) {
	ctx, span := tracer.Start(ctx, "ProcessTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("thread.id", threadID),
		attribute.Int("turn.input_count", len(input)),
	)

	log := p.logger.ForThread(logger.CorrelationID(ctx), threadID)

	if err := validateTurn(threadID, input); err != nil {
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeValidationError).Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	history, reply, err := p.runTurn(ctx, log, threadID, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.publish(ctx, log, failureEvent(threadID, len(input), err))
		return nil, err
	}

	metrics.TurnsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Add(float64(len(input)))
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
	span.SetAttributes(attribute.Int("thread.length", len(history)))

	log.Info("turn processed",
		zap.Int("input_count", len(input)),
		zap.String("reply_id", reply.ID()),
		zap.Int("history_length", len(history)),
	)

	p.publish(ctx, log, &model.TurnEvent{
		ID:         uuid.Must(uuid.NewV7()).String(),
		ThreadID:   threadID,
		Type:       model.EventTypeTurnCompleted,
		InputCount: len(input),
		ReplyID:    reply.ID(),
		CreatedAt:  time.Now().UTC(),
	})

	return history, nil
}

// runTurn does the load, generate and append steps while holding the
// thread's lane.
func (p *TurnProcessor) runTurn(ctx context.Context, log *logger.Logger, threadID string, input []model.Message) ([]model.Message, model.Message, error) {
	waitStart := time.Now()
	release, err := p.lanes.Acquire(ctx, threadID)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeStorageError).Inc()
		return nil, model.Message{}, &StorageError{Op: OpAcquire, Err: err}
	}
	defer release()
	metrics.LaneWaitDuration.Observe(time.Since(waitStart).Seconds())

	start := time.Now()
	current, err := p.store.Load(ctx, threadID)
	metrics.RecordStore(OpLoad, err, time.Since(start).Seconds())
	if err != nil {
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeStorageError).Inc()
		log.Error("failed to load thread", zap.Error(err))
		return nil, model.Message{}, &StorageError{Op: OpLoad, Err: err}
	}

	candidate := make([]model.Message, 0, len(current)+len(input))
	candidate = append(candidate, current...)
	candidate = append(candidate, input...)

	reply, err := p.generate(ctx, candidate)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeGenerationError).Inc()
		log.Warn("reply generation failed", zap.Error(err), zap.Int("history_length", len(candidate)))
		return nil, model.Message{}, err
	}

	batch := make([]model.Message, 0, len(input)+1)
	batch = append(batch, input...)
	batch = append(batch, reply)

	start = time.Now()
	history, err := p.store.Append(ctx, threadID, batch)
	metrics.RecordStore(OpAppend, err, time.Since(start).Seconds())
	if err != nil {
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeStorageError).Inc()
		log.Error("reply generated but not saved",
			zap.Error(err),
			zap.Int("input_count", len(input)),
			zap.String("reply_id", reply.ID()),
		)
		return nil, model.Message{}, &StorageError{Op: OpAppend, ReplyLost: true, Err: err}
	}

	return history, reply, nil
}

// generate makes exactly one bounded generation call.
func (p *TurnProcessor) generate(ctx context.Context, history []model.Message) (model.Message, error) {
	ctx, span := tracer.Start(ctx, "GenerateReply")
	defer span.End()

	modelName := p.generator.Model()
	span.SetAttributes(attribute.String("llm.model", modelName))

	genCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	reply, err := p.generator.GenerateReply(genCtx, p.instruction, history)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(genCtx.Err(), context.DeadlineExceeded)
		status := "error"
		if timedOut {
			status = "timeout"
		}
		metrics.RecordGeneration(modelName, status, elapsed, 0, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		return model.Message{}, &GenerationError{Timeout: timedOut, Err: err}
	}
	if reply.Role() != model.RoleAssistant {
		metrics.RecordGeneration(modelName, "error", elapsed, 0, 0)
		return model.Message{}, &GenerationError{Err: errors.New("generator returned a non-assistant message")}
	}

	gen, _ := reply.Generation()
	metrics.RecordGeneration(modelName, "ok", elapsed, gen.TokensIn, gen.TokensOut)
	span.SetAttributes(
		attribute.Int("llm.tokens_in", gen.TokensIn),
		attribute.Int("llm.tokens_out", gen.TokensOut),
	)
	return reply, nil
}

// History returns the stored history of a thread.
func (p *TurnProcessor) History(ctx context.Context, threadID string) ([]model.Message, error) {
	if threadID == "" {
		return nil, &ValidationError{Field: "thread_id", Reason: "must not be empty"}
	}

	start := time.Now()
	history, err := p.store.Load(ctx, threadID)
	metrics.RecordStore(OpLoad, err, time.Since(start).Seconds())
	if err != nil {
		return nil, &StorageError{Op: OpLoad, Err: err}
	}
	return history, nil
}

// publish sends an event without letting the caller's cancellation or a
// broker failure affect the turn result.
func (p *TurnProcessor) publish(ctx context.Context, log *logger.Logger, event *model.TurnEvent) {
	if event == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()

	if err := p.events.PublishEvent(ctx, event); err != nil {
		log.Warn("failed to publish turn event", zap.Error(err), zap.String("event_type", string(event.Type)))
	}
}

func validateTurn(threadID string, input []model.Message) error {
	if threadID == "" {
		return &ValidationError{Field: "thread_id", Reason: "must not be empty"}
	}
	if len(input) == 0 {
		return &ValidationError{Field: "messages", Reason: "at least one message is required"}
	}
	for _, m := range input {
		if m.Role() != model.RoleUser {
			return &ValidationError{Field: "messages", Reason: "role " + string(m.Role()) + " is not accepted as input"}
		}
		if m.Content() == "" {
			return &ValidationError{Field: "messages", Reason: "content must not be empty"}
		}
	}
	return nil
}

func failureEvent(threadID string, inputCount int, err error) *model.TurnEvent {
	var eventType model.EventType
	var genErr *GenerationError
	var storeErr *StorageError
	switch {
	case errors.As(err, &genErr):
		eventType = model.EventTypeGenerationFailed
	case errors.As(err, &storeErr) && storeErr.Op != OpAcquire:
		eventType = model.EventTypeStorageFailed
	default:
		return nil
	}
	return &model.TurnEvent{
		ID:         uuid.Must(uuid.NewV7()).String(),
		ThreadID:   threadID,
		Type:       eventType,
		Reason:     err.Error(),
		InputCount: inputCount,
		CreatedAt:  time.Now().UTC(),
	}
}
