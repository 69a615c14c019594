package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/session-service/internal/middleware"
	"github.com/capitalize-ai/session-service/internal/model"
	"github.com/capitalize-ai/session-service/internal/service"
	"github.com/capitalize-ai/session-service/pkg/logger"
)

// maxBodyOverhead is room for JSON framing on top of message content.
const maxBodyOverhead = 64 << 10

// TurnService runs turns and reads thread history.
type TurnService interface {
	ProcessTurn(ctx context.Context, threadID string, input []model.Message) ([]model.Message, error)
	History(ctx context.Context, threadID string) ([]model.Message, error)
}

// SessionHandler handles the invoke and thread history endpoints.
type SessionHandler struct {
	turns  TurnService
	rules  middleware.TurnRules
	logger *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(turns TurnService, rules middleware.TurnRules, log *logger.Logger) *SessionHandler {
	if rules.MaxContentBytes <= 0 {
		rules.MaxContentBytes = middleware.DefaultMaxContentBytes
	}
	if rules.MaxMessages <= 0 {
		rules.MaxMessages = middleware.DefaultMaxMessages
	}
	return &SessionHandler{
		turns:  turns,
		rules:  rules,
		logger: log,
	}
}

// Invoke handles POST /invoke
func (h *SessionHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	var req model.InvokeRequest
	if err := h.decode(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}

	h.runTurn(w, r, req.Config.Configurable.ThreadID, req.Input.Messages)
}

// ThreadInvoke handles POST /threads/{threadID}/invoke
func (h *SessionHandler) ThreadInvoke(w http.ResponseWriter, r *http.Request) {
	threadID, err := threadParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	var req model.ThreadInvokeRequest
	if err := h.decode(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}

	h.runTurn(w, r, threadID, req.Messages)
}

// Messages handles GET /threads/{threadID}/messages
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	threadID, err := threadParam(r)
	if err == nil {
		err = validateThreadID(threadID)
	}
	if err != nil {
		writeFailure(w, err)
		return
	}

	history, err := h.turns.History(r.Context(), threadID)
	if err != nil {
		h.logger.ForThread(middleware.GetCorrelationID(r), threadID).Error("failed to load history", zap.Error(err))
		writeFailure(w, err)
		return
	}

	writeSuccess(w, threadID, history)
}

func (h *SessionHandler) runTurn(w http.ResponseWriter, r *http.Request, threadID string, input []model.InputMessage) {
	msgs, err := h.convert(threadID, input)
	if err != nil {
		writeFailure(w, err)
		return
	}

	history, err := h.turns.ProcessTurn(r.Context(), threadID, msgs)
	if err != nil {
		status, kind := classify(err)
		h.logger.ForThread(middleware.GetCorrelationID(r), threadID).Warn("turn failed",
			zap.Error(err),
			zap.String("error_kind", kind),
			zap.Int("status", status),
		)
		writeFailure(w, err)
		return
	}

	writeSuccess(w, threadID, history)
}

// convert validates the loosely typed input and turns it into messages.
func (h *SessionHandler) convert(threadID string, input []model.InputMessage) ([]model.Message, error) {
	if err := validateThreadID(threadID); err != nil {
		return nil, err
	}
	if err := h.rules.ValidateMessages(input); err != nil {
		return nil, &service.ValidationError{Field: "messages", Reason: err.Error()}
	}

	msgs := make([]model.Message, 0, len(input))
	for _, in := range input {
		role, err := model.ParseRole(in.Role)
		if err != nil {
			return nil, &service.ValidationError{Field: "messages", Reason: err.Error()}
		}
		msg, err := model.NewMessage(role, in.Content)
		if err != nil {
			return nil, &service.ValidationError{Field: "messages", Reason: err.Error()}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (h *SessionHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	limit := int64(h.rules.MaxContentBytes)*int64(h.rules.MaxMessages) + maxBodyOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &service.ValidationError{Reason: "request body too large"}
		}
		return &service.ValidationError{Reason: "invalid request body"}
	}
	return nil
}

func validateThreadID(threadID string) error {
	if err := middleware.ValidateThreadID(threadID); err != nil {
		return &service.ValidationError{Field: "thread_id", Reason: err.Error()}
	}
	return nil
}

// threadParam returns the decoded thread id. chi routes on RawPath when the
// request carries one, leaving the param escaped; otherwise the param comes
// from the already decoded Path and must not be unescaped again.
func threadParam(r *http.Request) (string, error) {
	id := chi.URLParam(r, "threadID")
	if r.URL.RawPath == "" {
		return id, nil
	}
	id, err := url.PathUnescape(id)
	if err != nil {
		return "", &service.ValidationError{Field: "thread_id", Reason: "invalid escaping"}
	}
	return id, nil
}
