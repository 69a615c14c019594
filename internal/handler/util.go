package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/capitalize-ai/session-service/internal/model"
	"github.com/capitalize-ai/session-service/internal/service"
)

// Error kinds reported in the failure envelope.
const (
	KindValidation = model.ErrorKindValidation
	KindGeneration = model.ErrorKindGeneration
	KindStorage    = model.ErrorKindStorage
	KindInternal   = model.ErrorKindInternal
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeSuccess writes the success envelope with the thread's history.
func writeSuccess(w http.ResponseWriter, threadID string, history []model.Message) {
	if history == nil {
		history = []model.Message{}
	}
	writeJSON(w, http.StatusOK, model.InvokeResponse{
		Status: model.StatusSuccess,
		Output: &model.InvokeOutput{ThreadID: threadID, Messages: history},
	})
}

// writeFailure writes the failure envelope for err.
func writeFailure(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	writeJSON(w, status, model.InvokeResponse{
		Status:    model.StatusFailed,
		Error:     err.Error(),
		ErrorKind: kind,
	})
}

func classify(err error) (int, string) {
	var vErr *service.ValidationError
	var gErr *service.GenerationError
	var sErr *service.StorageError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest, KindValidation
	case errors.As(err, &gErr):
		if gErr.Timeout {
			return http.StatusGatewayTimeout, KindGeneration
		}
		return http.StatusBadGateway, KindGeneration
	case errors.As(err, &sErr):
		return http.StatusInternalServerError, KindStorage
	default:
		return http.StatusInternalServerError, KindInternal
	}
}
