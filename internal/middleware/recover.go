package middleware

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/session-service/internal/model"
	"github.com/capitalize-ai/session-service/pkg/logger"
)

// Recover turns a handler panic into a 500 carrying the failure envelope.
// http.ErrAbortHandler is re-raised so net/http can abort the response.
func Recover(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				log.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("correlation_id", GetCorrelationID(r)),
					zap.Stack("stack"),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(model.InvokeResponse{
					Status:    model.StatusFailed,
					Error:     "internal server error",
					ErrorKind: model.ErrorKindInternal,
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
