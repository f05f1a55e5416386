// Package middleware provides the HTTP middleware chain: request IDs,
// panic recovery, and structured error responses.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	apperrors "github.com/okuno-dsi/revit-mcp-bridge/internal/errors"
)

// ErrorResponse is the JSON envelope produced by the middleware layer.
// It matches the envelope emitted by the handlers.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts handler panics into a 500 response with a JSON
// error envelope. The panic value and stack are logged, never echoed
// beyond the message line.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				zap.L().Error("handler panic",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", GetRequestID(r.Context())),
					zap.ByteString("stack", debug.Stack()),
				)

				detail := apperrors.HTTPErrorDetail{
					Code:      apperrors.CodeInternalError,
					Message:   fmt.Sprintf("panic: %v", rec),
					RequestID: GetRequestID(r.Context()),
				}
				writeErrorResponse(w, detail, http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery kept for router wiring symmetry.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, detail apperrors.HTTPErrorDetail, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: detail}); err != nil {
		zap.L().Error("failed to encode error response", zap.Error(err))
	}
}
