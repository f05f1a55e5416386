// Package errors defines the HTTP error envelope shared by all handlers.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/okuno-dsi/revit-mcp-bridge/pkg/dispatch"
	"github.com/okuno-dsi/revit-mcp-bridge/pkg/jobstore"
)

// Error codes used across the HTTP surface.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// HTTPErrorResponse is the JSON envelope for every error the server emits.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// HTTPErrorDetail carries the structured error body.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// WriteError writes the envelope with the given status.
func WriteError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// RespondWithError maps domain errors onto the envelope with a suitable
// status code.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		WriteError(w, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, jobstore.ErrConflict):
		WriteError(w, http.StatusConflict, CodeConflict, err.Error(), nil)
	case errors.Is(err, dispatch.ErrFatalStop):
		WriteError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, err.Error(), nil)
	default:
		WriteError(w, http.StatusInternalServerError, CodeInternalError, err.Error(), nil)
	}
}

// NotFoundHandler is the router-level 404 responder.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, CodeNotFound, "resource not found", map[string]interface{}{
		"path": r.URL.Path,
	})
}

// MethodNotAllowedHandler is the router-level 405 responder.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
	})
}
