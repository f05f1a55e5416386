package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/okuno-dsi/revit-mcp-bridge/internal/errors"
	"github.com/okuno-dsi/revit-mcp-bridge/pkg/dispatch"
	"github.com/okuno-dsi/revit-mcp-bridge/pkg/jobstore"
)

func TestDefaultResponderMapsDomainErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"job not found", jobstore.ErrNotFound, http.StatusNotFound, apperrors.CodeNotFound},
		{"state conflict", fmt.Errorf("cancel: %w", jobstore.ErrConflict), http.StatusConflict, apperrors.CodeConflict},
		{"fatal stop", fmt.Errorf("%w: store is gone", dispatch.ErrFatalStop), http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError, apperrors.CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			respondWithError(rec, httptest.NewRequest(http.MethodGet, "/jobs/x", nil), tt.err)

			assert.Equal(t, tt.wantCode, rec.Code)

			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantBody, body.Error.Code)
			assert.Contains(t, body.Error.Message, tt.err.Error())
		})
	}
}

func TestSetHTTPErrorResponderOverridesDefault(t *testing.T) {
	defer ResetHTTPErrorResponder()

	var captured error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil), jobstore.ErrNotFound)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, captured, jobstore.ErrNotFound)
}

func TestSetHTTPErrorResponderNilRestoresDefault(t *testing.T) {
	defer ResetHTTPErrorResponder()

	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusTeapot)
	})
	SetHTTPErrorResponder(nil)

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil), jobstore.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, rec.Code, "nil restores the envelope mapping")
}

func TestResetHTTPErrorResponder(t *testing.T) {
	customCalled := false
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		customCalled = true
	})
	ResetHTTPErrorResponder()

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil), errors.New("boom"))

	assert.False(t, customCalled)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
