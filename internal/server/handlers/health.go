// Package handlers implements the HTTP handlers for the bridge server.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/okuno-dsi/revit-mcp-bridge/internal/errors"
)

// checkTimeout bounds each individual health probe.
const checkTimeout = 2 * time.Second

// HealthChecker reports the health of one subsystem.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// FatalSource reports the dispatch fatal latch. While the latch is
// active the service stays up for reads but reports degraded.
type FatalSource interface {
	IsActive() bool
	Reason() string
}

// HealthManager aggregates registered checkers into the health endpoints.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]HealthChecker
	fatal    FatalSource
}

// HealthResponse is the body returned by the health endpoints.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Timestamp  time.Time         `json:"timestamp"`
	FatalError bool              `json:"fatal_error"`
	Reason     string            `json:"reason,omitempty"`
	Checks     map[string]string `json:"checks,omitempty"`
}

// NewHealthManager creates a manager reporting the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds a named subsystem probe. Re-registering a name
// replaces the previous checker.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// SetFatalSource attaches the dispatch fatal latch to health reporting.
func (m *HealthManager) SetFatalSource(src FatalSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fatal = src
}

func (m *HealthManager) fatalState() (bool, string) {
	m.mu.RLock()
	src := m.fatal
	m.mu.RUnlock()
	if src == nil || !src.IsActive() {
		return false, ""
	}
	return true, src.Reason()
}

// runChecks probes every registered checker and returns a per-check status
// string of ok, unhealthy, or timeout.
func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(checkers))
	for name, checker := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checker.CheckHealth(checkCtx)
		cancel()

		switch {
		case err == nil:
			results[name] = "ok"
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = "timeout"
		default:
			results[name] = "unhealthy"
		}
	}
	return results
}

// determineOverallStatus folds per-check results into the wire-level
// status of ok, degraded, or unhealthy. A timed-out probe degrades the
// service without marking it unhealthy.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "ok"
	for _, s := range checks {
		switch s {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler serves the full health report. An active fatal latch
// degrades the report but keeps the status endpoint itself serving 200,
// so operators can still read the reason.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == "unhealthy" {
		details := map[string]interface{}{
			"checks": checks,
		}
		apperrors.WriteError(w, http.StatusServiceUnavailable,
			apperrors.CodeServiceUnavailable, "service unhealthy", details)
		return
	}

	fatal, reason := m.fatalState()
	if fatal {
		status = "degraded"
	}

	writeHealthJSON(w, http.StatusOK, HealthResponse{
		Status:     status,
		Version:    m.version,
		Timestamp:  time.Now().UTC(),
		FatalError: fatal,
		Reason:     reason,
		Checks:     checks,
	})
}

// LivenessHandler reports process liveness without probing subsystems.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealthJSON(w, http.StatusOK, HealthResponse{
		Status:    "alive",
		Version:   m.version,
		Timestamp: time.Now().UTC(),
	})
}

// ReadinessHandler reports whether the service can take traffic. An
// active fatal latch means submissions are being rejected, so the
// service is not ready.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if fatal, reason := m.fatalState(); fatal {
		apperrors.WriteError(w, http.StatusServiceUnavailable,
			apperrors.CodeServiceUnavailable, "fatal stop active: "+reason, nil)
		return
	}

	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == "unhealthy" {
		apperrors.WriteError(w, http.StatusServiceUnavailable,
			apperrors.CodeServiceUnavailable, "service not ready", map[string]interface{}{
				"checks": checks,
			})
		return
	}

	writeHealthJSON(w, http.StatusOK, HealthResponse{
		Status:    "ready",
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

// StartupHandler reports whether startup has completed. It shares the
// readiness probes; startup-specific gating happens by registering the
// store checker only after migration.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.ReadinessHandler(w, r)
}

func writeHealthJSON(w http.ResponseWriter, status int, body HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// globalHealthManager backs the package-level handler functions used by
// the router.
var globalHealthManager *HealthManager

// InitHealthManager installs the global manager.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the global manager, nil before init.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

// HealthHandler serves /health via the global manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		writeUninitialized(w)
		return
	}
	globalHealthManager.HealthHandler(w, r)
}

// LivenessHandler serves /health/live via the global manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		writeUninitialized(w)
		return
	}
	globalHealthManager.LivenessHandler(w, r)
}

// ReadinessHandler serves /health/ready via the global manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		writeUninitialized(w)
		return
	}
	globalHealthManager.ReadinessHandler(w, r)
}

// StartupHandler serves /health/startup via the global manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		writeUninitialized(w)
		return
	}
	globalHealthManager.StartupHandler(w, r)
}

func writeUninitialized(w http.ResponseWriter) {
	apperrors.WriteError(w, http.StatusServiceUnavailable,
		apperrors.CodeServiceUnavailable, "health manager not initialized", nil)
}
