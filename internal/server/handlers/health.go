package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	apperrors "github.com/namelens/headroom/internal/errors"
)

// Check results reported per checker.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
)

// HealthResponse represents the aggregate health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// EndpointResponse is the body of a single health endpoint
type EndpointResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker defines interface for health checkable components
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// DegradedError marks a checker failure that should not fail health endpoints, such as
// a governor waiting out a rate limit window.
type DegradedError struct {
	Err error
}

func (e *DegradedError) Error() string {
	if e == nil || e.Err == nil {
		return StatusDegraded
	}
	return e.Err.Error()
}

func (e *DegradedError) Unwrap() error { return e.Err }

// Degraded wraps err as a DegradedError.
func Degraded(err error) error {
	return &DegradedError{Err: err}
}

// healthEndpoint describes one health route.
type healthEndpoint struct {
	name    string
	timeout time.Duration
	// runChecks is false for liveness: a running process is alive even when
	// a dependency is not.
	runChecks bool
	failure   string
}

var (
	endpointAggregate = healthEndpoint{name: "aggregate", timeout: 5 * time.Second, runChecks: true, failure: "aggregate health check failed"}
	endpointLive      = healthEndpoint{name: "live", timeout: 2 * time.Second, failure: "liveness check failed"}
	endpointReady     = healthEndpoint{name: "ready", timeout: 5 * time.Second, runChecks: true, failure: "readiness check failed"}
	endpointStartup   = healthEndpoint{name: "startup", timeout: 3 * time.Second, runChecks: true, failure: "startup check failed"}
)

// HealthManager manages health checks and endpoint states
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	version  string
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		version:  version,
	}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// runHealthChecks executes all registered health checks in name order.
func (hm *HealthManager) runHealthChecks(ctx context.Context) map[string]string {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			checks[name] = StatusTimeout
			continue
		}
		checks[name] = checkResult(checkers[name].CheckHealth(ctx))
	}
	return checks
}

func checkResult(err error) string {
	var degraded *DegradedError
	switch {
	case err == nil:
		return StatusHealthy
	case stderrors.As(err, &degraded):
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// determineOverallStatus determines overall health status
func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	degraded := false
	for _, status := range checks {
		switch status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusTimeout:
			degraded = true
		}
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

func (hm *HealthManager) serveEndpoint(w http.ResponseWriter, r *http.Request, p healthEndpoint) {
	var checks map[string]string
	status := StatusHealthy
	if p.runChecks {
		checkCtx, cancel := context.WithTimeout(r.Context(), p.timeout)
		defer cancel()
		checks = hm.runHealthChecks(checkCtx)
		status = hm.determineOverallStatus(checks)
	}

	if status == StatusUnhealthy {
		envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", p.failure)
		envelope = enrichHealthEnvelope(envelope, p.name, status, checks)
		respondWithError(w, r, envelope)
		return
	}

	var response any = EndpointResponse{Status: status, Timestamp: time.Now().UTC()}
	if p == endpointAggregate {
		response = HealthResponse{
			Status:    status,
			Version:   hm.version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    checks,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// HealthHandler reports every check and the aggregate status.
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveEndpoint(w, r, endpointAggregate)
}

// LivenessHandler reports that the process is serving requests. It does not
// run checks.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveEndpoint(w, r, endpointLive)
}

// ReadinessHandler fails while any check is unhealthy.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveEndpoint(w, r, endpointReady)
}

// StartupHandler fails until every check passes or is degraded.
func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveEndpoint(w, r, endpointStartup)
}

func enrichHealthEnvelope(envelope *errors.ErrorEnvelope, endpoint, status string, checks map[string]string) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}

	details := map[string]interface{}{
		"status": status,
	}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	if endpoint != "" {
		details["endpoint"] = endpoint
	}
	envelope = envelope.WithDetails(details)

	contextData := map[string]interface{}{
		"status": status,
	}
	if endpoint != "" {
		contextData["endpoint"] = endpoint
	}

	var unhealthy []string
	for name, result := range checks {
		if result != StatusHealthy {
			unhealthy = append(unhealthy, name)
		}
	}
	if len(unhealthy) > 0 {
		sort.Strings(unhealthy)
		contextData["unhealthy_checks"] = unhealthy
	}

	envelope, _ = envelope.WithContext(contextData)
	return envelope
}

// respondWithError writes health endpoint failures. The server installs its central
// handler with SetHTTPErrorResponder; nil restores the default.
var respondWithError = apperrors.RespondWithError

// SetHTTPErrorResponder replaces the responder used for health endpoint failures.
func SetHTTPErrorResponder(responder func(http.ResponseWriter, *http.Request, error)) {
	if responder == nil {
		responder = apperrors.RespondWithError
	}
	respondWithError = responder
}

// Global health manager instance
var globalHealthManager *HealthManager

// InitHealthManager initializes the global health manager
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the global health manager
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func globalEndpoint(p healthEndpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if globalHealthManager != nil {
			globalHealthManager.serveEndpoint(w, r, p)
			return
		}

		envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "health manager not initialized")
		envelope = enrichHealthEnvelope(envelope, p.name, "unknown", nil)
		respondWithError(w, r, envelope)
	}
}

// Package-level health handlers backed by the global manager.
var (
	HealthHandler    = globalEndpoint(endpointAggregate)
	LivenessHandler  = globalEndpoint(endpointLive)
	ReadinessHandler = globalEndpoint(endpointReady)
	StartupHandler   = globalEndpoint(endpointStartup)
)
