package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/namelens/headroom/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTelemetry(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()

	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: collector})
	require.NoError(t, err)

	originalTelemetry := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() {
		observability.TelemetrySystem = originalTelemetry
	})

	return collector
}

func TestRequestMetricsEmits(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		status  int
		metrics []string
		absent  []string
	}{
		{
			name:    "governed success",
			method:  http.MethodPost,
			path:    "/v1/chat/completions",
			body:    `{"model":"gpt-4o-mini"}`,
			status:  http.StatusOK,
			metrics: []string{"http_requests_total", "http_request_duration_ms", "http_request_size_bytes", "http_response_size_bytes"},
			absent:  []string{"http_errors_total"},
		},
		{
			name:    "cancelled pause",
			method:  http.MethodPost,
			path:    "/v1/chat/completions",
			status:  http.StatusServiceUnavailable,
			metrics: []string{"http_requests_total", "http_errors_total"},
		},
		{
			name:    "unknown route",
			method:  http.MethodGet,
			path:    "/nope",
			status:  http.StatusNotFound,
			metrics: []string{"http_errors_total"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := setupTelemetry(t)

			handler := RequestMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("{}"))
			}))

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "{}", rec.Body.String())
			for _, name := range tt.metrics {
				assert.Greater(t, collector.CountMetricsByName(name), 0, name)
			}
			for _, name := range tt.absent {
				assert.Equal(t, 0, collector.CountMetricsByName(name), name)
			}
		})
	}
}

func TestRequestMetrics_WithTelemetryDisabled(t *testing.T) {
	originalTelemetry := observability.TelemetrySystem
	observability.TelemetrySystem = nil
	t.Cleanup(func() { observability.TelemetrySystem = originalTelemetry })

	handler := RequestMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestEndpointPattern_StandardPaths(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/health", "/health/*"},
		{"/health/live", "/health/*"},
		{"/health/ready", "/health/*"},
		{"/health/startup", "/health/*"},
		{"/version", "/version"},
		{"/metrics", "/metrics"},
		{"/v1/governor", "/v1/governor"},
		{"/v1/chat/completions", "/v1/*"},
		{"/api/users/123", "/unknown"},
		{"/", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.expected, EndpointPattern(req))
		})
	}
}

func TestRequestMetrics_WithRequestID(t *testing.T) {
	collector := setupTelemetry(t)

	handler := RequestID(RequestMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/governor", nil)
	req.Header.Set(RequestIDHeader, "test-request-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "test-request-id", rec.Header().Get(RequestIDHeader))
	assert.Greater(t, collector.CountMetricsByName("http_requests_total"), 0)
}

func TestRequestMetrics_GovernedResponse(t *testing.T) {
	collector := setupTelemetry(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(decisionHeader, "paused")
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	RequestMetrics(handler).ServeHTTP(rec, req)

	assert.Equal(t, "paused", rec.Header().Get(decisionHeader))
	assert.Greater(t, collector.CountMetricsByName("http_requests_total"), 0)
}

func TestResponseWriterSupportsFlush(t *testing.T) {
	setupTelemetry(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: 1\n\n"))
		assert.NoError(t, http.NewResponseController(w).Flush())
	})

	rec := httptest.NewRecorder()
	RequestMetrics(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))

	assert.True(t, rec.Flushed)
	assert.Equal(t, "data: 1\n\n", rec.Body.String())
}
