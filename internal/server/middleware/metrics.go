package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/namelens/headroom/internal/observability"
	"go.uber.org/zap"
)

// decisionHeader is set by the governed proxy on every forwarded response.
const decisionHeader = "X-Headroom-Decision"

// fixedEndpoints maps non-chi paths to their metric label.
var fixedEndpoints = map[string]string{
	"/health":         "/health/*",
	"/health/live":    "/health/*",
	"/health/ready":   "/health/*",
	"/health/startup": "/health/*",
	"/version":        "/version",
	"/metrics":        "/metrics",
	"/v1/governor":    "/v1/governor",
	"/":               "/",
}

// responseWriter captures status and size. Unwrap lets
// http.ResponseController reach the underlying Flusher so streamed upstream
// responses are not buffered.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// EndpointPattern returns a low-cardinality label for r: the chi route
// pattern when one matched, otherwise a fixed label. Proxied paths collapse
// to "/v1/*".
func EndpointPattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	path := r.URL.Path
	if label, ok := fixedEndpoints[path]; ok {
		return label
	}
	if strings.HasPrefix(path, "/v1/") {
		return "/v1/*"
	}
	return "/unknown"
}

// RequestMetrics records request count, latency and sizes per endpoint.
// Governed responses also carry the governor decision as a label.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sys := observability.TelemetrySystem
		if sys == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		requestSize := int64(0)
		if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
			if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
				requestSize = size
			}
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := EndpointPattern(r)
		status := strconv.Itoa(wrapped.statusCode)
		decision := wrapped.Header().Get(decisionHeader)

		requestLabels := map[string]string{
			"method":   r.Method,
			"endpoint": endpoint,
			"status":   status,
		}
		if decision != "" {
			requestLabels["decision"] = decision
		}
		_ = sys.Counter("http_requests_total", 1, requestLabels)

		// Latency includes any governor pause.
		_ = sys.Histogram("http_request_duration_ms", duration, map[string]string{
			"method":   r.Method,
			"endpoint": endpoint,
			"status":   status,
		})

		sizeLabels := map[string]string{"method": r.Method, "endpoint": endpoint}
		_ = sys.Gauge("http_request_size_bytes", float64(requestSize), sizeLabels)
		_ = sys.Gauge("http_response_size_bytes", float64(wrapped.bytesWritten), sizeLabels)

		if wrapped.statusCode >= 400 {
			errorType := "client_error"
			if wrapped.statusCode >= 500 {
				errorType = "server_error"
			}
			_ = sys.Counter("http_errors_total", 1, map[string]string{
				"method":     r.Method,
				"endpoint":   endpoint,
				"status":     status,
				"error_type": errorType,
			})
		}

		if observability.ServerLogger != nil {
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("endpoint", endpoint),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", duration),
				zap.Int64("request_size", requestSize),
				zap.Int64("response_size", wrapped.bytesWritten),
				zap.String("requestID", GetRequestID(r.Context())),
			}
			if decision != "" {
				fields = append(fields, zap.String("decision", decision))
			}
			observability.ServerLogger.Info("HTTP request completed", fields...)
		}
	})
}
