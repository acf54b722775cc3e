package driver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TraceEntry is one upstream exchange in a --trace NDJSON file. inspect
// --trace-file replays the RateLimit headers recorded here.
type TraceEntry struct {
	Timestamp   time.Time         `json:"timestamp"`
	Driver      string            `json:"driver"`
	Endpoint    string            `json:"endpoint"`
	Method      string            `json:"method"`
	Model       string            `json:"model,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	RequestBody json.RawMessage   `json:"request_body,omitempty"`
	StatusCode  int               `json:"status_code,omitempty"`
	RateLimit   map[string]string `json:"rate_limit,omitempty"`
	Response    json.RawMessage   `json:"response,omitempty"`
	Error       string            `json:"error,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
}

// Tracer appends TraceEntry lines to a writer. It is safe for concurrent use.
type Tracer struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// NewTracer returns a tracer writing NDJSON to w.
func NewTracer(w io.Writer) *Tracer {
	return &Tracer{w: w, enc: json.NewEncoder(w)}
}

// Write records entry, stamping it with the current time when unset.
// Encoding failures are dropped; tracing never fails a request.
func (t *Tracer) Write(entry TraceEntry) {
	if t == nil || t.enc == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.enc.Encode(entry)
}

// Close closes the underlying writer when it is an io.Closer.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var activeTracer atomic.Pointer[Tracer]

// EnableTracing appends traces to path until the returned close function is
// called. Enabling again replaces (and closes) the previous tracer.
func EnableTracing(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}

	t := NewTracer(f)
	if prev := activeTracer.Swap(t); prev != nil {
		_ = prev.Close()
	}
	return func() error {
		if activeTracer.CompareAndSwap(t, nil) {
			return t.Close()
		}
		return nil
	}, nil
}

// Trace records entry on the active tracer, if any.
func Trace(entry TraceEntry) {
	activeTracer.Load().Write(entry)
}

// RateLimitHeaders returns the x-ratelimit-* and retry-after headers of h,
// keyed by lowercase name.
func RateLimitHeaders(h http.Header) map[string]string {
	var out map[string]string
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(key)
		if !strings.HasPrefix(lower, "x-ratelimit-") && lower != "retry-after" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[lower] = values[0]
	}
	return out
}
