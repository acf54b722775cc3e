package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namelens/headroom/internal/core"
	"github.com/namelens/headroom/internal/core/engine"
	apperrors "github.com/namelens/headroom/internal/errors"
	servermw "github.com/namelens/headroom/internal/server/middleware"
)

type upstreamCall struct {
	Path          string
	Authorization string
	RequestID     string
	Body          string
}

type fakeUpstream struct {
	mu      sync.Mutex
	calls   []upstreamCall
	headers map[string]string
	status  int
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, upstreamCall{
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		RequestID:     r.Header.Get(servermw.RequestIDHeader),
		Body:          string(body),
	})
	headers, status := f.headers, f.status
	f.mu.Unlock()

	for k, v := range headers {
		w.Header().Set(k, v)
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
}

type proxyFixture struct {
	upstream *fakeUpstream
	server   *Server
	gov      *engine.Governor
	status   *StatusHub
	now      time.Time

	mu     sync.Mutex
	sleeps []time.Duration
	// sleepErr is returned by the governor's sleep.
	sleepErr error
}

func newProxyFixture(t *testing.T, apiKey string) *proxyFixture {
	t.Helper()

	f := &proxyFixture{
		upstream: &fakeUpstream{},
		status:   NewStatusHub(10),
		now:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	upstream := httptest.NewServer(f.upstream)
	t.Cleanup(upstream.Close)

	f.gov = engine.NewGovernor(0.01, f.status)
	f.gov.Worker = "proxy"
	f.gov.Clock = func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	f.gov.Sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sleeps = append(f.sleeps, d)
		return f.sleepErr
	}

	base, err := url.Parse(upstream.URL + "/v1")
	require.NoError(t, err)
	proxy, err := NewGovernedProxy(base, apiKey, f.gov, nil)
	require.NoError(t, err)

	f.server = New(Options{Host: "127.0.0.1", Proxy: proxy, Governor: f.gov, Status: f.status})
	return f
}

func (f *proxyFixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func chatRequest() *http.Request {
	return httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o-mini"}`))
}

func exhaustedHeaders() map[string]string {
	return map[string]string{
		"x-ratelimit-limit-requests":     "3500",
		"x-ratelimit-remaining-requests": "35",
		"x-ratelimit-reset-requests":     "6m0s",
	}
}

func TestProxyForwardsToUpstreamPath(t *testing.T) {
	f := newProxyFixture(t, "sk-test")

	req := chatRequest()
	req.Header.Set(servermw.RequestIDHeader, "req-1")
	rec := f.do(t, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.upstream.calls, 1)
	call := f.upstream.calls[0]
	assert.Equal(t, "/v1/chat/completions", call.Path)
	assert.Equal(t, "Bearer sk-test", call.Authorization)
	assert.Equal(t, "req-1", call.RequestID)
	assert.Equal(t, `{"model":"gpt-4o-mini"}`, call.Body)
	assert.Equal(t, string(core.ActionContinue), rec.Header().Get(DecisionHeader))
	assert.Equal(t, "0", rec.Header().Get(PausedMsHeader))
	assert.Contains(t, rec.Body.String(), `"content":"ok"`)
}

func TestProxyKeepsCallerAuthorization(t *testing.T) {
	f := newProxyFixture(t, "sk-test")

	req := chatRequest()
	req.Header.Set("Authorization", "Bearer caller-key")
	f.do(t, req)

	require.Len(t, f.upstream.calls, 1)
	assert.Equal(t, "Bearer caller-key", f.upstream.calls[0].Authorization)
}

func TestProxyPausesBeforeWritingExhaustedResponse(t *testing.T) {
	f := newProxyFixture(t, "sk-test")
	f.upstream.headers = exhaustedHeaders()

	rec := f.do(t, chatRequest())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(core.ActionPaused), rec.Header().Get(DecisionHeader))
	assert.Equal(t, "361000", rec.Header().Get(PausedMsHeader))
	assert.Equal(t, "35", rec.Header().Get("x-ratelimit-remaining-requests"))
	assert.Equal(t, []time.Duration{361 * time.Second}, f.sleeps)
}

func TestProxyCancelledPauseReturnsServiceUnavailable(t *testing.T) {
	f := newProxyFixture(t, "sk-test")
	f.upstream.headers = exhaustedHeaders()
	f.sleepErr = context.Canceled

	rec := f.do(t, chatRequest())

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "361", rec.Header().Get("Retry-After"))
	assert.Equal(t, string(core.ActionCancelled), rec.Header().Get(DecisionHeader))

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)
	assert.Equal(t, "requests", body.Error.Details["dimension"])

	// The next request waits out the remaining pause before it is forwarded.
	f.sleepErr = nil
	f.upstream.headers = nil
	f.mu.Lock()
	f.now = f.now.Add(time.Minute)
	f.mu.Unlock()

	rec = f.do(t, chatRequest())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []time.Duration{361 * time.Second, 301 * time.Second}, f.sleeps)
	assert.Len(t, f.upstream.calls, 2)
}

func TestProxyWaitCancelledBeforeForwarding(t *testing.T) {
	f := newProxyFixture(t, "sk-test")
	f.upstream.headers = exhaustedHeaders()
	f.sleepErr = context.Canceled
	f.do(t, chatRequest())

	rec := f.do(t, chatRequest())
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Len(t, f.upstream.calls, 1, "request must not be forwarded while paused")
}

func TestProxyUpstreamUnavailable(t *testing.T) {
	gov := engine.NewGovernor(0.01, nil)
	base, err := url.Parse("http://127.0.0.1:1/v1")
	require.NoError(t, err)
	proxy, err := NewGovernedProxy(base, "", gov, nil)
	require.NoError(t, err)
	srv := New(Options{Host: "127.0.0.1", Proxy: proxy})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, chatRequest())

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "EXTERNAL_SERVICE_ERROR", body.Error.Code)
}

func TestNewGovernedProxyValidates(t *testing.T) {
	_, err := NewGovernedProxy(&url.URL{Path: "/v1"}, "", engine.NewGovernor(0.01, nil), nil)
	require.Error(t, err)

	base, _ := url.Parse("https://api.openai.com/v1")
	_, err = NewGovernedProxy(base, "", nil, nil)
	require.Error(t, err)
}

func TestGovernorStatusEndpoint(t *testing.T) {
	f := newProxyFixture(t, "sk-test")
	f.upstream.headers = exhaustedHeaders()
	f.do(t, chatRequest())

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/governor", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.upstream.calls[1:], "status endpoint must not be proxied")

	var status GovernorStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, 0.01, status.Threshold)
	require.Len(t, status.Workers, 1)
	worker := status.Workers[0]
	assert.Equal(t, "proxy", worker.Worker)
	require.Len(t, worker.Dimensions, 1)
	assert.Equal(t, 35, worker.Dimensions[0].Remaining)
	require.NotNil(t, worker.LastPause)
	assert.Equal(t, 361*time.Second, worker.LastPause.Wait)

	kinds := make([]core.EventKind, 0, len(status.Recent))
	for _, event := range status.Recent {
		kinds = append(kinds, event.Kind)
	}
	assert.Equal(t, []core.EventKind{core.EventResume, core.EventPause}, kinds)
}
