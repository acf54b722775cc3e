package ailink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namelens/headroom/internal/core/engine"
)

func TestGovernTransportObservesHeadersAndPauses(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("x-ratelimit-limit-requests", "100")
		w.Header().Set("x-ratelimit-remaining-requests", "0")
		w.Header().Set("x-ratelimit-reset-requests", "2s")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var slept []time.Duration
	gov := engine.NewGovernor(0.01, nil)
	gov.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	client := &http.Client{Transport: GovernTransport(gov, server.Client().Transport)}
	rec := &PauseRecorder{}
	req, err := http.NewRequestWithContext(WithPauseRecorder(context.Background(), rec), http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, slept, 1)
	assert.Equal(t, 3*time.Second, slept[0])
	assert.Equal(t, 3*time.Second, rec.Total())
	assert.Equal(t, 100, gov.Last()["requests"].Limit)
}

func TestGovernTransportCancelledPause(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-limit-tokens", "1000")
		w.Header().Set("x-ratelimit-remaining-tokens", "1")
		w.Header().Set("x-ratelimit-reset-tokens", "1m0s")
	}))
	defer server.Close()

	gov := engine.NewGovernor(0.01, nil)
	gov.Sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	client := &http.Client{Transport: GovernTransport(gov, server.Client().Transport)}
	_, err := client.Get(server.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPauseCancelled))

	// The deadline is kept, so the next call waits before it is sent.
	assert.Greater(t, gov.Pending(), time.Duration(0))
}

func TestGovernTransportWithoutGovernor(t *testing.T) {
	next := http.DefaultTransport
	assert.Equal(t, next, GovernTransport(nil, next))
}
