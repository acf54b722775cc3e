package ailink

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sleepLog struct {
	delays []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestRetryDelaySequence(t *testing.T) {
	policy := RetryPolicy{}
	var got []time.Duration
	for attempt := 1; attempt <= 12; attempt++ {
		got = append(got, policy.Delay(attempt))
	}
	want := []time.Duration{1, 1, 2, 3, 5, 8, 13, 21, 34, 55, 70, 70}
	for i := range want {
		want[i] *= time.Second
	}
	require.Equal(t, want, got)
}

func TestRetryRecoversFromRateLimit(t *testing.T) {
	log := &sleepLog{}
	inner := &scriptedDriver{replies: []scriptedReply{
		{status: http.StatusTooManyRequests},
		{status: http.StatusServiceUnavailable},
		{},
	}}

	var retries []int
	client := Wrap(inner, Retry(RetryPolicy{
		Sleep:   log.sleep,
		OnRetry: func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) },
	}))

	raw, err := client.CompleteRaw(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, "ok", raw.Response.Text())
	require.Equal(t, 3, inner.callCount())
	require.Equal(t, []time.Duration{time.Second, time.Second}, log.delays)
	require.Equal(t, []int{1, 2}, retries)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	log := &sleepLog{}
	inner := &scriptedDriver{replies: []scriptedReply{{status: http.StatusUnauthorized}}}

	_, err := Wrap(inner, Retry(RetryPolicy{Sleep: log.sleep})).CompleteRaw(context.Background(), testRequest())
	require.Error(t, err)
	require.Equal(t, 1, inner.callCount())
	require.Empty(t, log.delays)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	log := &sleepLog{}
	inner := &scriptedDriver{replies: []scriptedReply{{status: http.StatusBadGateway}}}

	_, err := Wrap(inner, Retry(RetryPolicy{MaxAttempts: 3, Sleep: log.sleep})).CompleteRaw(context.Background(), testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 502")
	require.Equal(t, 3, inner.callCount())
	require.Len(t, log.delays, 2)
}

func TestRetryHonoursRetryAfter(t *testing.T) {
	log := &sleepLog{}
	h := http.Header{}
	h.Set("Retry-After", "20")
	inner := &scriptedDriver{replies: []scriptedReply{{status: http.StatusTooManyRequests, header: h}, {}}}

	_, err := Wrap(inner, Retry(RetryPolicy{Sleep: log.sleep})).CompleteRaw(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, []time.Duration{20 * time.Second}, log.delays)
}

func TestRetryDoesNotRetryCancelledPause(t *testing.T) {
	log := &sleepLog{}
	inner := &scriptedDriver{replies: []scriptedReply{{err: &PauseCancelledError{Cause: context.Canceled}}}}

	_, err := Wrap(inner, Retry(RetryPolicy{Sleep: log.sleep})).CompleteRaw(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrPauseCancelled)
	require.Equal(t, 1, inner.callCount())
}

func TestRetryStopsWhenContextCancelledDuringBackoff(t *testing.T) {
	inner := &scriptedDriver{replies: []scriptedReply{{status: http.StatusTooManyRequests}}}
	ctx, cancel := context.WithCancel(context.Background())

	sleep := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := Wrap(inner, Retry(RetryPolicy{Sleep: sleep})).CompleteRaw(ctx, testRequest())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, inner.callCount())
}

func TestRetryable(t *testing.T) {
	ctx := context.Background()
	require.False(t, Retryable(ctx, nil))
	require.False(t, Retryable(ctx, errors.New("api key is required")))
	require.False(t, Retryable(ctx, context.Canceled))
	require.True(t, Retryable(ctx, context.DeadlineExceeded))
	require.True(t, Retryable(ctx, &net.OpError{Op: "dial", Err: errors.New("refused")}))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.False(t, Retryable(cancelled, context.DeadlineExceeded))
}

func TestRetryWrapsGovernedClient(t *testing.T) {
	gov, slept := newFakeGovernor()
	log := &sleepLog{}
	inner := &scriptedDriver{replies: []scriptedReply{
		{status: http.StatusTooManyRequests, header: limitHeader("100", "0", "2s")},
		{header: limitHeader("100", "99", "1s")},
	}}

	client := Wrap(inner, Retry(RetryPolicy{Sleep: log.sleep}), Govern(gov))
	_, err := client.CompleteRaw(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, 2, inner.callCount())
	require.Equal(t, []time.Duration{3 * time.Second}, *slept)
	require.Equal(t, []time.Duration{time.Second}, log.delays)
}
