package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/namelens/headroom/internal/core"
)

type recordingSink struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recordingSink) Emit(event core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) kinds() []core.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]core.EventKind, 0, len(r.events))
	for _, event := range r.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

type fakeSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (f *fakeSleeper) sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.calls = append(f.calls, d)
	f.mu.Unlock()
	return ctx.Err()
}

func newTestGovernor(threshold float64) (*Governor, *recordingSink, *fakeSleeper, *time.Time) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	sleeper := &fakeSleeper{}
	g := NewGovernor(threshold, sink)
	g.Worker = "worker-1"
	g.Clock = func() time.Time { return now }
	g.Sleep = sleeper.sleep
	return g, sink, sleeper, &now
}

func requestHeaders(remaining string) map[string]string {
	return map[string]string{
		"x-ratelimit-limit-requests":     "3500",
		"x-ratelimit-remaining-requests": remaining,
		"x-ratelimit-reset-requests":     "6m0s",
	}
}

func TestGovernorPausesWhenExhausted(t *testing.T) {
	g, sink, sleeper, _ := newTestGovernor(0.01)

	decision := g.ObserveHeaders(context.Background(), requestHeaders("35"))
	require.Equal(t, core.ActionPaused, decision.Action)
	require.Equal(t, 361*time.Second, decision.Wait)
	require.Equal(t, 361.0, decision.Wait.Seconds())
	require.Equal(t, "requests", decision.Governing)
	require.Equal(t, []string{"requests"}, decision.Exhausted)

	require.Equal(t, []time.Duration{361 * time.Second}, sleeper.calls)
	require.Equal(t, []core.EventKind{core.EventUsage, core.EventPause, core.EventResume}, sink.kinds())
	require.Equal(t, "worker-1", sink.events[0].Worker)
	require.NotEmpty(t, sink.events[0].ID)
	require.Len(t, sink.events[0].Dimensions, 1)
	require.InDelta(t, 0.99, sink.events[0].Dimensions[0].UsedFraction, 1e-9)
	require.Zero(t, g.Pending())
}

func TestGovernorContinuesAboveThreshold(t *testing.T) {
	g, sink, sleeper, _ := newTestGovernor(0.01)

	decision := g.ObserveHeaders(context.Background(), requestHeaders("36"))
	require.Equal(t, core.ActionContinue, decision.Action)
	require.Zero(t, decision.Wait)
	require.Empty(t, decision.Exhausted)
	require.Empty(t, sleeper.calls)
	require.Equal(t, []core.EventKind{core.EventUsage}, sink.kinds())
}

func TestGovernorThresholdBoundary(t *testing.T) {
	g, _, _, _ := newTestGovernor(0.05)

	for remaining := 0; remaining <= 20; remaining++ {
		snapshot := core.LimitSnapshot{
			"requests": {Name: "requests", Limit: 200, Remaining: remaining, ResetIn: "1s"},
		}
		decision := g.Evaluate(snapshot)
		if remaining <= 10 {
			require.Equal(t, core.ActionPaused, decision.Action, "remaining=%d", remaining)
		} else {
			require.Equal(t, core.ActionContinue, decision.Action, "remaining=%d", remaining)
		}
	}
}

func TestGovernorThresholdBoundaryInexactProduct(t *testing.T) {
	cases := []struct {
		threshold float64
		limit     int
		paused    int
	}{
		{0.29, 100, 29},
		{0.07, 100, 7},
		{0.57, 100, 57},
		{0.1, 30, 3},
	}
	for _, tc := range cases {
		g, _, _, _ := newTestGovernor(tc.threshold)
		at := g.Evaluate(core.LimitSnapshot{
			"requests": {Name: "requests", Limit: tc.limit, Remaining: tc.paused, ResetIn: "1s"},
		})
		require.Equal(t, core.ActionPaused, at.Action, "threshold=%v limit=%d", tc.threshold, tc.limit)

		above := g.Evaluate(core.LimitSnapshot{
			"requests": {Name: "requests", Limit: tc.limit, Remaining: tc.paused + 1, ResetIn: "1s"},
		})
		require.Equal(t, core.ActionContinue, above.Action, "threshold=%v limit=%d", tc.threshold, tc.limit)
	}
}

func TestGovernorPicksLongestReset(t *testing.T) {
	g, _, sleeper, _ := newTestGovernor(0.01)

	snapshot := core.LimitSnapshot{
		"requests": {Name: "requests", Limit: 100, Remaining: 0, ResetIn: "20s"},
		"tokens":   {Name: "tokens", Limit: 10000, Remaining: 50, ResetIn: "1m30s"},
		"images":   {Name: "images", Limit: 10, Remaining: 9, ResetIn: "1h0m0s"},
	}

	decision := g.Observe(context.Background(), snapshot)
	require.Equal(t, core.ActionPaused, decision.Action)
	require.Equal(t, 91*time.Second, decision.Wait)
	require.Equal(t, "tokens", decision.Governing)
	require.Equal(t, []string{"requests", "tokens"}, decision.Exhausted)
	require.Equal(t, []time.Duration{91 * time.Second}, sleeper.calls)
}

func TestGovernorSkipsZeroLimit(t *testing.T) {
	g, _, _, _ := newTestGovernor(0.01)

	decision := g.Evaluate(core.LimitSnapshot{
		"requests": {Name: "requests", Limit: 0, Remaining: 0, ResetIn: "1s"},
	})
	require.Equal(t, core.ActionContinue, decision.Action)
}

func TestGovernorMalformedResetUsesFallback(t *testing.T) {
	g, sink, sleeper, _ := newTestGovernor(0.01)
	g.FallbackWait = 45 * time.Second

	decision := g.Observe(context.Background(), core.LimitSnapshot{
		"requests": {Name: "requests", Limit: 100, Remaining: 0, ResetIn: "tomorrow"},
	})
	require.Equal(t, core.ActionPaused, decision.Action)
	require.Equal(t, 45*time.Second, decision.Wait)
	require.Len(t, decision.Warnings, 1)
	require.Contains(t, decision.Warnings[0], "tomorrow")
	require.Equal(t, []time.Duration{45 * time.Second}, sleeper.calls)
	require.Equal(t, []core.EventKind{core.EventUsage, core.EventWarning, core.EventPause, core.EventResume}, sink.kinds())
}

func TestGovernorMissingResetUsesDefaultFallback(t *testing.T) {
	g, _, _, _ := newTestGovernor(0.01)

	decision := g.Evaluate(core.LimitSnapshot{
		"requests": {Name: "requests", Limit: 100, Remaining: 1},
	})
	require.Equal(t, core.ActionPaused, decision.Action)
	require.Equal(t, DefaultFallbackWait, decision.Wait)
}

func TestGovernorCancelledPauseKeepsDeadline(t *testing.T) {
	g, sink, sleeper, now := newTestGovernor(0.01)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	decision := g.ObserveHeaders(ctx, requestHeaders("0"))
	require.Equal(t, core.ActionCancelled, decision.Action)
	require.Equal(t, 361*time.Second, decision.Wait)
	require.Equal(t, []core.EventKind{core.EventUsage, core.EventPause, core.EventCancelled}, sink.kinds())
	require.Equal(t, 361*time.Second, g.Pending())

	*now = now.Add(60 * time.Second)
	require.Equal(t, 301*time.Second, g.Pending())

	require.NoError(t, g.Wait(context.Background()))
	require.Equal(t, []time.Duration{361 * time.Second, 301 * time.Second}, sleeper.calls)
	require.Zero(t, g.Pending())
}

func TestGovernorCancelledPauseCarriesIntoNextObservation(t *testing.T) {
	g, _, sleeper, now := newTestGovernor(0.01)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, core.ActionCancelled, g.ObserveHeaders(ctx, requestHeaders("0")).Action)

	*now = now.Add(time.Minute)
	decision := g.ObserveHeaders(context.Background(), requestHeaders("3000"))
	require.Equal(t, core.ActionPaused, decision.Action)
	require.Equal(t, 301*time.Second, decision.Wait)
	require.Empty(t, decision.Exhausted)
	require.Equal(t, 301*time.Second, sleeper.calls[len(sleeper.calls)-1])
}

func TestGovernorWaitWithoutPause(t *testing.T) {
	g, _, sleeper, _ := newTestGovernor(0.01)
	require.NoError(t, g.Wait(context.Background()))
	require.Empty(t, sleeper.calls)
}

func TestGovernorWaitCancelled(t *testing.T) {
	g, _, _, _ := newTestGovernor(0.01)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g.ObserveHeaders(ctx, requestHeaders("0"))

	require.ErrorIs(t, g.Wait(ctx), context.Canceled)
	require.Equal(t, 361*time.Second, g.Pending())
}

func TestGovernorLastAndReset(t *testing.T) {
	g, _, _, _ := newTestGovernor(0.01)
	require.Nil(t, g.Last())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g.ObserveHeaders(ctx, requestHeaders("1"))
	require.Equal(t, 1, g.Last()["requests"].Remaining)
	require.NotZero(t, g.Pending())

	g.Reset()
	require.Nil(t, g.Last())
	require.Zero(t, g.Pending())
}

func TestGovernorCompletedPauseDoesNotRepeat(t *testing.T) {
	g, _, sleeper, _ := newTestGovernor(0.01)

	g.ObserveHeaders(context.Background(), requestHeaders("0"))
	decision := g.ObserveHeaders(context.Background(), requestHeaders("3499"))
	require.Equal(t, core.ActionContinue, decision.Action)
	require.Len(t, sleeper.calls, 1)
}

func TestApplyThresholdIgnoresInvalid(t *testing.T) {
	g := NewGovernor(0, nil)
	require.Equal(t, DefaultThreshold, g.threshold())

	g.ApplyThreshold(1.5)
	require.Equal(t, DefaultThreshold, g.threshold())

	g.ApplyThreshold(0.1)
	require.Equal(t, 0.1, g.threshold())
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}

func TestMultiSinkSkipsNil(t *testing.T) {
	first := &recordingSink{}
	var count int
	sink := MultiSink{first, nil, SinkFunc(func(core.Event) { count++ }), NopSink{}}
	sink.Emit(core.Event{Kind: core.EventUsage})

	require.Len(t, first.events, 1)
	require.Equal(t, 1, count)
}
