package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/namelens/headroom/internal/core"
)

const (
	// DefaultThreshold pauses once 1% or less of a dimension's capacity remains.
	DefaultThreshold = 0.01

	// DefaultFallbackWait is used when an exhausted dimension reports a reset
	// value that cannot be decoded.
	DefaultFallbackWait = time.Minute
)

// Governor turns rate limit snapshots into pauses.
//
// The state is the last snapshot plus the deadline of the current pause.
// Workers normally own one governor each; a governor may also be shared, in
// which case a pause observed by one worker holds every worker in Wait.
type Governor struct {
	Threshold    float64
	FallbackWait time.Duration
	Worker       string
	Sink         EventSink
	Clock        func() time.Time
	// Sleep blocks for d or until ctx is done. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	last     core.LimitSnapshot
	resumeAt time.Time
}

// NewGovernor returns a governor with the given threshold fraction.
func NewGovernor(threshold float64, sink EventSink) *Governor {
	g := &Governor{Sink: sink}
	g.ApplyThreshold(threshold)
	return g
}

// ApplyThreshold sets the pause fraction; values outside (0,1) are ignored.
func (g *Governor) ApplyThreshold(threshold float64) {
	if g == nil {
		return
	}
	if threshold <= 0 || threshold >= 1 {
		return
	}
	g.mu.Lock()
	g.Threshold = threshold
	g.mu.Unlock()
}

// CurrentThreshold returns the pause fraction in effect.
func (g *Governor) CurrentThreshold() float64 {
	return g.threshold()
}

// Evaluate applies the threshold policy without sleeping or recording state.
func (g *Governor) Evaluate(snapshot core.LimitSnapshot) core.Decision {
	decision := core.Decision{Action: core.ActionContinue}
	threshold := g.threshold()

	for _, name := range snapshot.Names() {
		dim := snapshot[name]
		if dim.Limit <= 0 {
			continue
		}
		if !belowThreshold(dim.Remaining, dim.Limit, threshold) {
			continue
		}

		decision.Exhausted = append(decision.Exhausted, name)

		wait, err := ResetWait(dim.ResetIn)
		if err != nil {
			wait = g.fallbackWait()
			decision.Warnings = append(decision.Warnings,
				fmt.Sprintf("%s: %v; waiting fallback %s", name, err, wait))
		}

		if decision.Governing == "" || wait > decision.Wait {
			decision.Wait = wait
			decision.Governing = name
		}
	}

	if len(decision.Exhausted) > 0 {
		decision.Action = core.ActionPaused
	}
	return decision
}

// belowThreshold reports remaining <= limit*threshold. The product is
// inexact in binary (100*0.29 is 28.999999999999996), so the comparison
// allows a relative tolerance.
func belowThreshold(remaining, limit int, threshold float64) bool {
	floor := float64(limit) * threshold
	return float64(remaining) <= floor+floor*1e-9
}

// Observe records a snapshot, emits status events and pauses the caller when
// any dimension is exhausted. A pause still pending from an earlier
// observation extends the wait.
func (g *Governor) Observe(ctx context.Context, snapshot core.LimitSnapshot) core.Decision {
	if ctx == nil {
		ctx = context.Background()
	}

	decision := g.Evaluate(snapshot)
	now := g.now()

	g.mu.Lock()
	g.last = snapshot
	if decision.Action == core.ActionPaused {
		if until := now.Add(decision.Wait); until.After(g.resumeAt) {
			g.resumeAt = until
		}
	}
	deadline := g.resumeAt
	pending := deadline.Sub(now)
	g.mu.Unlock()

	g.emit(core.Event{Kind: core.EventUsage, Dimensions: snapshot.Usage()})
	for _, warning := range decision.Warnings {
		g.emit(core.Event{Kind: core.EventWarning, Message: warning})
	}

	if pending <= 0 {
		return decision
	}
	if decision.Action == core.ActionContinue {
		decision.Action = core.ActionPaused
		decision.Governing = ""
	}
	decision.Wait = pending

	g.emit(core.Event{
		Kind:      core.EventPause,
		Wait:      pending,
		Dimension: decision.Governing,
		Message:   fmt.Sprintf("pausing %s", pending.Round(time.Millisecond)),
	})

	if err := g.sleep(ctx, pending); err != nil {
		decision.Action = core.ActionCancelled
		g.emit(core.Event{
			Kind:      core.EventCancelled,
			Wait:      pending,
			Dimension: decision.Governing,
			Message:   err.Error(),
		})
		return decision
	}

	g.clearDeadline(deadline)
	g.emit(core.Event{Kind: core.EventResume, Wait: pending, Dimension: decision.Governing})
	return decision
}

// ObserveHeaders discovers a snapshot from a header map and observes it.
func (g *Governor) ObserveHeaders(ctx context.Context, headers map[string]string) core.Decision {
	return g.Observe(ctx, Discover(headers))
}

// ObserveHTTP discovers a snapshot from a net/http header and observes it.
func (g *Governor) ObserveHTTP(ctx context.Context, header http.Header) core.Decision {
	return g.Observe(ctx, DiscoverHeader(header))
}

// Wait blocks until the current pause deadline, if any, has passed.
func (g *Governor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		g.mu.Lock()
		deadline := g.resumeAt
		pending := deadline.Sub(g.now())
		g.mu.Unlock()

		if pending <= 0 {
			return nil
		}
		if err := g.sleep(ctx, pending); err != nil {
			return err
		}
		if g.clearDeadline(deadline) {
			return nil
		}
	}
}

// Pending returns how long the current pause still has to run.
func (g *Governor) Pending() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	pending := g.resumeAt.Sub(g.now())
	if pending < 0 {
		return 0
	}
	return pending
}

// Last returns the most recently observed snapshot.
func (g *Governor) Last() core.LimitSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Reset discards all state. The next observation rebuilds it.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = nil
	g.resumeAt = time.Time{}
}

// clearDeadline drops the pause deadline unless another observation moved it.
func (g *Governor) clearDeadline(deadline time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.resumeAt.Equal(deadline) {
		return false
	}
	g.resumeAt = time.Time{}
	return true
}

func (g *Governor) emit(event core.Event) {
	if g == nil || g.Sink == nil {
		return
	}
	event.ID = uuid.New().String()
	event.Worker = g.Worker
	if event.At.IsZero() {
		event.At = g.now()
	}
	g.Sink.Emit(event)
}

func (g *Governor) threshold() float64 {
	if g == nil {
		return DefaultThreshold
	}
	g.mu.Lock()
	threshold := g.Threshold
	g.mu.Unlock()
	if threshold <= 0 || threshold >= 1 {
		return DefaultThreshold
	}
	return threshold
}

func (g *Governor) fallbackWait() time.Duration {
	if g == nil || g.FallbackWait <= 0 {
		return DefaultFallbackWait
	}
	return g.FallbackWait
}

func (g *Governor) now() time.Time {
	if g != nil && g.Clock != nil {
		return g.Clock()
	}
	return time.Now().UTC()
}

func (g *Governor) sleep(ctx context.Context, d time.Duration) error {
	if g.Sleep != nil {
		return g.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext blocks for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
