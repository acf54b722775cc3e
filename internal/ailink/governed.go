package ailink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/namelens/headroom/internal/ailink/driver"
	"github.com/namelens/headroom/internal/core"
	"github.com/namelens/headroom/internal/core/engine"
)

// ErrPauseCancelled reports that a rate limit pause ended early because the
// caller's context was cancelled.
var ErrPauseCancelled = errors.New("rate limit pause cancelled")

// PauseCancelledError carries the decision whose pause was interrupted.
type PauseCancelledError struct {
	Decision core.Decision
	Cause    error
}

func (e *PauseCancelledError) Error() string {
	if e == nil {
		return ErrPauseCancelled.Error()
	}
	msg := fmt.Sprintf("%s after %s pause", ErrPauseCancelled, e.Decision.Wait.Round(time.Millisecond))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PauseCancelledError) Is(target error) bool {
	return target == ErrPauseCancelled
}

func (e *PauseCancelledError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Govern returns a middleware that feeds every response's rate limit headers
// to gov and pauses the caller when a dimension is nearly exhausted.
//
// Outstanding pauses are honoured before the request is sent. Headers are
// read from both successful responses and provider errors.
func Govern(gov *engine.Governor) Middleware {
	return func(next driver.RawDriver) driver.RawDriver {
		if gov == nil {
			return next
		}
		return &governed{next: next, gov: gov}
	}
}

type governed struct {
	next driver.RawDriver
	gov  *engine.Governor
}

func (g *governed) Name() string { return g.next.Name() }

func (g *governed) Complete(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	return driver.Complete(ctx, g, req)
}

func (g *governed) CompleteRaw(ctx context.Context, req *driver.Request) (*driver.RawResponse, error) {
	if pending := g.gov.Pending(); pending > 0 {
		recordPause(ctx, pending)
		if err := g.gov.Wait(ctx); err != nil {
			return nil, &PauseCancelledError{
				Decision: core.Decision{Action: core.ActionCancelled, Wait: pending},
				Cause:    err,
			}
		}
	}

	raw, err := g.next.CompleteRaw(ctx, req)

	var header http.Header
	switch {
	case raw != nil:
		header = raw.Header
	case err != nil:
		if perr, ok := driver.AsProviderError(err); ok {
			header = perr.Header
		}
	}
	if len(header) == 0 {
		return raw, err
	}

	decision := g.gov.ObserveHTTP(ctx, header)
	if decision.Action != core.ActionContinue {
		recordPause(ctx, decision.Wait)
	}
	if decision.Action == core.ActionCancelled {
		pauseErr := &PauseCancelledError{Decision: decision, Cause: ctx.Err()}
		if err != nil {
			return raw, errors.Join(err, pauseErr)
		}
		return raw, pauseErr
	}
	return raw, err
}

type pauseKey struct{}

// PauseRecorder accumulates time spent in rate limit pauses.
type PauseRecorder struct {
	total atomic.Int64
}

// Total returns the accumulated pause time.
func (p *PauseRecorder) Total() time.Duration {
	if p == nil {
		return 0
	}
	return time.Duration(p.total.Load())
}

// WithPauseRecorder attaches rec to ctx so governed calls report pauses to it.
func WithPauseRecorder(ctx context.Context, rec *PauseRecorder) context.Context {
	return context.WithValue(ctx, pauseKey{}, rec)
}

func recordPause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	if rec, ok := ctx.Value(pauseKey{}).(*PauseRecorder); ok && rec != nil {
		rec.total.Add(int64(d))
	}
}
