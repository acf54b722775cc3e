package ailink

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/namelens/headroom/internal/ailink/driver"
	"github.com/namelens/headroom/internal/core/engine"
)

const (
	// DefaultMaxAttempts bounds the number of calls, including the first.
	DefaultMaxAttempts = 6
	// DefaultMaxDelay caps a single backoff delay.
	DefaultMaxDelay = 70 * time.Second
	// DefaultBaseDelay is the unit of the fibonacci sequence.
	DefaultBaseDelay = time.Second
)

// RetryPolicy controls the error-driven retry layer.
//
// Delays follow the fibonacci sequence in units of BaseDelay, capped at
// MaxDelay. A Retry-After header raises a delay to at least its value.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
	Clock   func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
}

// Retry returns a middleware that retries transient failures.
//
// Rate limit rejections (429), server errors (5xx), 408, 409 and transport
// failures are retried; other 4xx responses are permanent. Cancelled pauses
// and context cancellation are never retried.
func Retry(policy RetryPolicy) Middleware {
	return func(next driver.RawDriver) driver.RawDriver {
		return &retrying{next: next, policy: policy}
	}
}

type retrying struct {
	next   driver.RawDriver
	policy RetryPolicy
}

func (r *retrying) Name() string { return r.next.Name() }

func (r *retrying) Complete(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	return driver.Complete(ctx, r, req)
}

func (r *retrying) CompleteRaw(ctx context.Context, req *driver.Request) (*driver.RawResponse, error) {
	attempts := r.policy.maxAttempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := r.next.CompleteRaw(ctx, req)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if attempt == attempts || !Retryable(ctx, err) {
			return raw, err
		}

		delay := r.policy.Delay(attempt)
		if perr, ok := driver.AsProviderError(err); ok {
			if after, ok := perr.RetryAfter(r.policy.now()); ok && after > delay {
				delay = after
			}
		}
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, delay, err)
		}
		if err := r.policy.sleep(ctx, delay); err != nil {
			return nil, errors.Join(lastErr, err)
		}
	}
	return nil, lastErr
}

// Delay returns the backoff before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = DefaultMaxDelay
	}

	a, b := 1, 1
	for i := 1; i < attempt; i++ {
		a, b = b, a+b
		if time.Duration(a)*base >= ceiling {
			return ceiling
		}
	}
	delay := time.Duration(a) * base
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// Retryable reports whether err is a transient failure worth retrying.
func Retryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrPauseCancelled) || errors.Is(err, context.Canceled) {
		return false
	}
	if perr, ok := driver.AsProviderError(err); ok {
		return perr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p RetryPolicy) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return engine.SleepContext(ctx, d)
}
