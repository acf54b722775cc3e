package ailink

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/namelens/headroom/internal/ailink/driver"
)

// Pace limits the request rate to rps with the given burst. It is a
// proactive complement to Govern: pacing spreads requests out before the
// provider reports pressure. rps <= 0 disables pacing.
//
// Every driver wrapped by the returned middleware shares one limiter, so the
// rate holds across workers.
func Pace(rps float64, burst int) Middleware {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next driver.RawDriver) driver.RawDriver {
		return &paced{next: next, limiter: limiter}
	}
}

type paced struct {
	next    driver.RawDriver
	limiter *rate.Limiter
}

func (p *paced) Name() string { return p.next.Name() }

func (p *paced) Complete(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	return driver.Complete(ctx, p, req)
}

func (p *paced) CompleteRaw(ctx context.Context, req *driver.Request) (*driver.RawResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.next.CompleteRaw(ctx, req)
}
