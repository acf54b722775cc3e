package ailink

import (
	"net/http"

	"github.com/namelens/headroom/internal/core"
	"github.com/namelens/headroom/internal/core/engine"
)

// GovernTransport governs plain HTTP calls that do not go through a driver,
// such as Batch API uploads and status polls. Each request first waits out
// any pending pause; each response's headers are observed before the
// response is returned.
func GovernTransport(gov *engine.Governor, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if gov == nil {
		return next
	}
	return &governedTransport{next: next, gov: gov}
}

type governedTransport struct {
	next http.RoundTripper
	gov  *engine.Governor
}

func (t *governedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if pending := t.gov.Pending(); pending > 0 {
		recordPause(ctx, pending)
		if err := t.gov.Wait(ctx); err != nil {
			if req.Body != nil {
				_ = req.Body.Close()
			}
			return nil, &PauseCancelledError{
				Decision: core.Decision{Action: core.ActionCancelled, Wait: pending},
				Cause:    err,
			}
		}
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	decision := t.gov.ObserveHTTP(ctx, resp.Header)
	if decision.Action != core.ActionContinue {
		recordPause(ctx, decision.Wait)
	}
	if decision.Action == core.ActionCancelled {
		_ = resp.Body.Close()
		return nil, &PauseCancelledError{Decision: decision, Cause: ctx.Err()}
	}
	return resp, nil
}
