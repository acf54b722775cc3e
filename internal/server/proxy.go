package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/namelens/headroom/internal/ailink"
	"github.com/namelens/headroom/internal/core"
	"github.com/namelens/headroom/internal/core/engine"
	"github.com/namelens/headroom/internal/metrics"
	servermw "github.com/namelens/headroom/internal/server/middleware"
)

// Response headers describing the governor's verdict on a proxied call.
const (
	DecisionHeader = "X-Headroom-Decision"
	PausedMsHeader = "X-Headroom-Paused-Ms"
)

// GovernedProxy forwards requests to an OpenAI-compatible upstream through a
// shared rate governor.
//
// Each request first waits out any pending pause. The upstream response
// headers are observed before the response is written, so an exhausted
// quota holds the response until the window resets.
type GovernedProxy struct {
	upstream *url.URL
	apiKey   string
	governor *engine.Governor
	proxy    *httputil.ReverseProxy
}

// NewGovernedProxy returns a proxy for upstream. Incoming /v1 paths are
// rebased onto the upstream path (https://api.openai.com/v1 receives
// /v1/chat/completions as /v1/chat/completions). apiKey is sent only when
// the caller supplies no Authorization header.
func NewGovernedProxy(upstream *url.URL, apiKey string, gov *engine.Governor, transport http.RoundTripper) (*GovernedProxy, error) {
	if upstream == nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream must be an absolute URL")
	}
	if gov == nil {
		return nil, fmt.Errorf("governor is required")
	}

	p := &GovernedProxy{
		upstream: upstream,
		apiKey:   strings.TrimSpace(apiKey),
		governor: gov,
	}
	p.proxy = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		ModifyResponse: p.observe,
		ErrorHandler:   p.handleError,
		Transport:      transport,
		FlushInterval:  -1,
	}
	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *GovernedProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := p.governor.Wait(r.Context()); err != nil {
		p.respondPauseCancelled(w, r, p.governor.Pending(), "")
		return
	}
	waited := time.Since(start)

	ctx := context.WithValue(r.Context(), waitedKey{}, waited)
	p.proxy.ServeHTTP(w, r.WithContext(ctx))
}

type waitedKey struct{}

func (p *GovernedProxy) rewrite(pr *httputil.ProxyRequest) {
	pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, "/v1")
	pr.Out.URL.RawPath = ""
	pr.SetURL(p.upstream)
	pr.SetXForwarded()

	if pr.In.Header.Get("Authorization") == "" && p.apiKey != "" {
		pr.Out.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if id := servermw.GetRequestID(pr.In.Context()); id != "" {
		pr.Out.Header.Set(servermw.RequestIDHeader, id)
	}
}

// observe runs on the handler goroutine before the response is written.
func (p *GovernedProxy) observe(resp *http.Response) error {
	ctx := resp.Request.Context()
	decision := p.governor.ObserveHTTP(ctx, resp.Header)
	metrics.RecordRequest("proxy", resp.StatusCode < http.StatusBadRequest)

	paused := time.Duration(0)
	if waited, ok := ctx.Value(waitedKey{}).(time.Duration); ok {
		paused = waited
	}
	if decision.Action != core.ActionContinue {
		paused += decision.Wait
	}
	resp.Header.Set(DecisionHeader, string(decision.Action))
	resp.Header.Set(PausedMsHeader, strconv.FormatInt(paused.Milliseconds(), 10))

	if decision.Action == core.ActionCancelled {
		return &ailink.PauseCancelledError{Decision: decision, Cause: ctx.Err()}
	}
	return nil
}
