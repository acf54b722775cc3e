package ailink

import (
	"context"
	"net/http"
	"sync"

	"github.com/namelens/headroom/internal/ailink/content"
	"github.com/namelens/headroom/internal/ailink/driver"
)

type scriptedReply struct {
	header http.Header
	status int
	err    error
}

// scriptedDriver replays replies in order; the last reply repeats.
type scriptedDriver struct {
	mu      sync.Mutex
	replies []scriptedReply
	calls   int
}

func (s *scriptedDriver) Name() string { return "scripted" }

func (s *scriptedDriver) Complete(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	return driver.Complete(ctx, s, req)
}

func (s *scriptedDriver) CompleteRaw(ctx context.Context, req *driver.Request) (*driver.RawResponse, error) {
	s.mu.Lock()
	idx := s.calls
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	s.calls++
	reply := s.replies[idx]
	s.mu.Unlock()

	if reply.err != nil {
		return nil, reply.err
	}
	if reply.status >= http.StatusBadRequest {
		return nil, &driver.ProviderError{Provider: "scripted", StatusCode: reply.status, Message: "rejected", Header: reply.header}
	}
	return &driver.RawResponse{
		StatusCode: http.StatusOK,
		Header:     reply.header,
		Response:   &driver.Response{Content: []content.ContentBlock{{Type: content.ContentTypeText, Text: "ok"}}},
	}, nil
}

func (s *scriptedDriver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func limitHeader(limit, remaining, reset string) http.Header {
	h := http.Header{}
	h.Set("x-ratelimit-limit-requests", limit)
	h.Set("x-ratelimit-remaining-requests", remaining)
	h.Set("x-ratelimit-reset-requests", reset)
	return h
}

func testRequest() *driver.Request {
	return &driver.Request{Model: "test", Messages: []content.Message{content.TextMessage("user", "hi")}}
}
