package driver

import (
	"context"
	"net/http"

	"github.com/namelens/headroom/internal/ailink/content"
)

// Driver defines the interface for AI completion providers.
type Driver interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the driver identifier (e.g., "openai").
	Name() string
}

// RawDriver is a Driver that also exposes the transport response.
//
// CompleteRaw performs a single round trip and returns the response headers
// together with the parsed body, so callers can read rate limit headers
// without a second request. Non-2xx responses are returned as *ProviderError,
// which carries the headers as well.
type RawDriver interface {
	Driver
	CompleteRaw(ctx context.Context, req *Request) (*RawResponse, error)
}

// ResponseFormat specifies the expected response format.
type ResponseFormat struct {
	Type string `json:"type"` // "text", "json_object"
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model          string
	Messages       []content.Message
	ResponseFormat *ResponseFormat
	Temperature    *float64
	MaxTokens      *int
	// ID identifies the request in traces and batch output.
	ID       string
	Metadata map[string]string
}

// Response is a provider-agnostic completion response.
type Response struct {
	Content      []content.ContentBlock
	FinishReason string
	Usage        *Usage
}

// Text joins the text blocks of the response.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return content.JoinText(r.Content)
}

// RawResponse pairs the parsed response with its transport metadata.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Response   *Response
}

// Complete adapts a RawDriver call to the plain Driver shape.
func Complete(ctx context.Context, d RawDriver, req *Request) (*Response, error) {
	raw, err := d.CompleteRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.Response, nil
}
