package core

import "time"

// BatchMessage is a chat message in an OpenAI batch request body.
type BatchMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BatchBody is the chat completion body of a batch request line.
type BatchBody struct {
	Model       string         `json:"model"`
	Messages    []BatchMessage `json:"messages"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
}

// BatchRequest is one line of OpenAI batch-format JSONL.
type BatchRequest struct {
	CustomID string    `json:"custom_id"`
	Method   string    `json:"method"`
	URL      string    `json:"url"`
	Body     BatchBody `json:"body"`
}

// RequestError captures a failed request without breaking a batch run.
type RequestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// TokenUsage mirrors the provider's usage block.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// BatchResult captures the outcome of a single batch request.
type BatchResult struct {
	CustomID    string        `json:"custom_id"`
	Content     string        `json:"content,omitempty"`
	Usage       *TokenUsage   `json:"usage,omitempty"`
	Error       *RequestError `json:"error,omitempty"`
	PausedMs    int64         `json:"paused_ms"`
	Worker      string        `json:"worker,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Failed reports whether the request ended in an error.
func (r *BatchResult) Failed() bool {
	return r != nil && r.Error != nil
}
