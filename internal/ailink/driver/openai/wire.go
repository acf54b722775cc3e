package openai

import (
	"errors"
	"strings"

	"github.com/namelens/headroom/internal/ailink/content"
	"github.com/namelens/headroom/internal/ailink/driver"
)

// Chat completions wire types. Only text content is sent, so every message
// body is a plain string.

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *driver.Usage `json:"usage,omitempty"`
}

var (
	errNoRequest  = errors.New("request is required")
	errNoModel    = errors.New("model is required")
	errNoMessages = errors.New("messages are required")
	errNoChoices  = errors.New("empty response choices")
	errNoFileID   = errors.New("upload returned no file id")
)

func buildChatRequest(req *driver.Request) (*chatCompletionRequest, error) {
	switch {
	case req == nil:
		return nil, errNoRequest
	case strings.TrimSpace(req.Model) == "":
		return nil, errNoModel
	case len(req.Messages) == 0:
		return nil, errNoMessages
	}

	payload := &chatCompletionRequest{
		Model:       req.Model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, msg := range req.Messages {
		payload.Messages = append(payload.Messages, chatMessage{Role: msg.Role, Content: content.JoinText(msg.Content)})
	}
	if req.ResponseFormat != nil {
		payload.ResponseFormat = &responseFormat{Type: req.ResponseFormat.Type}
	}
	return payload, nil
}

// toDriverResponse keeps the first choice; batch requests never ask for n>1.
func toDriverResponse(resp *chatCompletionResponse) (*driver.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errNoChoices
	}

	first := resp.Choices[0]
	return &driver.Response{
		Content:      []content.ContentBlock{{Type: content.ContentTypeText, Text: first.Message.Content}},
		FinishReason: first.FinishReason,
		Usage:        resp.Usage,
	}, nil
}
