package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/namelens/headroom/internal/ailink/content"
	"github.com/namelens/headroom/internal/ailink/driver"
	"github.com/namelens/headroom/internal/core"
)

const (
	chatCompletionsURL = "/v1/chat/completions"

	// maxBatchLine bounds a single JSONL line; long prompts easily exceed
	// bufio's 64KiB default.
	maxBatchLine = 16 << 20
)

func readBatchFile(path string) ([]core.BatchRequest, error) {
	if strings.TrimSpace(path) == "-" {
		return readBatchRequests(os.Stdin)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close() // nolint:errcheck // best-effort cleanup on read-only file

	return readBatchRequests(file)
}

// readBatchRequests parses OpenAI batch-format JSONL. Blank lines are
// skipped; every other line must be a valid chat completion request with a
// unique custom_id.
func readBatchRequests(r io.Reader) ([]core.BatchRequest, error) {
	requests := make([]core.BatchRequest, 0)
	seen := make(map[string]int)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBatchLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var req core.BatchRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("invalid batch request on line %d: %w", line, err)
		}
		if err := validateBatchRequest(req); err != nil {
			return nil, fmt.Errorf("invalid batch request on line %d: %w", line, err)
		}
		if first, ok := seen[req.CustomID]; ok {
			return nil, fmt.Errorf("invalid batch request on line %d: duplicate custom_id %q (first seen on line %d)", line, req.CustomID, first)
		}
		seen[req.CustomID] = line
		requests = append(requests, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return requests, nil
}

func validateBatchRequest(req core.BatchRequest) error {
	if strings.TrimSpace(req.CustomID) == "" {
		return fmt.Errorf("custom_id is required")
	}
	if method := strings.TrimSpace(req.Method); method != "" && !strings.EqualFold(method, http.MethodPost) {
		return fmt.Errorf("unsupported method %q", req.Method)
	}
	if url := strings.TrimSpace(req.URL); url != "" && !strings.HasSuffix(url, "/chat/completions") {
		return fmt.Errorf("unsupported url %q", req.URL)
	}
	if len(req.Body.Messages) == 0 {
		return fmt.Errorf("body.messages is required")
	}
	for i, msg := range req.Body.Messages {
		if strings.TrimSpace(msg.Role) == "" {
			return fmt.Errorf("body.messages[%d].role is required", i)
		}
	}
	return nil
}

// toDriverRequest converts a batch line to a driver request. The line's own
// model wins over defaultModel.
func toDriverRequest(req core.BatchRequest, defaultModel string) *driver.Request {
	model := strings.TrimSpace(req.Body.Model)
	if model == "" {
		model = defaultModel
	}

	messages := make([]content.Message, 0, len(req.Body.Messages))
	for _, msg := range req.Body.Messages {
		messages = append(messages, content.TextMessage(msg.Role, msg.Content))
	}

	return &driver.Request{
		Model:       model,
		Messages:    messages,
		Temperature: req.Body.Temperature,
		MaxTokens:   req.Body.MaxTokens,
		ID:          req.CustomID,
	}
}
