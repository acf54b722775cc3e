package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/namelens/headroom/internal/ailink/content"
	"github.com/namelens/headroom/internal/core"
)

const sampleBatch = `{"custom_id":"a","method":"POST","url":"/v1/chat/completions","body":{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}}

{"custom_id":"b","method":"POST","url":"/v1/chat/completions","body":{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hello"}],"max_tokens":20}}
`

func TestReadBatchRequests(t *testing.T) {
	requests, err := readBatchRequests(strings.NewReader(sampleBatch))
	require.NoError(t, err)
	require.Len(t, requests, 2)
	require.Equal(t, "a", requests[0].CustomID)
	require.Equal(t, "gpt-4o-mini", requests[0].Body.Model)
	require.Len(t, requests[1].Body.Messages, 2)
	require.NotNil(t, requests[1].Body.MaxTokens)
	require.Equal(t, 20, *requests[1].Body.MaxTokens)
}

func TestReadBatchRequestsRejectsInvalidLines(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name:    "malformed json",
			input:   `{"custom_id":`,
			wantErr: "line 1",
		},
		{
			name:    "missing custom_id",
			input:   `{"body":{"messages":[{"role":"user","content":"hi"}]}}`,
			wantErr: "custom_id is required",
		},
		{
			name:    "wrong method",
			input:   `{"custom_id":"a","method":"GET","body":{"messages":[{"role":"user","content":"hi"}]}}`,
			wantErr: "unsupported method",
		},
		{
			name:    "wrong url",
			input:   `{"custom_id":"a","url":"/v1/embeddings","body":{"messages":[{"role":"user","content":"hi"}]}}`,
			wantErr: "unsupported url",
		},
		{
			name:    "no messages",
			input:   `{"custom_id":"a","body":{"messages":[]}}`,
			wantErr: "body.messages is required",
		},
		{
			name:    "message without role",
			input:   `{"custom_id":"a","body":{"messages":[{"content":"hi"}]}}`,
			wantErr: "body.messages[0].role",
		},
		{
			name: "duplicate custom_id",
			input: `{"custom_id":"a","body":{"messages":[{"role":"user","content":"hi"}]}}
{"custom_id":"a","body":{"messages":[{"role":"user","content":"again"}]}}`,
			wantErr: "duplicate custom_id \"a\" (first seen on line 1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readBatchRequests(strings.NewReader(tt.input))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToDriverRequest(t *testing.T) {
	temp := 0.2
	req := core.BatchRequest{
		CustomID: "x:1:0",
		Body: core.BatchBody{
			Messages:    []core.BatchMessage{{Role: "user", Content: "hi"}},
			Temperature: &temp,
		},
	}

	out := toDriverRequest(req, "default-model")
	require.Equal(t, "default-model", out.Model)
	require.Equal(t, "x:1:0", out.ID)
	require.Equal(t, []content.Message{content.TextMessage("user", "hi")}, out.Messages)
	require.Equal(t, &temp, out.Temperature)

	req.Body.Model = "line-model"
	require.Equal(t, "line-model", toDriverRequest(req, "default-model").Model)
}
