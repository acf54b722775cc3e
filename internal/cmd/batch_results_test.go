package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namelens/headroom/internal/observability"
)

func TestSplitCustomID(t *testing.T) {
	source, prompt, gen, err := splitCustomID("names:3:1")
	require.NoError(t, err)
	assert.Equal(t, "names", source)
	assert.Equal(t, "3", prompt)
	assert.Equal(t, 1, gen)

	source, prompt, gen, err = splitCustomID("s3://bucket/key:0:2")
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/key", source)
	assert.Equal(t, "0", prompt)
	assert.Equal(t, 2, gen)

	for _, bad := range []string{"", "names", ":1", "names:1", "names:0:x"} {
		_, _, _, err := splitCustomID(bad)
		assert.Error(t, err, bad)
	}
}

func TestResultLineCompletion(t *testing.T) {
	cases := []struct {
		name string
		line string
		text string
		ok   bool
	}{
		{"batch api success", `{"custom_id":"s:0:0","response":{"status_code":200,"body":{"choices":[{"message":{"content":"hi"}}]}},"error":null}`, "hi", true},
		{"batch api http error", `{"custom_id":"s:0:0","response":{"status_code":429,"body":{}},"error":null}`, "", false},
		{"batch api error object", `{"custom_id":"s:0:0","response":null,"error":{"code":"expired"}}`, "", false},
		{"headroom result", `{"custom_id":"s:0:0","content":"hello"}`, "hello", true},
		{"headroom failure", `{"custom_id":"s:0:0","error":"boom"}`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var line resultLine
			require.NoError(t, json.Unmarshal([]byte(tc.line), &line))
			text, ok := line.completion()
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.text, text)
		})
	}
}

func TestResultsCollectorGroupsByPrompt(t *testing.T) {
	collector := newResultsCollector()
	input := strings.Join([]string{
		`{"custom_id":"names:0:1","content":"b"}`,
		`{"custom_id":"names:0:0","content":"a"}`,
		``,
		`{"custom_id":"names:1:0","content":"c"}`,
		`{"custom_id":"names:1:1","error":"rate limited"}`,
		`{"custom_id":"other:0:0","content":"d"}`,
	}, "\n")
	require.NoError(t, collector.add(strings.NewReader(input), "results.jsonl"))

	summary := collector.summary()
	assert.Equal(t, 2, summary.TotalSources)
	assert.Equal(t, 3, summary.TotalPrompts)
	assert.Equal(t, 4, summary.TotalGenerations)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"a", "b"}, summary.Results["names"]["0"])
	assert.Equal(t, []string{"c"}, summary.Results["names"]["1"])
	assert.Equal(t, []string{"d"}, summary.Results["other"]["0"])
}

func TestResultsCollectorRejectsBadLines(t *testing.T) {
	err := newResultsCollector().add(strings.NewReader(`{"custom_id":"nope","content":"x"}`), "bad.jsonl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.jsonl line 1")

	err = newResultsCollector().add(strings.NewReader("{"), "broken.jsonl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.jsonl line 1")
}

func TestRunBatchResultsWritesSummary(t *testing.T) {
	dir := t.TempDir()
	part1 := filepath.Join(dir, "batch_output_part1.jsonl")
	part2 := filepath.Join(dir, "batch_output_part2.jsonl")
	require.NoError(t, os.WriteFile(part1, []byte(`{"custom_id":"names:0:0","content":"a"}`+"\n"), 0o600))
	require.NoError(t, os.WriteFile(part2, []byte(`{"custom_id":"names:0:1","content":"b"}`+"\n"), 0o600))
	out := filepath.Join(dir, "summary.json")

	observability.InitCLILogger("headroom-test", false)
	cmd := &cobra.Command{RunE: runBatchResults}
	cmd.Flags().String("out", defaultResultsSummary, "")
	require.NoError(t, cmd.Flags().Set("out", out))
	var stdout strings.Builder
	cmd.SetOut(&stdout)

	require.NoError(t, runBatchResults(cmd, []string{part1, part2}))
	assert.Equal(t, out+"\n", stdout.String())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var summary resultsSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 2, summary.TotalGenerations)
	assert.Equal(t, []string{"a", "b"}, summary.Results["names"]["0"])
}
