package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/namelens/headroom/internal/observability"
)

const defaultResultsSummary = "batch_summary.json"

var batchResultsCmd = &cobra.Command{
	Use:   "results <results-file>...",
	Short: "Group batch results by prompt",
	Long: `Read Batch API output files (or results written by "headroom batch") and
group the completions by prompt.

custom_id values must have the form <source>:<prompt>:<generation>, as
written by "headroom batch build". The summary maps each source and prompt
to its completions in generation order. Failed lines are counted, not
grouped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatchResults,
}

func init() {
	batchCmd.AddCommand(batchResultsCmd)
	batchResultsCmd.Flags().String("out", defaultResultsSummary, "Summary JSON file (- for stdout)")
}

// resultsSummary groups completions by source and prompt.
type resultsSummary struct {
	TotalSources     int                            `json:"total_sources"`
	TotalPrompts     int                            `json:"total_prompts"`
	TotalGenerations int                            `json:"total_generations"`
	Failed           int                            `json:"failed"`
	Results          map[string]map[string][]string `json:"results"`
}

// resultLine accepts both Batch API output lines and headroom batch results.
type resultLine struct {
	CustomID string          `json:"custom_id"`
	Content  string          `json:"content"`
	Error    json.RawMessage `json:"error"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
}

// completion returns the generated text, or false when the line failed.
func (l resultLine) completion() (string, bool) {
	if len(l.Error) > 0 && !bytes.Equal(l.Error, []byte("null")) {
		return "", false
	}
	if l.Response == nil {
		return l.Content, true
	}
	if l.Response.StatusCode >= 300 || len(l.Response.Body.Choices) == 0 {
		return "", false
	}
	return l.Response.Body.Choices[0].Message.Content, true
}

// splitCustomID splits <source>:<prompt>:<generation>. The source may itself
// contain colons.
func splitCustomID(id string) (source, prompt string, gen int, err error) {
	genAt := strings.LastIndex(id, ":")
	if genAt <= 0 {
		return "", "", 0, fmt.Errorf("custom_id %q is not <source>:<prompt>:<generation>", id)
	}
	promptAt := strings.LastIndex(id[:genAt], ":")
	if promptAt < 0 {
		return "", "", 0, fmt.Errorf("custom_id %q is not <source>:<prompt>:<generation>", id)
	}
	gen, err = strconv.Atoi(id[genAt+1:])
	if err != nil {
		return "", "", 0, fmt.Errorf("custom_id %q: generation must be a number", id)
	}
	return id[:promptAt], id[promptAt+1 : genAt], gen, nil
}

type generation struct {
	index int
	text  string
}

// resultsCollector accumulates result files into a summary.
type resultsCollector struct {
	groups map[string]map[string][]generation
	failed int
}

func newResultsCollector() *resultsCollector {
	return &resultsCollector{groups: make(map[string]map[string][]generation)}
}

func (c *resultsCollector) add(r io.Reader, name string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBatchLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var result resultLine
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("%s line %d: %w", name, line, err)
		}
		source, prompt, gen, err := splitCustomID(result.CustomID)
		if err != nil {
			return fmt.Errorf("%s line %d: %w", name, line, err)
		}
		text, ok := result.completion()
		if !ok {
			c.failed++
			continue
		}
		prompts := c.groups[source]
		if prompts == nil {
			prompts = make(map[string][]generation)
			c.groups[source] = prompts
		}
		prompts[prompt] = append(prompts[prompt], generation{index: gen, text: text})
	}
	return scanner.Err()
}

func (c *resultsCollector) summary() resultsSummary {
	summary := resultsSummary{
		TotalSources: len(c.groups),
		Failed:       c.failed,
		Results:      make(map[string]map[string][]string, len(c.groups)),
	}
	for source, prompts := range c.groups {
		grouped := make(map[string][]string, len(prompts))
		for prompt, gens := range prompts {
			sort.SliceStable(gens, func(i, j int) bool { return gens[i].index < gens[j].index })
			texts := make([]string, len(gens))
			for i, g := range gens {
				texts[i] = g.text
			}
			grouped[prompt] = texts
			summary.TotalGenerations += len(texts)
		}
		summary.TotalPrompts += len(grouped)
		summary.Results[source] = grouped
	}
	return summary
}

func collectResultFiles(paths []string) (resultsSummary, error) {
	collector := newResultsCollector()
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			return resultsSummary{}, err
		}
		err = collector.add(file, path)
		_ = file.Close()
		if err != nil {
			return resultsSummary{}, err
		}
	}
	return collector.summary(), nil
}

// writeResultsSummary writes summary as indented JSON to path.
func writeResultsSummary(path string, summary resultsSummary) (string, error) {
	sink, err := openSink(path)
	if err != nil {
		return "", err
	}
	encoder := json.NewEncoder(sink.writer)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summary); err != nil {
		_ = sink.abort()
		return "", err
	}
	return sink.path, sink.close()
}

func runBatchResults(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("out")
	if strings.TrimSpace(out) == "" {
		return invalidConfig(errors.New("--out must not be empty"))
	}

	summary, err := collectResultFiles(args)
	if err != nil {
		return err
	}
	path, err := writeResultsSummary(out, summary)
	if err != nil {
		return err
	}

	observability.CLILogger.Info("Wrote batch summary",
		zap.String("path", path),
		zap.Int("sources", summary.TotalSources),
		zap.Int("prompts", summary.TotalPrompts),
		zap.Int("generations", summary.TotalGenerations),
		zap.Int("failed", summary.Failed))
	if path != stdoutPath {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return err
}
