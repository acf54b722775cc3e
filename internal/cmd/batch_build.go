package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/namelens/headroom/internal/core"
	"github.com/namelens/headroom/internal/observability"
)

const (
	defaultMaxRequestsPerFile = 50_000
	defaultBatchPrefix        = "batch_input"
)

var batchBuildCmd = &cobra.Command{
	Use:   "build <prompts-file>",
	Short: "Build batch JSONL from a prompt file",
	Long: `Turn a prompt file into OpenAI batch-format JSONL.

Each non-blank line is a prompt: either plain text (sent as a single user
message) or a JSON object {"id": "...", "messages": [{"role": "...", "content": "..."}]}.
Lines starting with # are comments. Every prompt is repeated --generations
times; output is split so no file holds more than --max-requests lines.

With --reuse, existing <prefix>.jsonl and <prefix>_partN.jsonl files in
--out-dir are kept when every
one targets --model and stays within --max-requests; otherwise they are
removed and rebuilt.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatchBuild,
}

func init() {
	batchCmd.AddCommand(batchBuildCmd)
	addBatchBuildFlags(batchBuildCmd)
}

func addBatchBuildFlags(batchBuildCmd *cobra.Command) {
	batchBuildCmd.Flags().String("model", "", "Model to request (default ailink.model)")
	batchBuildCmd.Flags().Int("generations", 5, "Requests per prompt")
	batchBuildCmd.Flags().Int("max-requests", defaultMaxRequestsPerFile, "Maximum requests per output file")
	batchBuildCmd.Flags().Int("max-tokens", 150, "max_tokens for each request (0 omits it)")
	batchBuildCmd.Flags().Float64("temperature", 0.7, "temperature for each request (negative omits it)")
	batchBuildCmd.Flags().String("prefix", defaultBatchPrefix, "Output filename prefix")
	batchBuildCmd.Flags().String("out-dir", ".", "Directory for the generated files")
	batchBuildCmd.Flags().String("source", "", "Source label used in custom_id (default prompt file name)")
	batchBuildCmd.Flags().Bool("reuse", false, "Keep existing batch files that still match --model and --max-requests")
}

// batchPrompt is one prompt read from a prompt file.
type batchPrompt struct {
	ID       string              `json:"id"`
	Messages []core.BatchMessage `json:"messages"`
}

type batchBuildOptions struct {
	Model       string
	Source      string
	Generations int
	MaxRequests int
	MaxTokens   int
	Temperature float64
}

func runBatchBuild(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	opts := batchBuildOptions{}
	opts.Model, _ = flags.GetString("model")
	opts.Source, _ = flags.GetString("source")
	opts.Generations, _ = flags.GetInt("generations")
	opts.MaxRequests, _ = flags.GetInt("max-requests")
	opts.MaxTokens, _ = flags.GetInt("max-tokens")
	opts.Temperature, _ = flags.GetFloat64("temperature")
	prefix, _ := flags.GetString("prefix")
	outDir, _ := flags.GetString("out-dir")
	reuse, _ := flags.GetBool("reuse")

	if strings.TrimSpace(opts.Model) == "" {
		cfg, err := loadConfig()
		if err != nil {
			return invalidConfig(err)
		}
		opts.Model = cfg.AILink.Model
	}
	if strings.TrimSpace(opts.Source) == "" {
		opts.Source = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	}
	if opts.Generations < 1 {
		return invalidConfig(errors.New("generations must be at least 1"))
	}
	if opts.MaxRequests < 1 {
		return invalidConfig(errors.New("max-requests must be at least 1"))
	}

	dir, err := ensureOutDir(outDir)
	if err != nil {
		return err
	}

	if reuse {
		existing, err := existingBatchFiles(dir, prefix)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			reason := checkReusable(existing, opts.Model, opts.MaxRequests)
			if reason == "" {
				observability.CLILogger.Info("Reusing existing batch files", zap.Int("files", len(existing)))
				for _, path := range existing {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
				}
				return nil
			}
			observability.CLILogger.Info("Rebuilding batch files", zap.String("reason", reason))
			for _, path := range existing {
				if err := os.Remove(path); err != nil {
					observability.CLILogger.Warn("Failed to remove stale batch file", zap.String("path", path), zap.Error(err))
				}
			}
		}
	}

	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close() // nolint:errcheck // best-effort cleanup on read-only file

	prompts, err := readPrompts(file)
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		return errors.New("no prompts found in prompt file")
	}

	chunks := buildBatchChunks(prompts, opts)
	paths := batchFileNames(dir, prefix, len(chunks))
	for i, chunk := range chunks {
		if err := writeBatchFile(paths[i], chunk); err != nil {
			return err
		}
		observability.CLILogger.Info("Wrote batch file",
			zap.String("path", paths[i]),
			zap.Int("requests", len(chunk)))
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), paths[i])
	}
	return nil
}

func readPrompts(r io.Reader) ([]batchPrompt, error) {
	prompts := make([]batchPrompt, 0)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBatchLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}

		if !strings.HasPrefix(raw, "{") {
			prompts = append(prompts, batchPrompt{
				Messages: []core.BatchMessage{{Role: "user", Content: raw}},
			})
			continue
		}

		var prompt batchPrompt
		if err := json.Unmarshal([]byte(raw), &prompt); err != nil {
			return nil, fmt.Errorf("invalid prompt on line %d: %w", line, err)
		}
		if len(prompt.Messages) == 0 {
			return nil, fmt.Errorf("invalid prompt on line %d: messages is required", line)
		}
		prompts = append(prompts, prompt)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return prompts, nil
}

// buildBatchChunks expands prompts into requests and splits them into files
// of at most MaxRequests lines. Requests stay in prompt order, so a prompt's
// generations are split across files only when the file boundary falls
// inside them.
func buildBatchChunks(prompts []batchPrompt, opts batchBuildOptions) [][]core.BatchRequest {
	generations := max(opts.Generations, 1)
	perFile := max(opts.MaxRequests, 1)

	var maxTokens *int
	if opts.MaxTokens > 0 {
		value := opts.MaxTokens
		maxTokens = &value
	}
	var temperature *float64
	if opts.Temperature >= 0 {
		value := opts.Temperature
		temperature = &value
	}

	var chunks [][]core.BatchRequest
	var chunk []core.BatchRequest
	for seq, prompt := range prompts {
		index := fmt.Sprint(seq)
		if id := strings.TrimSpace(prompt.ID); id != "" {
			index = id
		}
		for gen := 0; gen < generations; gen++ {
			if chunk == nil {
				chunk = make([]core.BatchRequest, 0, min(perFile, (len(prompts)-seq)*generations))
			}
			chunk = append(chunk, core.BatchRequest{
				CustomID: fmt.Sprintf("%s:%s:%d", opts.Source, index, gen),
				Method:   http.MethodPost,
				URL:      chatCompletionsURL,
				Body: core.BatchBody{
					Model:       opts.Model,
					Messages:    prompt.Messages,
					MaxTokens:   maxTokens,
					Temperature: temperature,
				},
			})
			if len(chunk) == perFile {
				chunks = append(chunks, chunk)
				chunk = nil
			}
		}
	}
	if len(chunk) > 0 {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// batchFileNames returns <prefix>.jsonl for a single file and
// <prefix>_partN.jsonl when the output is split.
func batchFileNames(dir, prefix string, count int) []string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultBatchPrefix
	}
	if count == 1 {
		return []string{filepath.Join(dir, prefix+".jsonl")}
	}
	names := make([]string, count)
	for i := range names {
		names[i] = filepath.Join(dir, fmt.Sprintf("%s_part%d.jsonl", prefix, i+1))
	}
	return names
}

func writeBatchFile(path string, requests []core.BatchRequest) error {
	sink, err := openSink(path)
	if err != nil {
		return err
	}

	writer := bufio.NewWriter(sink.writer)
	encoder := json.NewEncoder(writer)
	encoder.SetEscapeHTML(false)
	for _, req := range requests {
		if err := encoder.Encode(req); err != nil {
			_ = sink.abort()
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		_ = sink.abort()
		return err
	}
	return sink.close()
}

// existingBatchFiles returns <prefix>.jsonl and <prefix>_partN.jsonl files in
// dir, sorted by name.
func existingBatchFiles(dir, prefix string) ([]string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultBatchPrefix
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `(_part\d+)?\.jsonl$`)
	var matches []string
	for _, entry := range entries {
		if !entry.IsDir() && pattern.MatchString(entry.Name()) {
			matches = append(matches, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// checkReusable reports why the batch files cannot be reused, or "" when
// every file is non-empty, targets model, and holds at most maxRequests
// lines.
func checkReusable(paths []string, model string, maxRequests int) string {
	for _, path := range paths {
		requests, err := readBatchFile(path)
		switch {
		case err != nil:
			return fmt.Sprintf("%s: %v", filepath.Base(path), err)
		case len(requests) == 0:
			return fmt.Sprintf("%s is empty", filepath.Base(path))
		case len(requests) > maxRequests:
			return fmt.Sprintf("%s holds %d requests (max %d)", filepath.Base(path), len(requests), maxRequests)
		}
		for _, req := range requests {
			if req.Body.Model != model {
				return fmt.Sprintf("%s targets model %q, want %q", filepath.Base(path), req.Body.Model, model)
			}
		}
	}
	return ""
}
