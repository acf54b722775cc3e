package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/namelens/headroom/internal/ailink"
	"github.com/namelens/headroom/internal/ailink/driver/openai"
	"github.com/namelens/headroom/internal/core/engine"
	"github.com/namelens/headroom/internal/observability"
)

const (
	defaultPollInterval     = time.Minute
	defaultCompletionWindow = "24h"
)

var batchSubmitCmd = &cobra.Command{
	Use:   "submit <batch-file>...",
	Short: "Run batch files through the OpenAI Batch API",
	Long: `Upload each batch file, create a Batch API job, poll it until it finishes,
and download the output next to the input (batch_input_part1.jsonl becomes
batch_output_part1.jsonl).

Uploads, polls and downloads go through the rate governor, so a poll loop
backs off when the API reports an exhausted quota. Files are processed one
after another; with --summary the downloaded outputs are grouped as
"headroom batch results" does.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatchSubmit,
}

func init() {
	batchCmd.AddCommand(batchSubmitCmd)

	batchSubmitCmd.Flags().Duration("poll-interval", defaultPollInterval, "Time between status checks")
	batchSubmitCmd.Flags().String("completion-window", defaultCompletionWindow, "Batch API completion window")
	batchSubmitCmd.Flags().String("out-dir", "", "Directory for downloaded outputs (default next to each input)")
	batchSubmitCmd.Flags().String("summary", "", "Also write a grouped summary of all outputs to this file")
}

// batchAPI is the subset of the Batch API that submit drives.
type batchAPI interface {
	UploadBatchFile(ctx context.Context, name string, r io.Reader) (string, error)
	CreateBatch(ctx context.Context, inputFileID, endpoint, window string) (*openai.Batch, error)
	RetrieveBatch(ctx context.Context, id string) (*openai.Batch, error)
	DownloadFile(ctx context.Context, fileID string, w io.Writer) error
}

type batchSubmitOptions struct {
	PollInterval     time.Duration
	CompletionWindow string
	OutDir           string
	Logger           *logging.Logger
	// Sleep waits between polls; defaults to engine.SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error
}

func runBatchSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return invalidConfig(err)
	}
	if strings.TrimSpace(cfg.AILink.APIKey) == "" {
		return invalidConfig(errors.New("no API key: set ailink.api_key, HEADROOM_AILINK_API_KEY or OPENAI_API_KEY"))
	}

	flags := cmd.Flags()
	opts := batchSubmitOptions{Logger: observability.CLILogger}
	opts.PollInterval, _ = flags.GetDuration("poll-interval")
	opts.CompletionWindow, _ = flags.GetString("completion-window")
	opts.OutDir, _ = flags.GetString("out-dir")
	summaryPath, _ := flags.GetString("summary")
	if opts.PollInterval <= 0 {
		return invalidConfig(errors.New("poll-interval must be positive"))
	}
	if strings.TrimSpace(opts.CompletionWindow) == "" {
		return invalidConfig(errors.New("completion-window is required"))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.CLILogger
	sink, _ := governorSink(logger, nil)
	gov := newGovernor(cfg.Governor, sink, "batch-api")
	client := openai.NewClient(cfg.AILink.BaseURL, cfg.AILink.APIKey)
	client.HTTPClient = &http.Client{Transport: ailink.GovernTransport(gov, nil)}

	outputs := make([]string, 0, len(args))
	for i, path := range args {
		logger.Info("Submitting batch file",
			zap.Int("file", i+1),
			zap.Int("files", len(args)),
			zap.String("path", path))
		out, err := submitBatchFile(ctx, client, path, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		outputs = append(outputs, out)
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), out)
	}

	if strings.TrimSpace(summaryPath) == "" {
		return nil
	}
	summary, err := collectResultFiles(outputs)
	if err != nil {
		return err
	}
	written, err := writeResultsSummary(summaryPath, summary)
	if err != nil {
		return err
	}
	logger.Info("Wrote batch summary", zap.String("path", written), zap.Int("prompts", summary.TotalPrompts))
	return nil
}

// submitBatchFile uploads path, waits for the batch job, and downloads its
// output. It returns the output path.
func submitBatchFile(ctx context.Context, api batchAPI, path string, opts batchSubmitOptions) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	fileID, err := api.UploadBatchFile(ctx, path, file)
	_ = file.Close()
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	window := opts.CompletionWindow
	if window == "" {
		window = defaultCompletionWindow
	}
	batch, err := api.CreateBatch(ctx, fileID, chatCompletionsURL, window)
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	logBatch(opts.Logger, "Batch created", batch, 0)

	batch, err = pollBatch(ctx, api, batch, opts)
	if err != nil {
		return "", err
	}
	if batch.Status != openai.BatchCompleted {
		return "", fmt.Errorf("batch %s ended with status %s", batch.ID, batch.Status)
	}
	if batch.OutputFileID == "" {
		return "", fmt.Errorf("batch %s completed without an output file", batch.ID)
	}

	outPath, err := batchOutputPath(path, opts.OutDir, "output")
	if err != nil {
		return "", err
	}
	if err := downloadTo(ctx, api, batch.OutputFileID, outPath); err != nil {
		return "", err
	}

	if batch.ErrorFileID != "" {
		errPath, err := batchOutputPath(path, opts.OutDir, "errors")
		if err == nil {
			err = downloadTo(ctx, api, batch.ErrorFileID, errPath)
		}
		if err != nil && opts.Logger != nil {
			opts.Logger.Warn("Failed to download batch error file",
				zap.String("batch_id", batch.ID),
				zap.Error(err))
		}
	}
	return outPath, nil
}

// pollBatch retrieves batch every PollInterval until it reaches a terminal
// status.
func pollBatch(ctx context.Context, api batchAPI, batch *openai.Batch, opts batchSubmitOptions) (*openai.Batch, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = engine.SleepContext
	}

	started := time.Now()
	for !batch.Done() {
		if err := sleep(ctx, interval); err != nil {
			return nil, err
		}
		next, err := api.RetrieveBatch(ctx, batch.ID)
		if err != nil {
			return nil, fmt.Errorf("retrieve batch %s: %w", batch.ID, err)
		}
		batch = next
		logBatch(opts.Logger, "Batch progress", batch, time.Since(started))
	}
	return batch, nil
}

func logBatch(logger *logging.Logger, msg string, batch *openai.Batch, elapsed time.Duration) {
	if logger == nil {
		return
	}
	logger.Info(msg,
		zap.String("batch_id", batch.ID),
		zap.String("status", batch.Status),
		zap.Int("completed", batch.RequestCounts.Completed),
		zap.Int("failed", batch.RequestCounts.Failed),
		zap.Int("total", batch.RequestCounts.Total),
		zap.Float64("percent", batch.RequestCounts.Percent()),
		zap.Duration("elapsed", elapsed.Round(time.Second)))
}

// batchOutputPath derives the download path for input: "input" in the stem
// becomes kind, otherwise _<kind> is appended.
func batchOutputPath(input, outDir, kind string) (string, error) {
	dir := filepath.Dir(input)
	if strings.TrimSpace(outDir) != "" {
		var err error
		if dir, err = ensureOutDir(outDir); err != nil {
			return "", err
		}
	}
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	if strings.Contains(stem, "input") {
		stem = strings.Replace(stem, "input", kind, 1)
	} else {
		stem += "_" + kind
	}
	return filepath.Join(dir, stem+".jsonl"), nil
}

func downloadTo(ctx context.Context, api batchAPI, fileID, path string) error {
	sink, err := openSink(path)
	if err != nil {
		return err
	}
	if err := api.DownloadFile(ctx, fileID, sink.writer); err != nil {
		_ = sink.abort()
		return fmt.Errorf("download %s: %w", fileID, err)
	}
	return sink.close()
}
