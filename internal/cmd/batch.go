package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/namelens/headroom/internal/ailink"
	"github.com/namelens/headroom/internal/ailink/driver"
	"github.com/namelens/headroom/internal/config"
	"github.com/namelens/headroom/internal/core"
	"github.com/namelens/headroom/internal/core/store"
	"github.com/namelens/headroom/internal/metrics"
	"github.com/namelens/headroom/internal/observability"
	"github.com/namelens/headroom/internal/output"
)

var batchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: "Run a JSONL batch through the rate governor",
	Long: `Read OpenAI batch-format JSONL (custom_id, method, url, body) and send each
chat completion request upstream through the rate governor.

One result line is written per request (custom_id, content, usage, error,
paused_ms). Per-request failures are recorded in the results; configuration
errors abort the run. Use "-" to read requests from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	addBatchFlags(batchCmd)
}

func addBatchFlags(batchCmd *cobra.Command) {
	batchCmd.Flags().Int("workers", 0, "Concurrent workers (default batch.workers)")
	batchCmd.Flags().Float64("rps", 0, "Pace requests to this rate across all workers (default batch.rps, 0 disables)")
	batchCmd.Flags().String("model", "", "Model for lines that do not name one (default ailink.model)")
	batchCmd.Flags().String("governor-mode", "", "Governor mode: per-worker or shared (default governor.mode)")
	batchCmd.Flags().Float64("threshold", 0, "Remaining fraction that triggers a pause (default governor.threshold)")
	batchCmd.Flags().String("out", "", "Write results JSONL to a file (default stdout)")
	batchCmd.Flags().String("summary-format", string(output.FormatTable), "Summary format: table, json, markdown")
	batchCmd.Flags().Bool("journal", false, "Record governor events in the journal (default journal.enabled)")
}

type batchOptions struct {
	workers       int
	rps           float64
	model         string
	mode          string
	threshold     float64
	out           string
	summaryFormat output.Format
	journal       bool
}

func batchOptionsFromFlags(cmd *cobra.Command, cfg *config.Config) (batchOptions, error) {
	flags := cmd.Flags()
	opts := batchOptions{
		workers:   cfg.Batch.Workers,
		rps:       cfg.Batch.RPS,
		model:     cfg.AILink.Model,
		mode:      cfg.Governor.Mode,
		threshold: cfg.Governor.Threshold,
		journal:   cfg.Journal.Enabled,
	}

	if flags.Changed("workers") {
		opts.workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("rps") {
		opts.rps, _ = flags.GetFloat64("rps")
	}
	if flags.Changed("model") {
		opts.model, _ = flags.GetString("model")
	}
	if flags.Changed("governor-mode") {
		mode, _ := flags.GetString("governor-mode")
		opts.mode = strings.ToLower(strings.TrimSpace(mode))
	}
	if flags.Changed("threshold") {
		opts.threshold, _ = flags.GetFloat64("threshold")
	}
	if flags.Changed("journal") {
		opts.journal, _ = flags.GetBool("journal")
	}
	opts.out, _ = flags.GetString("out")

	formatValue, _ := flags.GetString("summary-format")
	format, err := output.ParseFormat(formatValue)
	if err != nil {
		return opts, err
	}
	opts.summaryFormat = format

	return opts, opts.validate()
}

func (o batchOptions) validate() error {
	switch {
	case o.workers < 1:
		return errors.New("workers must be at least 1")
	case o.rps < 0:
		return errors.New("rps must not be negative")
	case o.threshold <= 0 || o.threshold >= 1:
		return fmt.Errorf("threshold must be between 0 and 1 (exclusive), got %v", o.threshold)
	case o.mode != config.GovernorModePerWorker && o.mode != config.GovernorModeShared:
		return fmt.Errorf("governor mode must be %q or %q, got %q", config.GovernorModePerWorker, config.GovernorModeShared, o.mode)
	case strings.TrimSpace(o.model) == "":
		return errors.New("model is required")
	}
	return nil
}

// apply copies the resolved options into cfg.
func (o batchOptions) apply(cfg *config.Config) {
	cfg.Batch.Workers = o.workers
	cfg.Batch.RPS = o.rps
	cfg.AILink.Model = o.model
	cfg.Governor.Mode = o.mode
	cfg.Governor.Threshold = o.threshold
	cfg.Journal.Enabled = o.journal
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return invalidConfig(err)
	}
	opts, err := batchOptionsFromFlags(cmd, cfg)
	if err != nil {
		return invalidConfig(err)
	}
	opts.apply(cfg)

	if strings.TrimSpace(cfg.AILink.APIKey) == "" {
		return invalidConfig(errors.New("no API key: set ailink.api_key, HEADROOM_AILINK_API_KEY or OPENAI_API_KEY"))
	}

	requests, err := readBatchFile(args[0])
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return errors.New("no requests found in batch file")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(binaryName, cfg.Metrics.Port); err != nil {
			observability.CLILogger.Warn("Failed to start metrics exporter", zap.Error(err))
		} else {
			defer observability.StopMetrics() // nolint:errcheck // best-effort cleanup
		}
	}

	var db *store.Store
	if cfg.Journal.Enabled {
		db, err = openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup
	}

	sink, err := openSink(opts.out)
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()

	logger := observability.CLILogger
	govSink, closeJournal := governorSink(logger, db)
	defer closeJournal()
	clients, governors := workerClients(cfg, ailink.NewDriver(cfg.AILink), govSink, logger, cfg.Batch.Workers)

	logger.Info("Starting batch",
		zap.Int("requests", len(requests)),
		zap.Int("workers", len(clients)),
		zap.String("governor_mode", cfg.Governor.Mode),
		zap.Float64("threshold", cfg.Governor.Threshold),
		zap.Float64("rps", cfg.Batch.RPS))

	runner := &batchRunner{
		Clients: clients,
		Model:   cfg.AILink.Model,
		Write:   jsonlWriter(sink.writer),
	}
	summary, runErr := runner.Run(ctx, requests)
	var writeErr *resultWriteError
	if errors.As(runErr, &writeErr) {
		// A failed write can leave a torn line; keep no file at all.
		_ = sink.abort()
		return runErr
	}
	if sink.path != stdoutPath {
		summary.Outputs = append(summary.Outputs, sink.path)
	}

	logThroughput(summary.Total, summary.Elapsed)
	for _, gov := range governors {
		logger.Debug("Final rate limit state",
			zap.String("worker", gov.Worker),
			zap.Any("dimensions", gov.Last().Usage()))
	}
	if err := writeBatchSummary(cmd, opts, sink.path, summary); err != nil {
		return err
	}
	return runErr
}

// writeBatchSummary prints the summary to stdout, or to stderr when results
// already go to stdout.
func writeBatchSummary(cmd *cobra.Command, opts batchOptions, resultsPath string, summary core.BatchSummary) error {
	rendered, err := output.NewFormatter(opts.summaryFormat).FormatSummary(summary)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if resultsPath == "-" {
		w = cmd.ErrOrStderr()
	}
	_, err = fmt.Fprintln(w, rendered)
	return err
}

func jsonlWriter(w io.Writer) func(*core.BatchResult) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return func(result *core.BatchResult) error {
		return encoder.Encode(result)
	}
}

// batchRunner sends batch requests through a bounded worker pool. Worker i
// uses Clients[i].
type batchRunner struct {
	Clients []driver.RawDriver
	Model   string
	// Write receives each result; calls are serialized.
	Write func(*core.BatchResult) error
	Now   func() time.Time
}

// resultWriteError reports a result that could not be written.
type resultWriteError struct {
	CustomID string
	Err      error
}

func (e *resultWriteError) Error() string {
	return fmt.Sprintf("write result %s: %v", e.CustomID, e.Err)
}

func (e *resultWriteError) Unwrap() error { return e.Err }

type batchJob struct {
	index   int
	request core.BatchRequest
}

// Run processes requests until all are done, a write fails, or ctx is
// cancelled. The summary covers every result written.
func (r *batchRunner) Run(ctx context.Context, requests []core.BatchRequest) (core.BatchSummary, error) {
	startedAt := r.now()
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		writeMu  sync.Mutex
		errOnce  sync.Once
		firstErr error
		summary  core.BatchSummary
	)

	setErr := func(err error) {
		if err == nil {
			return
		}
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	record := func(result *core.BatchResult) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if r.Write != nil {
			if err := r.Write(result); err != nil {
				setErr(&resultWriteError{CustomID: result.CustomID, Err: err})
				return
			}
		}
		summary.Add(result)
	}

	jobs := make(chan batchJob)
	worker := func(index int, client driver.RawDriver) {
		defer wg.Done()
		name := workerName(index)
		for job := range jobs {
			if ctx.Err() != nil {
				return
			}
			record(r.execute(ctx, client, name, job.request))
		}
	}

	workers := len(r.Clients)
	if workers == 0 {
		return summary, errors.New("batch runner has no clients")
	}
	if workers > len(requests) {
		workers = len(requests)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker(i, r.Clients[i])
	}

sendLoop:
	for i, req := range requests {
		select {
		case <-ctx.Done():
			break sendLoop
		case jobs <- batchJob{index: i, request: req}:
		}
	}
	close(jobs)
	wg.Wait()

	summary.Elapsed = r.now().Sub(startedAt)
	if firstErr != nil {
		return summary, firstErr
	}
	if err := parent.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (r *batchRunner) execute(ctx context.Context, client driver.RawDriver, worker string, req core.BatchRequest) *core.BatchResult {
	pauses := &ailink.PauseRecorder{}
	callCtx := ailink.WithPauseRecorder(ctx, pauses)

	raw, err := client.CompleteRaw(callCtx, toDriverRequest(req, r.Model))
	metrics.RecordRequest("batch", err == nil)

	result := &core.BatchResult{
		CustomID:    req.CustomID,
		Worker:      worker,
		PausedMs:    pauses.Total().Milliseconds(),
		CompletedAt: r.now().UTC(),
		Error:       ailink.MapError(err),
	}
	if raw != nil && raw.Response != nil {
		result.Content = raw.Response.Text()
		if usage := raw.Response.Usage; usage != nil {
			result.Usage = &core.TokenUsage{
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
				TotalTokens:      usage.TotalTokens,
			}
		}
	}
	return result
}

func (r *batchRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func logThroughput(count int, elapsed time.Duration) {
	if count <= 0 || elapsed <= 0 {
		return
	}
	rate := float64(count) / elapsed.Seconds()
	observability.CLILogger.Info(
		"Batch throughput",
		zap.Int("requests", count),
		zap.Duration("elapsed", elapsed),
		zap.Float64("rate_per_sec", rate),
	)
}
