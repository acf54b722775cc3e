package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/namelens/headroom/internal/ailink/driver"
	"github.com/namelens/headroom/internal/core"
	"github.com/namelens/headroom/internal/core/engine"
	"github.com/namelens/headroom/internal/output"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Dry-run the rate governor against recorded headers",
	Long: `Show what the rate governor would decide for one or more responses without
sending requests or sleeping.

Headers come from -H flags (one response), a YAML fixture, or a trace file
written with --trace. A fixture holds either a single "headers" map or a
"responses" list; each response may set "at" (offset from the first
response, e.g. 90s). Without "at" a response is assumed to arrive once the
previous pause has run out.

  headroom inspect -H 'x-ratelimit-limit-requests: 3500' \
                   -H 'x-ratelimit-remaining-requests: 35' \
                   -H 'x-ratelimit-reset-requests: 6m0s'`,
	Args: cobra.NoArgs,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringArrayP("header", "H", nil, "Response header as 'name: value' (repeatable)")
	inspectCmd.Flags().StringP("file", "f", "", "YAML fixture with headers or responses")
	inspectCmd.Flags().String("trace-file", "", "Replay rate limit headers from an NDJSON trace file")
	inspectCmd.Flags().Float64("threshold", 0, "Remaining fraction that triggers a pause (default governor.threshold)")
	inspectCmd.Flags().String("output-format", string(output.FormatTable), "Output format: table, json, markdown")
}

// inspectFixture is the YAML fixture format.
type inspectFixture struct {
	Threshold float64           `yaml:"threshold"`
	Headers   map[string]string `yaml:"headers"`
	Responses []inspectResponse `yaml:"responses"`
}

type inspectResponse struct {
	Label   string            `yaml:"label"`
	At      *time.Duration    `yaml:"at"`
	Headers map[string]string `yaml:"headers"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	headerFlags, _ := flags.GetStringArray("header")
	fixturePath, _ := flags.GetString("file")
	tracePath, _ := flags.GetString("trace-file")
	formatValue, _ := flags.GetString("output-format")

	format, err := output.ParseFormat(formatValue)
	if err != nil {
		return invalidConfig(err)
	}

	sources := 0
	for _, set := range []bool{len(headerFlags) > 0, fixturePath != "", tracePath != ""} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return invalidConfig(errors.New("exactly one of --header, --file or --trace-file is required"))
	}

	cfg, err := loadConfig()
	if err != nil {
		return invalidConfig(err)
	}
	gov := newGovernor(cfg.Governor, nil, "inspect")

	var responses []inspectResponse
	switch {
	case len(headerFlags) > 0:
		headers, err := parseHeaderFlags(headerFlags)
		if err != nil {
			return invalidConfig(err)
		}
		responses = []inspectResponse{{Headers: headers}}
	case fixturePath != "":
		fixture, err := readInspectFixture(fixturePath)
		if err != nil {
			return err
		}
		if fixture.Threshold != 0 {
			gov.ApplyThreshold(fixture.Threshold)
		}
		responses = fixture.responses()
	default:
		responses, err = readTraceResponses(tracePath)
		if err != nil {
			return err
		}
	}
	if flags.Changed("threshold") {
		threshold, _ := flags.GetFloat64("threshold")
		if threshold <= 0 || threshold >= 1 {
			return invalidConfig(fmt.Errorf("threshold must be between 0 and 1 (exclusive), got %v", threshold))
		}
		gov.ApplyThreshold(threshold)
	}
	if len(responses) == 0 {
		return errors.New("no responses to inspect")
	}

	steps := inspectResponses(gov, responses)
	rendered, err := output.NewFormatter(format).FormatInspection(steps)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}

// parseHeaderFlags accepts "name: value" or "name=value".
func parseHeaderFlags(values []string) (map[string]string, error) {
	headers := make(map[string]string, len(values))
	for _, value := range values {
		name, val, ok := strings.Cut(value, ":")
		if !ok {
			name, val, ok = strings.Cut(value, "=")
		}
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q: expected 'name: value'", value)
		}
		headers[name] = strings.TrimSpace(val)
	}
	return headers, nil
}

func readInspectFixture(path string) (*inspectFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fixture inspectFixture
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if len(fixture.Headers) > 0 && len(fixture.Responses) > 0 {
		return nil, fmt.Errorf("fixture %s: use either headers or responses, not both", path)
	}
	return &fixture, nil
}

func (f *inspectFixture) responses() []inspectResponse {
	if len(f.Headers) > 0 {
		return []inspectResponse{{Headers: f.Headers}}
	}
	return f.Responses
}

func readTraceResponses(path string) ([]inspectResponse, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close() // nolint:errcheck // best-effort cleanup on read-only file
	return traceResponses(file)
}

// traceResponses extracts rate limit headers from trace entries. Offsets
// are taken from the entry timestamps.
func traceResponses(r io.Reader) ([]inspectResponse, error) {
	var (
		responses []inspectResponse
		first     time.Time
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBatchLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var entry driver.TraceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("invalid trace entry on line %d: %w", line, err)
		}
		if len(entry.RateLimit) == 0 {
			continue
		}
		if first.IsZero() {
			first = entry.Timestamp
		}
		at := entry.Timestamp.Sub(first)
		label := entry.RequestID
		if label == "" {
			label = fmt.Sprintf("line %d", line)
		}
		responses = append(responses, inspectResponse{Label: label, At: &at, Headers: entry.RateLimit})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return responses, nil
}

// errDryRun replaces the pause in a replay. A failed sleep leaves the pause
// deadline in place, which is what carries it into the next response.
var errDryRun = errors.New("dry run")

// inspectResponses replays responses through a governor with gov's settings,
// on a virtual clock and without sleeping. A pause that has not run out when
// the next response arrives is carried into that response's decision.
func inspectResponses(gov *engine.Governor, responses []inspectResponse) []core.InspectStep {
	var now time.Duration
	epoch := time.Unix(0, 0).UTC()

	replay := engine.NewGovernor(gov.CurrentThreshold(), nil)
	replay.FallbackWait = gov.FallbackWait
	replay.Worker = gov.Worker
	replay.Clock = func() time.Time { return epoch.Add(now) }
	replay.Sleep = func(context.Context, time.Duration) error { return errDryRun }

	steps := make([]core.InspectStep, 0, len(responses))
	for i, resp := range responses {
		if resp.At != nil {
			now = *resp.At
		} else {
			now += replay.Pending()
		}

		carried := replay.Pending()
		snapshot := engine.Discover(resp.Headers)
		decision := replay.Observe(context.Background(), snapshot)
		if decision.Action == core.ActionCancelled {
			decision.Action = core.ActionPaused
		}

		label := resp.Label
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		steps = append(steps, core.InspectStep{
			Label:      label,
			Dimensions: snapshot.Usage(),
			Decision:   decision,
			Carried:    carried,
		})
	}
	return steps
}
