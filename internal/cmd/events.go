package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/namelens/headroom/internal/core"
	"github.com/namelens/headroom/internal/core/store"
	"github.com/namelens/headroom/internal/output"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the governor event journal",
	Long: `Read or clear governor events recorded with journal.enabled (or batch --journal).

The journal is an audit trail; it is never used to restore governor state.`,
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled governor events, newest first",
	RunE:  runEventsList,
}

var eventsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete journaled governor events",
	RunE:  runEventsPurge,
}

func init() {
	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsPurgeCmd)
	rootCmd.AddCommand(eventsCmd)

	for _, c := range []*cobra.Command{eventsListCmd, eventsPurgeCmd} {
		c.Flags().Bool("all", false, "Match all events")
		c.Flags().String("kind", "", "Match events of this kind (usage, pause, resume, cancelled, warning)")
		c.Flags().String("worker", "", "Match events from this worker")
		c.Flags().String("since", "", "Match events at or after this time (RFC3339 or a duration ago, e.g. 24h)")
		c.Flags().String("before", "", "Match events before this time (RFC3339 or a duration ago)")
		c.Flags().String("output-format", string(output.FormatTable), "Output format: table, json, markdown")
		c.Flags().String("out", "", "Write output to a file (default stdout)")
		c.Flags().String("out-dir", "", "Write output to a directory")
	}
	eventsListCmd.Flags().Int("limit", 50, "Maximum events to list (0 for no limit)")
	eventsPurgeCmd.Flags().Bool("yes", false, "Confirm destructive purge")
	eventsPurgeCmd.Flags().Bool("dry-run", false, "Show what would be deleted")
}

// eventQueryFromFlags builds a journal query; list defaults to all events.
func eventQueryFromFlags(cmd *cobra.Command, now time.Time, defaultAll bool) (store.EventQuery, error) {
	flags := cmd.Flags()
	var q store.EventQuery
	q.All, _ = flags.GetBool("all")
	q.Kind, _ = flags.GetString("kind")
	q.Worker, _ = flags.GetString("worker")
	if flags.Lookup("limit") != nil {
		q.Limit, _ = flags.GetInt("limit")
	}

	q.Kind = strings.ToLower(strings.TrimSpace(q.Kind))
	if q.Kind != "" && !validEventKind(q.Kind) {
		return q, fmt.Errorf("unknown event kind %q", q.Kind)
	}

	since, _ := flags.GetString("since")
	before, _ := flags.GetString("before")
	var err error
	if q.Since, err = parseTimeFlag(since, now); err != nil {
		return q, fmt.Errorf("--since: %w", err)
	}
	if q.Before, err = parseTimeFlag(before, now); err != nil {
		return q, fmt.Errorf("--before: %w", err)
	}

	if defaultAll && q.Validate() != nil {
		q.All = true
	}
	return q, q.Validate()
}

func validEventKind(kind string) bool {
	switch core.EventKind(kind) {
	case core.EventUsage, core.EventPause, core.EventResume, core.EventCancelled, core.EventWarning:
		return true
	}
	return false
}

// parseTimeFlag accepts RFC3339 timestamps or a duration before now.
func parseTimeFlag(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	ago, err := time.ParseDuration(value)
	if err != nil || ago < 0 {
		return time.Time{}, fmt.Errorf("expected RFC3339 time or a positive duration, got %q", value)
	}
	return now.Add(-ago), nil
}

func eventsFormat(cmd *cobra.Command) (output.Format, error) {
	value, _ := cmd.Flags().GetString("output-format")
	return output.ParseFormat(value)
}

func eventsSink(cmd *cobra.Command, stem string, format output.Format) (*outputSink, error) {
	outPath, _ := cmd.Flags().GetString("out")
	outDir, _ := cmd.Flags().GetString("out-dir")
	path, err := resolveOutputPath(outPath, outDir, stem, format)
	if err != nil {
		return nil, err
	}
	return openSink(path)
}

func runEventsList(cmd *cobra.Command, args []string) error {
	format, err := eventsFormat(cmd)
	if err != nil {
		return invalidConfig(err)
	}
	query, err := eventQueryFromFlags(cmd, time.Now(), true)
	if err != nil {
		return invalidConfig(err)
	}

	var events []core.Event
	err = withJournal(cmd.Context(), nil, func(db *store.Store) error {
		var listErr error
		events, listErr = db.ListEvents(cmd.Context(), query)
		return listErr
	})
	if err != nil {
		return err
	}

	sink, err := eventsSink(cmd, "events.list", format)
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()

	if len(events) == 0 && format == output.FormatTable {
		_, err = fmt.Fprint(sink.writer, ascii.DrawBox("Governor Events\n\n(no journaled events)", 0))
		return err
	}

	rendered, err := output.NewFormatter(format).FormatEvents(events)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(sink.writer, rendered)
	return err
}

func runEventsPurge(cmd *cobra.Command, args []string) error {
	format, err := eventsFormat(cmd)
	if err != nil {
		return invalidConfig(err)
	}
	if format == output.FormatMarkdown {
		return invalidConfig(fmt.Errorf("unsupported output format: %s", format))
	}
	query, err := eventQueryFromFlags(cmd, time.Now(), false)
	if err != nil {
		return invalidConfig(err)
	}

	yes, _ := cmd.Flags().GetBool("yes")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if query.All && !yes && !dryRun {
		return invalidConfig(errors.New("--all requires --yes (or use --dry-run)"))
	}

	db, err := openStore(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer db.Close() // nolint:errcheck // best-effort cleanup

	matched, err := db.CountEvents(cmd.Context(), query)
	if err != nil {
		return err
	}

	sink, err := eventsSink(cmd, "events.purge", format)
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()

	if dryRun {
		return writePurgeResult(format, sink.writer, matched, 0, true)
	}

	deleted, err := db.PurgeEvents(cmd.Context(), query)
	if err != nil {
		return err
	}
	return writePurgeResult(format, sink.writer, matched, deleted, false)
}

func writePurgeResult(format output.Format, w io.Writer, matched int, deleted int64, dryRun bool) error {
	result := map[string]any{
		"matched": matched,
		"deleted": deleted,
		"dry_run": dryRun,
	}

	if format == output.FormatJSON {
		payload, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	if dryRun {
		_, err := fmt.Fprintf(w, "Would delete %d governor event(s)\n", matched)
		return err
	}
	_, err := fmt.Fprintf(w, "Deleted %d/%d governor event(s)\n", deleted, matched)
	return err
}
