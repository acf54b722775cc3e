package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/namelens/headroom/internal/core"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

// FormatInspection renders one row per dimension per step.
func (f *TableFormatter) FormatInspection(steps []core.InspectStep) (string, error) {
	return inspectionTable(steps).Render(), nil
}

// FormatEvents renders journal events, newest first.
func (f *TableFormatter) FormatEvents(events []core.Event) (string, error) {
	return eventsTable(events).Render(), nil
}

// FormatSummary renders a batch summary.
func (f *TableFormatter) FormatSummary(summary core.BatchSummary) (string, error) {
	return summaryTable(summary).Render(), nil
}

func inspectionTable(steps []core.InspectStep) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Response", "Dimension", "Limit", "Remaining", "Used", "Reset", "Decision", "Notes"})

	for _, step := range steps {
		decision := decisionLabel(step.Decision)
		notes := stepNotes(step)
		if len(step.Dimensions) == 0 {
			t.AppendRow(table.Row{step.Label, "(none)", "", "", "", "", decision, notes})
			continue
		}
		for i, dim := range step.Dimensions {
			label, verdict, note := step.Label, decision, notes
			if i > 0 {
				label, verdict, note = "", "", ""
			}
			t.AppendRow(table.Row{
				label,
				dim.Name,
				dim.Limit,
				dim.Remaining,
				formatPercent(dim.UsedFraction),
				dim.ResetIn,
				verdict,
				note,
			})
		}
		t.AppendSeparator()
	}
	return t
}

func eventsTable(events []core.Event) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Time", "Kind", "Worker", "Dimension", "Wait", "Detail"})

	for _, event := range events {
		t.AppendRow(table.Row{
			event.At.UTC().Format(time.RFC3339),
			string(event.Kind),
			event.Worker,
			event.Dimension,
			formatWait(event.Wait),
			eventDetail(event),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", fmt.Sprintf("%d events", len(events))})
	t.Style().Format.Footer = text.FormatDefault
	return t
}

func summaryTable(summary core.BatchSummary) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Requests", "Succeeded", "Failed", "Tokens", "Paused", "Elapsed"})
	t.AppendRow(table.Row{
		summary.Total,
		summary.Succeeded,
		summary.Failed,
		summary.Tokens,
		formatWait(summary.Paused),
		formatWait(summary.Elapsed),
	})
	if len(summary.Outputs) > 0 {
		t.AppendFooter(table.Row{"", "", "", "", "", strings.Join(summary.Outputs, "\n")})
		// Output paths are case sensitive.
		t.Style().Format.Footer = text.FormatDefault
	}
	return t
}
