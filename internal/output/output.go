package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/namelens/headroom/internal/core"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Formatter renders governor inspections, journal events and batch summaries.
type Formatter interface {
	FormatInspection(steps []core.InspectStep) (string, error)
	FormatEvents(events []core.Event) (string, error)
	FormatSummary(summary core.BatchSummary) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

func decisionLabel(d core.Decision) string {
	switch d.Action {
	case core.ActionPaused:
		return "PAUSE " + formatWait(d.Wait)
	case core.ActionCancelled:
		return "CANCELLED " + formatWait(d.Wait)
	default:
		return "CONTINUE"
	}
}

func formatWait(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func formatPercent(fraction float64) string {
	return fmt.Sprintf("%.1f%%", fraction*100)
}

func stepNotes(step core.InspectStep) string {
	notes := make([]string, 0, 3)
	if len(step.Decision.Exhausted) > 0 {
		notes = append(notes, "exhausted: "+strings.Join(step.Decision.Exhausted, ", "))
	}
	if step.Decision.Governing != "" {
		notes = append(notes, "governed by "+step.Decision.Governing)
	}
	if step.Carried > 0 {
		notes = append(notes, "carried "+formatWait(step.Carried))
	}
	notes = append(notes, step.Decision.Warnings...)
	return strings.Join(notes, "; ")
}

func eventDetail(event core.Event) string {
	if event.Kind == core.EventUsage {
		parts := make([]string, 0, len(event.Dimensions))
		for _, dim := range event.Dimensions {
			parts = append(parts, fmt.Sprintf("%s %d/%d", dim.Name, dim.Remaining, dim.Limit))
		}
		return strings.Join(parts, ", ")
	}
	return event.Message
}
