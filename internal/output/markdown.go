package output

import (
	"github.com/namelens/headroom/internal/core"
)

// MarkdownFormatter renders results as markdown tables.
type MarkdownFormatter struct{}

// FormatInspection renders the inspection as a markdown table.
func (f *MarkdownFormatter) FormatInspection(steps []core.InspectStep) (string, error) {
	return "## Rate limit inspection\n\n" + inspectionTable(steps).RenderMarkdown() + "\n", nil
}

// FormatEvents renders journal events as a markdown table.
func (f *MarkdownFormatter) FormatEvents(events []core.Event) (string, error) {
	return "## Governor events\n\n" + eventsTable(events).RenderMarkdown() + "\n", nil
}

// FormatSummary renders a batch summary as a markdown table.
func (f *MarkdownFormatter) FormatSummary(summary core.BatchSummary) (string, error) {
	return "## Batch summary\n\n" + summaryTable(summary).RenderMarkdown() + "\n", nil
}
