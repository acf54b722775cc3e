package output

import (
	"encoding/json"

	"github.com/namelens/headroom/internal/core"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

// FormatInspection renders inspection steps as JSON.
func (f *JSONFormatter) FormatInspection(steps []core.InspectStep) (string, error) {
	if steps == nil {
		steps = []core.InspectStep{}
	}
	return f.marshal(steps)
}

// FormatEvents renders journal events as JSON.
func (f *JSONFormatter) FormatEvents(events []core.Event) (string, error) {
	if events == nil {
		events = []core.Event{}
	}
	return f.marshal(events)
}

// FormatSummary renders a batch summary as JSON.
func (f *JSONFormatter) FormatSummary(summary core.BatchSummary) (string, error) {
	return f.marshal(summary)
}

func (f *JSONFormatter) marshal(value any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
