package core

import "time"

// InspectStep is the governor's verdict on one recorded response.
type InspectStep struct {
	Label      string           `json:"label"`
	Dimensions []DimensionUsage `json:"dimensions"`
	Decision   Decision         `json:"decision"`
	// Carried is a pause still outstanding from an earlier step.
	Carried time.Duration `json:"carried,omitempty"`
}

// BatchSummary aggregates a batch run.
type BatchSummary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Paused    time.Duration `json:"paused"`
	Elapsed   time.Duration `json:"elapsed"`
	Tokens    int           `json:"tokens"`
	Outputs   []string      `json:"outputs,omitempty"`
}

// Add folds one result into the summary.
func (s *BatchSummary) Add(result *BatchResult) {
	if s == nil || result == nil {
		return
	}
	s.Total++
	if result.Failed() {
		s.Failed++
	} else {
		s.Succeeded++
	}
	s.Paused += time.Duration(result.PausedMs) * time.Millisecond
	if result.Usage != nil {
		s.Tokens += result.Usage.TotalTokens
	}
}
