package core

import (
	"sort"
	"time"
)

// LimitDimension is one quota axis reported by the server for a single response.
type LimitDimension struct {
	Name      string `json:"name"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	// ResetIn is the raw reset value ("6m0s", "818ms"). It is decoded only
	// when the dimension is exhausted.
	ResetIn string `json:"reset_in,omitempty"`
}

// UsedFraction returns 1 - remaining/limit, or 0 when limit carries no information.
func (d LimitDimension) UsedFraction() float64 {
	if d.Limit <= 0 {
		return 0
	}
	return 1 - float64(d.Remaining)/float64(d.Limit)
}

// LimitSnapshot maps dimension names to the values of one response.
type LimitSnapshot map[string]LimitDimension

// Names returns dimension names in sorted order.
func (s LimitSnapshot) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Equal compares two snapshots field by field.
func (s LimitSnapshot) Equal(other LimitSnapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for name, dim := range s {
		if otherDim, ok := other[name]; !ok || otherDim != dim {
			return false
		}
	}
	return true
}

// Usage converts the snapshot into event payload rows, sorted by name.
func (s LimitSnapshot) Usage() []DimensionUsage {
	usage := make([]DimensionUsage, 0, len(s))
	for _, name := range s.Names() {
		dim := s[name]
		usage = append(usage, DimensionUsage{
			Name:         dim.Name,
			Limit:        dim.Limit,
			Remaining:    dim.Remaining,
			UsedFraction: dim.UsedFraction(),
			ResetIn:      dim.ResetIn,
		})
	}
	return usage
}

// Action is the outcome of a governor observation.
type Action string

const (
	ActionContinue  Action = "continue"
	ActionPaused    Action = "paused"
	ActionCancelled Action = "cancelled"
)

// Decision describes what the governor did (or would do) for a snapshot.
type Decision struct {
	Action Action        `json:"action"`
	Wait   time.Duration `json:"wait"`
	// Governing is the exhausted dimension that recovers last.
	Governing string   `json:"governing,omitempty"`
	Exhausted []string `json:"exhausted,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Paused reports whether the decision requires a pause.
func (d Decision) Paused() bool {
	return d.Action == ActionPaused || d.Action == ActionCancelled
}

// EventKind classifies governor status events.
type EventKind string

const (
	EventUsage     EventKind = "usage"
	EventPause     EventKind = "pause"
	EventResume    EventKind = "resume"
	EventCancelled EventKind = "cancelled"
	EventWarning   EventKind = "warning"
)

// DimensionUsage is the per-dimension payload of a usage event.
type DimensionUsage struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	UsedFraction float64 `json:"used_fraction"`
	ResetIn      string  `json:"reset_in,omitempty"`
}

// Event is a status record emitted by the governor.
type Event struct {
	ID         string           `json:"id"`
	Kind       EventKind        `json:"kind"`
	Worker     string           `json:"worker,omitempty"`
	At         time.Time        `json:"at"`
	Dimensions []DimensionUsage `json:"dimensions,omitempty"`
	Wait       time.Duration    `json:"wait,omitempty"`
	Dimension  string           `json:"dimension,omitempty"`
	Message    string           `json:"message,omitempty"`
}
