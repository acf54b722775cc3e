package engine

import "github.com/namelens/headroom/internal/core"

// EventSink receives governor status events.
//
// Sinks are best-effort: they must not block for long and must never fail the
// request being governed.
type EventSink interface {
	Emit(event core.Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(event core.Event)

// Emit calls f(event).
func (f SinkFunc) Emit(event core.Event) {
	if f != nil {
		f(event)
	}
}

// MultiSink fans events out to every non-nil sink in order.
type MultiSink []EventSink

// Emit forwards event to each sink.
func (m MultiSink) Emit(event core.Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(event)
		}
	}
}

// NopSink discards events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(core.Event) {}
