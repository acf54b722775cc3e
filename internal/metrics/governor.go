package metrics

import (
	"time"

	"github.com/namelens/headroom/internal/core"
	"github.com/namelens/headroom/internal/observability"
)

// Governor metrics following Prometheus conventions
const (
	ObservationsTotal    = "governor_observations_total"
	DimensionUsedRatio   = "governor_dimension_used_ratio"
	DimensionRemaining   = "governor_dimension_remaining"
	PausesTotal          = "governor_pauses_total"
	PauseDuration        = "governor_pause_duration_ms"
	CancelledPausesTotal = "governor_cancelled_pauses_total"
	MalformedResetTotal  = "governor_malformed_reset_total"
	PendingPause         = "governor_pending_pause_ms"
	RequestsTotal        = "headroom_requests_total"
	RequestRetriesTotal  = "headroom_request_retries_total"
)

// GovernorSink records governor events as telemetry.
type GovernorSink struct{}

// Emit records event through the global telemetry system.
func (GovernorSink) Emit(event core.Event) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	worker := event.Worker
	switch event.Kind {
	case core.EventUsage:
		_ = sys.Counter(ObservationsTotal, 1, map[string]string{"worker": worker})
		for _, dim := range event.Dimensions {
			labels := map[string]string{"dimension": dim.Name, "worker": worker}
			_ = sys.Gauge(DimensionUsedRatio, dim.UsedFraction, labels)
			_ = sys.Gauge(DimensionRemaining, float64(dim.Remaining), labels)
		}
	case core.EventPause:
		_ = sys.Counter(PausesTotal, 1, map[string]string{"dimension": event.Dimension, "worker": worker})
		_ = sys.Histogram(PauseDuration, event.Wait, map[string]string{"dimension": event.Dimension})
	case core.EventCancelled:
		_ = sys.Counter(CancelledPausesTotal, 1, map[string]string{"worker": worker})
	case core.EventWarning:
		_ = sys.Counter(MalformedResetTotal, 1, map[string]string{"worker": worker})
	}
}

// RecordRequest counts a completed upstream request by outcome.
func RecordRequest(surface string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	count(RequestsTotal, map[string]string{"surface": surface, "status": status})
}

// RecordRetry counts a retry of an upstream request.
func RecordRetry(surface string) {
	count(RequestRetriesTotal, map[string]string{"surface": surface})
}

// RecordPending publishes the pause a worker's governor is currently holding.
func RecordPending(worker string, pending time.Duration) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Gauge(PendingPause, float64(pending.Milliseconds()), map[string]string{"worker": worker})
	}
}
