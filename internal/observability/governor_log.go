package observability

import (
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/headroom/internal/core"
)

// LogSink writes governor events to a gofulmen logger.
//
// Usage events log at debug, pauses and resumes at info, warnings and
// cancellations at warn.
type LogSink struct {
	Logger *logging.Logger
}

// NewLogSink returns a sink for logger.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

// Emit logs event.
func (s *LogSink) Emit(event core.Event) {
	if s == nil || s.Logger == nil {
		return
	}

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("kind", string(event.Kind)),
	}
	if event.Worker != "" {
		fields = append(fields, zap.String("worker", event.Worker))
	}
	if event.Dimension != "" {
		fields = append(fields, zap.String("dimension", event.Dimension))
	}
	if event.Wait > 0 {
		fields = append(fields, zap.Duration("wait", event.Wait))
	}

	switch event.Kind {
	case core.EventUsage:
		for _, dim := range event.Dimensions {
			s.Logger.Debug("Rate limit usage", append(fields,
				zap.String("dimension", dim.Name),
				zap.Int("limit", dim.Limit),
				zap.Int("remaining", dim.Remaining),
				zap.Float64("used_fraction", dim.UsedFraction),
				zap.String("reset_in", dim.ResetIn),
			)...)
		}
	case core.EventPause:
		s.Logger.Info("Pausing for rate limit reset", fields...)
	case core.EventResume:
		s.Logger.Info("Resuming after rate limit pause", fields...)
	case core.EventCancelled:
		s.Logger.Warn("Rate limit pause cancelled", append(fields, zap.String("reason", event.Message))...)
	case core.EventWarning:
		s.Logger.Warn("Rate limit header problem", append(fields, zap.String("detail", event.Message))...)
	default:
		s.Logger.Debug("Governor event", append(fields, zap.String("message", event.Message))...)
	}
}
