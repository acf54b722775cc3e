package cmd

import (
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/headroom/internal/ailink"
	"github.com/namelens/headroom/internal/ailink/driver"
	"github.com/namelens/headroom/internal/config"
	"github.com/namelens/headroom/internal/core"
	"github.com/namelens/headroom/internal/core/engine"
	"github.com/namelens/headroom/internal/core/store"
	"github.com/namelens/headroom/internal/metrics"
	"github.com/namelens/headroom/internal/observability"
)

// newGovernor builds a governor tuned by cfg.
func newGovernor(cfg config.GovernorConfig, sink engine.EventSink, worker string) *engine.Governor {
	gov := engine.NewGovernor(cfg.Threshold, sink)
	gov.FallbackWait = cfg.FallbackWait
	gov.Worker = worker
	return gov
}

// governorSink fans events out to the log, telemetry and, when db is set,
// the event journal. The returned func flushes the journal; call it before
// closing db.
func governorSink(logger *logging.Logger, db *store.Store) (engine.EventSink, func()) {
	sinks := engine.MultiSink{
		observability.NewLogSink(logger),
		metrics.GovernorSink{},
	}
	if db == nil {
		return sinks, func() {}
	}
	journal := store.NewJournal(db, func(event core.Event, err error) {
		if logger != nil {
			logger.Warn("Failed to journal governor event",
				zap.String("event_id", event.ID),
				zap.String("kind", string(event.Kind)),
				zap.Error(err))
		}
	})
	return append(sinks, journal), journal.Close
}

// retryPolicy builds the error-driven retry layer for surface.
func retryPolicy(cfg config.RetryConfig, logger *logging.Logger, surface string) ailink.RetryPolicy {
	return ailink.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Second,
		MaxDelay:    cfg.MaxDelay,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			metrics.RecordRetry(surface)
			if logger != nil {
				logger.Warn("Retrying upstream request",
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.Error(err))
			}
		},
	}
}

// workerClients returns one governed client per worker.
//
// In per-worker mode every worker owns a governor; in shared mode all
// workers hold the same one, so a pause seen by any worker holds back the
// rest. Pacing, when enabled, is shared across workers. The governors are
// returned alongside for status reporting.
func workerClients(cfg *config.Config, base driver.RawDriver, sink engine.EventSink, logger *logging.Logger, workers int) ([]driver.RawDriver, []*engine.Governor) {
	if workers < 1 {
		workers = 1
	}

	retry := ailink.Retry(retryPolicy(cfg.Retry, logger, "batch"))
	pace := ailink.Pace(cfg.Batch.RPS, 1)

	var shared *engine.Governor
	if cfg.Governor.Mode == config.GovernorModeShared {
		shared = newGovernor(cfg.Governor, sink, "shared")
	}

	clients := make([]driver.RawDriver, workers)
	governors := make([]*engine.Governor, 0, workers)
	for i := range clients {
		gov := shared
		if gov == nil {
			gov = newGovernor(cfg.Governor, sink, workerName(i))
			governors = append(governors, gov)
		}
		clients[i] = ailink.Wrap(base, retry, ailink.Govern(gov), pace)
	}
	if shared != nil {
		governors = append(governors, shared)
	}
	return clients, governors
}

func workerName(index int) string {
	return fmt.Sprintf("worker-%d", index+1)
}
