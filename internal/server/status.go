package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/namelens/headroom/internal/core"
	"github.com/namelens/headroom/internal/core/engine"
)

const defaultRecentEvents = 50

// StatusHub keeps the latest governor state for the status endpoint. It is an
// engine.EventSink.
type StatusHub struct {
	mu      sync.Mutex
	workers map[string]*WorkerStatus
	recent  []core.Event
	limit   int
}

// WorkerStatus is the latest usage reported by one governor.
type WorkerStatus struct {
	Worker     string                `json:"worker"`
	Dimensions []core.DimensionUsage `json:"dimensions"`
	UpdatedAt  time.Time             `json:"updated_at"`
	LastPause  *core.Event           `json:"last_pause,omitempty"`
}

// GovernorStatus is the /v1/governor response body.
type GovernorStatus struct {
	Threshold float64        `json:"threshold"`
	PendingMs int64          `json:"pending_ms"`
	Workers   []WorkerStatus `json:"workers"`
	Recent    []core.Event   `json:"recent"`
}

// NewStatusHub keeps up to limit recent non-usage events.
func NewStatusHub(limit int) *StatusHub {
	if limit <= 0 {
		limit = defaultRecentEvents
	}
	return &StatusHub{workers: make(map[string]*WorkerStatus), limit: limit}
}

// Emit records event.
func (h *StatusHub) Emit(event core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	status, ok := h.workers[event.Worker]
	if !ok {
		status = &WorkerStatus{Worker: event.Worker}
		h.workers[event.Worker] = status
	}

	switch event.Kind {
	case core.EventUsage:
		status.Dimensions = event.Dimensions
		status.UpdatedAt = event.At
		return
	case core.EventPause:
		pause := event
		status.LastPause = &pause
	}

	h.recent = append(h.recent, event)
	if over := len(h.recent) - h.limit; over > 0 {
		h.recent = append([]core.Event(nil), h.recent[over:]...)
	}
}

// Snapshot returns the current status, newest events first.
func (h *StatusHub) Snapshot(gov *engine.Governor) GovernorStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := GovernorStatus{
		Workers: make([]WorkerStatus, 0, len(h.workers)),
		Recent:  make([]core.Event, 0, len(h.recent)),
	}
	if gov != nil {
		status.Threshold = gov.CurrentThreshold()
		status.PendingMs = gov.Pending().Milliseconds()
	}
	for _, worker := range h.workers {
		status.Workers = append(status.Workers, *worker)
	}
	sort.Slice(status.Workers, func(i, j int) bool {
		return status.Workers[i].Worker < status.Workers[j].Worker
	})
	for i := len(h.recent) - 1; i >= 0; i-- {
		status.Recent = append(status.Recent, h.recent[i])
	}
	return status
}

// Handler serves the status of gov as JSON.
func (h *StatusHub) Handler(gov *engine.Governor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(h.Snapshot(gov))
	}
}
