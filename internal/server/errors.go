package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/namelens/headroom/internal/ailink"
	"github.com/namelens/headroom/internal/core"
	apperrors "github.com/namelens/headroom/internal/errors"
	"github.com/namelens/headroom/internal/metrics"
	"github.com/namelens/headroom/internal/observability"
	servermw "github.com/namelens/headroom/internal/server/middleware"
)

// HandleError writes err as a JSON error envelope. Every handler, the router
// fallbacks and the health endpoints respond through it.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

// handleError is the reverse proxy's ErrorHandler. A pause cancelled while
// holding an upstream response becomes 503 with Retry-After; a transport
// failure becomes 502. A caller that has gone away gets nothing.
func (p *GovernedProxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var pauseErr *ailink.PauseCancelledError
	if errors.As(err, &pauseErr) {
		p.respondPauseCancelled(w, r, p.governor.Pending(), pauseErr.Decision.Governing)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	metrics.RecordRequest("proxy", false)
	if observability.ServerLogger != nil {
		observability.ServerLogger.Warn("Upstream request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", servermw.GetRequestID(r.Context())),
			zap.Error(err))
	}
	HandleError(w, r, apperrors.WrapExternalService(r.Context(), err, "upstream request failed"))
}

// respondPauseCancelled tells the caller how long the governor still needs.
// dimension is empty when the request never reached the upstream.
func (p *GovernedProxy) respondPauseCancelled(w http.ResponseWriter, r *http.Request, pending time.Duration, dimension string) {
	w.Header().Set(DecisionHeader, string(core.ActionCancelled))
	HandleError(w, r, apperrors.NewPauseCancelledError(pending, dimension))
}
