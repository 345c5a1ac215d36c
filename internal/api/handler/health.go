package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/reframe/internal/api/response"
)

// NewHealthHandler returns the liveness endpoint. It checks no dependencies.
func NewHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, map[string]string{"status": "healthy"})
	}
}

// Pinger is satisfied by jobs.Service.
type Pinger interface {
	Ready(ctx context.Context) error
}

// NewReadyHandler returns the readiness endpoint, which fails while the job
// store is unreachable.
func NewReadyHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.Ready(r.Context()); err != nil {
			slog.Warn("readiness check failed", "error", err)
			response.Error(w, http.StatusServiceUnavailable, "NOT_READY", "Job store is unavailable", nil)
			return
		}
		response.JSON(w, map[string]string{"status": "ready"})
	}
}
