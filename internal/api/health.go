package api

import (
	"context"
	"net/http"
	"time"
)

const (
	pendingWarnThreshold    = 1000
	deadLetterFailThreshold = 100
)

// HealthSource reports database and outbox state.
type HealthSource interface {
	Ping(ctx context.Context) error
	PendingCount(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

type HealthResponse struct {
	Status  string         `json:"status"`
	Service string         `json:"service"`
	Time    string         `json:"time"`
	Outbox  map[string]any `json:"outbox,omitempty"`
	Warning string         `json:"warning,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Health reports degraded when the outbox backs up and unhealthy when the
// database is unreachable or too many events are dead-lettered.
func (h *Handlers) Health(src HealthSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resp := HealthResponse{
			Status:  "healthy",
			Service: "listing-harvester",
			Time:    time.Now().UTC().Format(time.RFC3339),
		}

		if err := src.Ping(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Error = "database unreachable"
			h.respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}

		pending, err := src.PendingCount(ctx)
		if err != nil {
			h.logger.Error("failed to get pending count", "error", err)
		}
		dead, err := src.DeadLetterCount(ctx)
		if err != nil {
			h.logger.Error("failed to get dead letter count", "error", err)
		}
		resp.Outbox = map[string]any{
			"pending_events":     pending,
			"dead_letter_events": dead,
		}

		status := http.StatusOK
		switch {
		case dead > deadLetterFailThreshold:
			resp.Status = "unhealthy"
			resp.Error = "too many dead letter events"
			status = http.StatusServiceUnavailable
		case pending > pendingWarnThreshold:
			resp.Status = "degraded"
			resp.Warning = "outbox backlog growing"
		}

		h.respondJSON(w, status, resp)
	}
}
