package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/maltedev/listing-harvester/internal/database"
	"github.com/maltedev/listing-harvester/internal/jobs"
	"github.com/maltedev/listing-harvester/internal/models"
)

type RunService interface {
	CreateRun(ctx context.Context, req jobs.RunRequest) (*jobs.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (*jobs.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*jobs.Run, error)
}

type ListingReader interface {
	Stats(ctx context.Context) (*models.ListingStats, error)
	GetListing(ctx context.Context, olxID string) (*models.Listing, bool, error)
}

type Handlers struct {
	runs     RunService
	listings ListingReader
	logger   *slog.Logger
}

func NewHandlers(runs RunService, listings ListingReader, logger *slog.Logger) *Handlers {
	return &Handlers{
		runs:     runs,
		listings: listings,
		logger:   logger.With("component", "api"),
	}
}

// Routes mounts the v1 endpoints on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", h.CreateRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{runID}", h.GetRun)
		r.Get("/stats", h.GetStats)
		r.Get("/listings/{listingID}", h.GetListing)
	})
}

type CreateRunResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req jobs.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, err := h.runs.CreateRun(r.Context(), req)
	if errors.Is(err, jobs.ErrInvalidParams) {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to create run", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateRunResponse{
		RunID:   run.ID.String(),
		Status:  run.Status,
		Message: "run queued",
	})
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.runs.GetRun(r.Context(), id)
	if errors.Is(err, jobs.ErrRunNotFound) {
		h.respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get run", "id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	h.respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.listings.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}

type ListingResponse struct {
	*models.Listing
	Active bool `json:"is_active"`
}

func (h *Handlers) GetListing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "listingID")

	listing, active, err := h.listings.GetListing(r.Context(), id)
	if errors.Is(err, database.ErrListingNotFound) {
		h.respondError(w, http.StatusNotFound, "listing not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get listing", "id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get listing")
		return
	}

	h.respondJSON(w, http.StatusOK, ListingResponse{Listing: listing, Active: active})
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
