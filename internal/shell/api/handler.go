// Package api exposes a read-only HTTP surface over deployment runs and
// phase state. It never mutates anything: deploys happen through the CLI,
// the API exists for dashboards and operators.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/caravel/internal/shell/audit"
	"github.com/artpar/caravel/internal/shell/state"
)

// =============================================================================
// Handler
// =============================================================================

// defaultRunLimit bounds the run listing when the client does not ask.
const defaultRunLimit = 20

// Handler serves the status API. archive and stateManager may each be nil;
// the corresponding routes then answer 503.
type Handler struct {
	archive      *audit.Archive
	stateManager *state.Manager
	logger       *slog.Logger
}

// NewHandler creates a status API handler.
func NewHandler(archive *audit.Archive, st *state.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		archive:      archive,
		stateManager: st,
		logger:       logger.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)

	r.Get("/health", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.handleListRuns)
			r.Get("/{id}", h.handleGetRun)
			r.Get("/{id}/events", h.handleRunEvents)
		})

		r.Route("/state/{phase}", func(r chi.Router) {
			r.Get("/", h.handleGetState)
			r.Get("/history", h.handleStateHistory)
		})
	})

	return r
}

func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// =============================================================================
// Run Handlers
// =============================================================================

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeError(w, http.StatusServiceUnavailable, "run archive not configured", "archive_unavailable")
		return
	}

	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer", "validation_error")
			return
		}
		limit = parsed
	}

	runs, err := h.archive.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeError(w, http.StatusServiceUnavailable, "run archive not configured", "archive_unavailable")
		return
	}

	id := chi.URLParam(r, "id")
	run, err := h.archive.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrRunNotFound) {
			h.writeError(w, http.StatusNotFound, "run not found", "run_not_found")
			return
		}
		h.logger.Error("failed to get run", "run_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get run", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeError(w, http.StatusServiceUnavailable, "run archive not configured", "archive_unavailable")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := h.archive.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, audit.ErrRunNotFound) {
			h.writeError(w, http.StatusNotFound, "run not found", "run_not_found")
			return
		}
		h.logger.Error("failed to get run", "run_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get run", "internal_error")
		return
	}

	events, err := h.archive.EventsForRun(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load run events", "run_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load run events", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "events": events})
}

// =============================================================================
// State Handlers
// =============================================================================

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	if h.stateManager == nil {
		h.writeError(w, http.StatusServiceUnavailable, "state manager not configured", "state_unavailable")
		return
	}

	phase := chi.URLParam(r, "phase")
	snapshot, err := h.stateManager.Load(r.Context(), phase, state.LoadOptions{Validate: true})
	if err != nil {
		switch {
		case errors.Is(err, state.ErrNoState):
			h.writeError(w, http.StatusNotFound, "no state for phase", "state_not_found")
		case errors.Is(err, state.ErrCorruptedState):
			h.writeError(w, http.StatusConflict, "stored state failed checksum verification", "state_corrupted")
		default:
			h.logger.Error("failed to load state", "phase", phase, "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to load state", "internal_error")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleStateHistory(w http.ResponseWriter, r *http.Request) {
	if h.stateManager == nil {
		h.writeError(w, http.StatusServiceUnavailable, "state manager not configured", "state_unavailable")
		return
	}

	phase := chi.URLParam(r, "phase")
	history, err := h.stateManager.History(r.Context(), phase, 0)
	if err != nil {
		h.logger.Error("failed to load state history", "phase", phase, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load state history", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"phase": phase, "history": history})
}

// =============================================================================
// Response Helpers
// =============================================================================

// ErrorResponse is the error body for every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
