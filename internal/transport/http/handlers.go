// Package http provides the operator status API: health, per-caller job
// progress and download history. It is read-only; downloads are driven by
// the chat gateway, not this surface.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/constansino/chat-dl-go/internal/domain"
	"github.com/constansino/chat-dl-go/internal/gateway"
	"github.com/constansino/chat-dl-go/internal/infra/sqlite"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	gw       *gateway.Gateway
	repo     *sqlite.Repository
	cacheDir string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(gw *gateway.Gateway, repo *sqlite.Repository, cacheDir string) *Handlers {
	return &Handlers{
		gw:       gw,
		repo:     repo,
		cacheDir: cacheDir,
	}
}

type healthResponse struct {
	Status          string  `json:"status"`
	ActiveJobs      int     `json:"active_jobs"`
	PendingSessions int     `json:"pending_sessions"`
	HistoryTotal    int     `json:"history_total"`
	HistoryDone     int     `json:"history_done"`
	HistoryFailed   int     `json:"history_failed"`
	DiskUsedPercent float64 `json:"disk_used_percent,omitempty"`
	DiskFreeBytes   uint64  `json:"disk_free_bytes,omitempty"`
}

type progressResponse struct {
	CallerKey string `json:"caller_key"`
	Active    bool   `json:"active"`
	Progress  string `json:"progress,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthHandler handles GET /api/health requests.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := &healthResponse{
		Status:          "ok",
		ActiveJobs:      h.gw.ActiveJobs(),
		PendingSessions: h.gw.PendingSessions(),
	}

	if h.repo != nil {
		if total, err := h.repo.Count(r.Context()); err == nil {
			response.HistoryTotal = total
		}
		if done, err := h.repo.CountByStatus(r.Context(), domain.RecordStatusDone); err == nil {
			response.HistoryDone = done
		}
		if failed, err := h.repo.CountByStatus(r.Context(), domain.RecordStatusError); err == nil {
			response.HistoryFailed = failed
		}
	}

	if usage, err := disk.UsageWithContext(r.Context(), h.cacheDir); err == nil {
		response.DiskUsedPercent = usage.UsedPercent
		response.DiskFreeBytes = usage.Free
	}

	writeJSON(w, http.StatusOK, response)
}

// ProgressHandler handles GET /api/jobs/{caller_key} requests.
func (h *Handlers) ProgressHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "caller_key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "caller_key is required", "MISSING_CALLER_KEY")
		return
	}

	progress, active := h.gw.Progress(domain.CallerKey(key))
	writeJSON(w, http.StatusOK, &progressResponse{
		CallerKey: key,
		Active:    active,
		Progress:  progress,
	})
}

// HistoryHandler handles GET /api/history requests.
func (h *Handlers) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500", "INVALID_LIMIT")
			return
		}
		limit = n
	}

	records, err := h.repo.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list history", "DB_ERROR")
		return
	}

	if records == nil {
		records = []*domain.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, &errorResponse{
		Error: message,
		Code:  code,
	})
}
