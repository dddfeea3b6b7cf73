package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// SyncService defines the sync-control methods the handler needs.
type SyncService interface {
	TriggerSync(ctx context.Context, req domain.SyncRequest) ([]domain.RunSummary, error)
	RecentRuns(ctx context.Context, limit int) ([]domain.RunSummary, error)
	OpenReviews(ctx context.Context, limit int) ([]domain.ReviewItem, error)
	ResolveReview(ctx context.Context, id domain.MarketID, reason, note string) error
	AuditLog(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// SyncHandler serves sync trigger and run history endpoints.
type SyncHandler struct {
	sync   SyncService
	logger *slog.Logger
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(sync SyncService, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		sync:   sync,
		logger: logger.With(slog.String("handler", "sync")),
	}
}

type triggerResponse struct {
	Runs  []domain.RunSummary `json:"runs"`
	Error string              `json:"error,omitempty"`
}

// Trigger runs one strategy and waits for the summaries. Runs that aborted
// still return their summaries alongside a non-2xx status.
// POST /api/sync/{strategy}?version=v2&id=7&count=50
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	strategy, err := domain.ParseStrategy(r.PathValue("strategy"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := domain.SyncRequest{Strategy: strategy}

	q := r.URL.Query()
	if v := q.Get("version"); v != "" {
		if req.Version, err = domain.ParseSchemaVersion(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if v := q.Get("id"); v != "" {
		if req.ID, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
	}
	if req.Count, err = queryInt(r, "count", 0, 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "sync requested",
		slog.String("strategy", string(req.Strategy)),
		slog.String("version", string(req.Version)),
	)

	runs, err := h.sync.TriggerSync(r.Context(), req)
	if runs == nil {
		runs = []domain.RunSummary{}
	}
	if err != nil {
		writeJSON(w, errorStatus(err), triggerResponse{Runs: runs, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{Runs: runs})
}

// ListRuns returns recent run summaries.
// GET /api/sync/runs?limit=20
func (h *SyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.sync.RecentRuns(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list runs failed", slog.String("error", err.Error()))
		writeError(w, errorStatus(err), "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// ListReviews returns markets flagged for manual review.
// GET /api/review?limit=50
func (h *SyncHandler) ListReviews(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := h.sync.OpenReviews(r.Context(), limit)
	if err != nil {
		writeError(w, errorStatus(err), "failed to list review queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type resolveRequest struct {
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

// ResolveReview closes an open review entry.
// POST /api/review/{id}/resolve  {"reason":"data_shape","note":"..."}
func (h *SyncHandler) ResolveReview(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if err := h.sync.ResolveReview(r.Context(), id, req.Reason, req.Note); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAudit returns audit entries, newest first.
// GET /api/audit?event=claim.anomaly&since=2026-10-01T00:00:00Z&limit=100&offset=0
func (h *SyncHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts := domain.ListOpts{Event: r.URL.Query().Get("event")}
	var err error
	if opts.Limit, err = queryInt(r, "limit", 100, 1000); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Offset, err = queryInt(r, "offset", 0, 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = &t
	}

	entries, err := h.sync.AuditLog(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, errorStatus(err), "failed to list audit log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
