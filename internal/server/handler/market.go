package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// MarketService defines the read and admin methods the market handler needs.
// It is declared locally so the handler package does not depend on the
// concrete service implementation.
type MarketService interface {
	GetMarket(ctx context.Context, id domain.MarketID) (domain.MarketRecord, error)
	ListMarkets(ctx context.Context, filter domain.MarketFilter) ([]domain.MarketRecord, error)
	GetStake(ctx context.Context, owner string, id domain.MarketID) (domain.StakeRecord, error)
	ListStakes(ctx context.Context, owner string) ([]domain.StakeRecord, error)
	GetStats(ctx context.Context) (domain.StatsSnapshot, error)
	UpdateDisplay(ctx context.Context, id domain.MarketID, meta domain.DisplayMeta) (domain.MarketRecord, error)
	Purge(ctx context.Context, id domain.MarketID) error
}

// MarketHandler serves cached markets, stakes and stats.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger.With(slog.String("handler", "market")),
	}
}

type listMarketsResponse struct {
	Markets []domain.MarketRecord `json:"markets"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// ListMarkets returns cached markets.
// GET /api/markets?version=&status=&category=&creator=&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.MarketFilter{
		Status:   domain.MarketStatus(q.Get("status")),
		Category: q.Get("category"),
		Creator:  q.Get("creator"),
	}
	if v := q.Get("version"); v != "" {
		version, err := domain.ParseSchemaVersion(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Version = version
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit", 50, 500); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0, 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	markets, err := h.markets.ListMarkets(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list markets failed", slog.String("error", err.Error()))
		writeError(w, errorStatus(err), "failed to list markets")
		return
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: markets, Limit: filter.Limit, Offset: filter.Offset})
}

// GetMarket returns a single market.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// UpdateDisplay replaces a market's presentation metadata.
// PUT /api/markets/{id}/display
func (h *MarketHandler) UpdateDisplay(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var meta domain.DisplayMeta
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&meta); err != nil {
		writeError(w, http.StatusBadRequest, "invalid display metadata")
		return
	}
	m, err := h.markets.UpdateDisplay(r.Context(), id, meta)
	if err != nil {
		h.logger.WarnContext(r.Context(), "update display failed",
			slog.String("market_id", id.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// PurgeMarket removes a market from the cache.
// DELETE /api/markets/{id}
func (h *MarketHandler) PurgeMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.markets.Purge(r.Context(), id); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListStakes returns every cached position of one owner.
// GET /api/stakes/{owner}
func (h *MarketHandler) ListStakes(w http.ResponseWriter, r *http.Request) {
	stakes, err := h.markets.ListStakes(r.Context(), r.PathValue("owner"))
	if err != nil {
		writeError(w, errorStatus(err), "failed to list stakes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stakes": stakes})
}

// GetStake returns one owner's position in one market.
// GET /api/stakes/{owner}/{id}
func (h *MarketHandler) GetStake(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stake, err := h.markets.GetStake(r.Context(), r.PathValue("owner"), id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stake)
}

// GetStats returns the aggregate snapshot.
// GET /api/stats
func (h *MarketHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.markets.GetStats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "stats failed", slog.String("error", err.Error()))
		writeError(w, errorStatus(err), "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
