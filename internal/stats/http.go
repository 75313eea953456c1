package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wforce/wforced/internal/aghhttp"
)

// HTTPHandlers holds the handlers backing the getDBStats endpoint family for
// every DB in a [Registry].
type HTTPHandlers struct {
	logger *slog.Logger
	reg    *Registry
}

// NewHTTPHandlers returns an *HTTPHandlers serving data out of reg.
func NewHTTPHandlers(logger *slog.Logger, reg *Registry) (h *HTTPHandlers) {
	return &HTTPHandlers{logger: logger, reg: reg}
}

// dbStatsResponse is the JSON shape of a single DB's getDBStats entry.
type dbStatsResponse struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// GetDBStats handles GET /getDBStats, responding with the size of every
// registered DB.
func (h *HTTPHandlers) GetDBStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	names := h.reg.Names()
	resp := make([]dbStatsResponse, 0, len(names))
	for _, name := range names {
		db, ok := h.reg.Get(name)
		if !ok {
			continue
		}

		resp = append(resp, dbStatsResponse{Name: name, Size: db.Size()})
	}

	h.writeJSON(ctx, w, r, resp)
}

// GetDBStat handles GET /getDBStats/{db}, responding with a single DB's
// size, or 404 if db is not registered.
func (h *HTTPHandlers) GetDBStat(name string) (handler http.HandlerFunc) {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		db, ok := h.reg.Get(name)
		if !ok {
			aghhttp.ErrorAndLog(ctx, h.logger, r, w, http.StatusNotFound, "unknown db %q", name)

			return
		}

		h.writeJSON(ctx, w, r, dbStatsResponse{Name: name, Size: db.Size()})
	}
}

func (h *HTTPHandlers) writeJSON(ctx context.Context, w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		aghhttp.ErrorAndLog(ctx, h.logger, r, w, http.StatusInternalServerError, "encoding response: %s", err)
	}
}
