package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/remit-analytics/internal/errors"
	"github.com/remit-analytics/internal/storage"
	"github.com/remit-analytics/internal/types"
)

// AddWatchlistRequest is the body of POST /api/watchlist. Intervals are Go
// durations such as "15s"; empty means the worker default.
type AddWatchlistRequest struct {
	Address         string `json:"address"`
	Label           string `json:"label"`
	Range           string `json:"range"`
	TxInterval      string `json:"txInterval"`
	BalanceInterval string `json:"balanceInterval"`
}

// handleListWatchlist handles GET /api/watchlist
func (s *Server) handleListWatchlist(w http.ResponseWriter, r *http.Request) {
	if !s.requireWatchlist(w, r) {
		return
	}

	entries, err := s.watchlist.List(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"wallets": entries,
		"count":   len(entries),
	})
}

// handleAddWatchlist handles POST /api/watchlist
func (s *Server) handleAddWatchlist(w http.ResponseWriter, r *http.Request) {
	if !s.requireWatchlist(w, r) {
		return
	}

	var req AddWatchlistRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	entry := &storage.WatchlistEntry{
		Address: req.Address,
		Label:   req.Label,
		Range:   types.TimeRange(req.Range),
	}
	for _, p := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"txInterval", req.TxInterval, &entry.TxInterval},
		{"balanceInterval", req.BalanceInterval, &entry.BalanceInterval},
	} {
		d, err := parseDurationParam(p.value)
		if err != nil {
			respondServiceError(w, r, apperrors.NewInvalidParameterError(p.name, "must be a duration such as 15s"))
			return
		}
		*p.dst = d
	}

	if err := s.watchlist.Add(r.Context(), entry); err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, entry)
}

// handleGetWatchlist handles GET /api/watchlist/{address}
func (s *Server) handleGetWatchlist(w http.ResponseWriter, r *http.Request) {
	if !s.requireWatchlist(w, r) {
		return
	}

	entry, err := s.watchlist.Get(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, entry)
}

// handleRemoveWatchlist handles DELETE /api/watchlist/{address}
func (s *Server) handleRemoveWatchlist(w http.ResponseWriter, r *http.Request) {
	if !s.requireWatchlist(w, r) {
		return
	}

	if err := s.watchlist.Remove(r.Context(), mux.Vars(r)["address"]); err != nil {
		respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireWatchlist(w http.ResponseWriter, r *http.Request) bool {
	if s.watchlist == nil {
		respondServiceError(w, r, apperrors.NewFeatureDisabledError("watchlist storage"))
		return false
	}
	return true
}
