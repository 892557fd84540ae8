package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	apperrors "github.com/remit-analytics/internal/errors"
	"github.com/remit-analytics/internal/types"
)

// handleGetTransactions handles GET /api/wallets/{address}/transactions
func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	filters, err := parseFilters(r.URL.Query())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	result, err := s.analytics.GetTransactions(r.Context(), address, filters)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleGetStats handles GET /api/wallets/{address}/stats
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	filters, err := parseFilters(r.URL.Query())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	result, err := s.analytics.GetStats(r.Context(), address, filters)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleGetPortfolio handles GET /api/wallets/{address}/portfolio
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	portfolio, err := s.analytics.GetPortfolio(r.Context(), address)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, portfolio)
}

// handleGetAnalytics handles GET /api/wallets/{address}/analytics
func (s *Server) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	filters, err := parseFilters(r.URL.Query())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	summary, err := s.analytics.GetLiveAnalytics(r.Context(), address, filters)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// parseFilters reads range, limit, minAmount, maxAmount, after and before.
// Times are RFC3339 or unix milliseconds.
func parseFilters(q url.Values) (types.Filters, error) {
	var f types.Filters

	if v := q.Get("range"); v != "" {
		tr, err := types.ParseTimeRange(v)
		if err != nil {
			return f, apperrors.NewInvalidParameterError("range", "must be one of 7d, 30d, 90d, 1y")
		}
		f.Range = tr
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return f, apperrors.NewInvalidParameterError("limit", "must be a non-negative integer")
		}
		f.Limit = limit
	}

	for _, p := range []struct {
		name string
		dst  **decimal.Decimal
	}{{"minAmount", &f.MinAmount}, {"maxAmount", &f.MaxAmount}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil || d.IsNegative() {
			return f, apperrors.NewInvalidParameterError(p.name, "must be a non-negative decimal")
		}
		*p.dst = &d
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"after", &f.AfterTime}, {"before", &f.BeforeTime}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			return f, apperrors.NewInvalidParameterError(p.name, "must be RFC3339 or unix milliseconds")
		}
		*p.dst = &t
	}

	if err := f.Validate(); err != nil {
		return f, apperrors.NewInvalidParameterError("filters", err.Error())
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}
