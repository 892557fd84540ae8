package api

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "github.com/remit-analytics/internal/errors"
	"github.com/remit-analytics/internal/price"
)

// ConvertRequest is the body of POST /api/rates/convert
type ConvertRequest struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// ConvertResponse carries a conversion and the table it used
type ConvertResponse struct {
	price.Conversion
	Origin string `json:"origin"`
	Cached bool   `json:"cached"`
	Stale  bool   `json:"stale,omitempty"`
}

// handleGetRates handles GET /api/rates
func (s *Server) handleGetRates(w http.ResponseWriter, r *http.Request) {
	if s.rates == nil {
		respondServiceError(w, r, apperrors.NewFeatureDisabledError("exchange rates"))
		return
	}

	respondJSON(w, http.StatusOK, s.rates.Rates(r.Context()))
}

// handleConvert handles POST /api/rates/convert
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if s.rates == nil {
		respondServiceError(w, r, apperrors.NewFeatureDisabledError("exchange rates"))
		return
	}

	var req ConvertRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	if strings.TrimSpace(req.From) == "" || strings.TrimSpace(req.To) == "" {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("from/to", "both currencies are required"))
		return
	}

	table := s.rates.Rates(r.Context())
	conv, err := price.Convert(req.From, req.To, req.Amount, table)
	if err != nil {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("currency", err.Error()))
		return
	}

	respondJSON(w, http.StatusOK, ConvertResponse{
		Conversion: conv,
		Origin:     table.Origin,
		Cached:     table.Cached,
		Stale:      table.Stale,
	})
}
