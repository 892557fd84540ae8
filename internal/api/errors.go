package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/remit-analytics/internal/errors"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/types"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondServiceError writes err with its categorized status. Server-side
// failures are logged with the request logger.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("code", catErr.Code).Warn("Request failed")
	}
	respondJSON(w, catErr.StatusCode, ErrorResponse{Error: catErr.ServiceError()})
}

// respondJSON writes data as JSON with statusCode
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody decodes a request body, rejecting unknown fields
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperrors.NewInvalidParameterError("body", err.Error())
	}
	return nil
}
