// Package errors is the error taxonomy shared by the source, the services
// and the API. Each categorized error carries the HTTP status it maps to.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/remit-analytics/internal/types"
)

// ErrorCategory groups errors by who is at fault
type ErrorCategory string

const (
	// CategoryUserInput is a malformed address or request setup (400)
	CategoryUserInput ErrorCategory = "user_input"
	// CategoryValidation is a bad query or body parameter (400)
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound is a missing watchlist entry or account (404)
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryRateLimit is a client over its request budget (429)
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryProvider is an indexer, algod or price feed failure (502)
	CategoryProvider ErrorCategory = "provider"
	// CategoryDecode is a malformed source record
	CategoryDecode ErrorCategory = "decode"
	// CategoryDatabase is a Postgres or ClickHouse failure (500)
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem is anything else on our side (5xx)
	CategorySystem ErrorCategory = "system"
)

// Error codes
const (
	CodeConfigurationError = "CONFIGURATION_ERROR"
	CodeInvalidAddress     = "INVALID_ADDRESS"
	CodeInvalidParameter   = "INVALID_PARAMETER"
	CodeNotFound           = "NOT_FOUND"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeSourceUnavailable  = "SOURCE_UNAVAILABLE"
	CodeDecodeError        = "DECODE_ERROR"
	CodeDatabaseError      = "DATABASE_ERROR"
	CodeFeatureDisabled    = "FEATURE_DISABLED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// CategorizedError is an error with a category, a stable code and an HTTP status
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ServiceError returns the wire form. Internal errors never expose their message.
func (e *CategorizedError) ServiceError() types.ServiceError {
	if e.Code == CodeInternalError {
		return types.ServiceError{Code: e.Code, Message: "An internal error occurred"}
	}
	return types.ServiceError{Code: e.Code, Message: e.Message, Details: e.Details}
}

func newError(category ErrorCategory, status int, code, message string) *CategorizedError {
	return &CategorizedError{Category: category, StatusCode: status, Code: code, Message: message}
}

// NewConfigurationError rejects a subscription or request setup
func NewConfigurationError(message string) *CategorizedError {
	return newError(CategoryUserInput, http.StatusBadRequest, CodeConfigurationError, message)
}

// NewInvalidAddressError rejects a wallet address that fails the checksum
func NewInvalidAddressError(address string) *CategorizedError {
	e := newError(CategoryUserInput, http.StatusBadRequest, CodeInvalidAddress,
		fmt.Sprintf("invalid address format: %s", address))
	e.Details = map[string]interface{}{"address": address}
	return e
}

// NewInvalidParameterError rejects one request parameter
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	e := newError(CategoryValidation, http.StatusBadRequest, CodeInvalidParameter,
		fmt.Sprintf("invalid parameter '%s': %s", param, reason))
	e.Details = map[string]interface{}{"parameter": param, "reason": reason}
	return e
}

// NewNotFoundError reports a missing resource
func NewNotFoundError(resource string, id string) *CategorizedError {
	e := newError(CategoryNotFound, http.StatusNotFound, CodeNotFound,
		fmt.Sprintf("%s not found: %s", resource, id))
	e.Details = map[string]interface{}{"resource": resource, "id": id}
	return e
}

// NewRateLimitError tells a client to come back after retryAfterSeconds
func NewRateLimitError(limit float64, burst, retryAfterSeconds int) *CategorizedError {
	e := newError(CategoryRateLimit, http.StatusTooManyRequests, CodeRateLimitExceeded,
		"rate limit exceeded, please try again later")
	e.Details = map[string]interface{}{"limit": limit, "burst": burst, "retryAfter": retryAfterSeconds}
	return e
}

// NewFeatureDisabledError reports an optional component that is not
// configured in this deployment
func NewFeatureDisabledError(feature string) *CategorizedError {
	e := newError(CategorySystem, http.StatusServiceUnavailable, CodeFeatureDisabled,
		fmt.Sprintf("%s is not enabled", feature))
	e.Details = map[string]interface{}{"feature": feature}
	return e
}

// NewInternalError wraps an unexpected failure
func NewInternalError(message string, cause error) *CategorizedError {
	e := newError(CategorySystem, http.StatusInternalServerError, CodeInternalError, message)
	e.Cause = cause
	return e
}

// NewDatabaseError wraps a storage failure during operation
func NewDatabaseError(operation string, cause error) *CategorizedError {
	e := newError(CategoryDatabase, http.StatusInternalServerError, CodeDatabaseError,
		fmt.Sprintf("database error during %s", operation))
	e.Cause = cause
	e.Details = map[string]interface{}{"operation": operation}
	return e
}

// NewSourceUnavailableError wraps a failed or timed out source fetch.
// Callers keep their last-known data and retry on the next poll.
func NewSourceUnavailableError(source string, cause error) *CategorizedError {
	e := newError(CategoryProvider, http.StatusBadGateway, CodeSourceUnavailable,
		fmt.Sprintf("transaction source unavailable: %s", source))
	e.Cause = cause
	e.Details = map[string]interface{}{"source": source}
	return e
}

// NewDecodeError reports a malformed source field. It is recovered where
// it occurs and never reaches a subscriber.
func NewDecodeError(field string, cause error) *CategorizedError {
	e := newError(CategoryDecode, http.StatusUnprocessableEntity, CodeDecodeError,
		fmt.Sprintf("could not decode %s", field))
	e.Cause = cause
	e.Details = map[string]interface{}{"field": field}
	return e
}

// Categorize returns the categorized error in err's chain. A bare
// ServiceError is mapped by its code; anything else is internal.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return fromServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

func fromServiceError(err *types.ServiceError) *CategorizedError {
	out := &CategorizedError{Code: err.Code, Message: err.Message, Details: err.Details}
	switch err.Code {
	case CodeInvalidAddress, CodeConfigurationError:
		out.Category, out.StatusCode = CategoryUserInput, http.StatusBadRequest
	case CodeInvalidParameter:
		out.Category, out.StatusCode = CategoryValidation, http.StatusBadRequest
	case CodeNotFound:
		out.Category, out.StatusCode = CategoryNotFound, http.StatusNotFound
	case CodeSourceUnavailable:
		out.Category, out.StatusCode = CategoryProvider, http.StatusBadGateway
	default:
		out.Category, out.StatusCode = CategorySystem, http.StatusInternalServerError
	}
	return out
}

// GetHTTPStatusCode returns the HTTP status for err
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsSourceUnavailable reports whether err is a source failure
func IsSourceUnavailable(err error) bool {
	return hasCode(err, CodeSourceUnavailable)
}

// IsConfigurationError reports whether err rejects a request's setup,
// including malformed addresses
func IsConfigurationError(err error) bool {
	return hasCode(err, CodeConfigurationError) || hasCode(err, CodeInvalidAddress)
}

// IsNotFound reports whether err is a missing resource
func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

func hasCode(err error, code string) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Code == code
}
