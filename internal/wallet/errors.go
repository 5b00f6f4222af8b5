package wallet

import (
	"errors"
	"fmt"
)

// ErrorCategory normalizes provider failures.
type ErrorCategory string

const (
	// ErrorTimeout indicates the provider took too long to respond
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorBadData indicates the provider returned invalid or incomplete data
	ErrorBadData ErrorCategory = "bad_data"

	// ErrorAuthentication indicates credential or permission issues
	ErrorAuthentication ErrorCategory = "authentication"

	// ErrorProviderOutage indicates the provider is unavailable or the
	// breaker is open
	ErrorProviderOutage ErrorCategory = "provider_outage"

	// ErrorRejected indicates the provider refused the request
	ErrorRejected ErrorCategory = "rejected"

	// ErrorNotFound indicates the wallet does not exist
	ErrorNotFound ErrorCategory = "not_found"

	// ErrorRateLimited indicates too many requests
	ErrorRateLimited ErrorCategory = "rate_limited"
)

// ProviderError wraps wallet provider failures with a normalized category.
type ProviderError struct {
	Category   ErrorCategory
	Op         string
	StatusCode int
	Message    string
	Underlying error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("wallet %s [%s]: %s", e.Op, e.Category, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Underlying != nil {
		msg += ": " + e.Underlying.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Underlying
}

func newProviderError(category ErrorCategory, op, message string, underlying error) *ProviderError {
	return &ProviderError{Category: category, Op: op, Message: message, Underlying: underlying}
}

// CategoryOf extracts the category, or "" for errors not raised here.
func CategoryOf(err error) ErrorCategory {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// categoryForStatus maps a non-2xx status to a category.
func categoryForStatus(status int) ErrorCategory {
	switch {
	case status == 401 || status == 403:
		return ErrorAuthentication
	case status == 404:
		return ErrorNotFound
	case status == 429:
		return ErrorRateLimited
	case status >= 500:
		return ErrorProviderOutage
	default:
		return ErrorRejected
	}
}
