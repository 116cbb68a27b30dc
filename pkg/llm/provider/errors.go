package provider

import (
	"errors"
	"net/http"
)

// ProviderError represents a provider-specific error
type ProviderError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	return e.Provider + " error: " + e.Message
}

// Unwrap returns the original error
func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// Common error codes
const (
	ErrorCodeInvalidRequest  = "invalid_request"
	ErrorCodeAuthentication  = "authentication_error"
	ErrorCodeRateLimit       = "rate_limit_exceeded"
	ErrorCodeServerError     = "server_error"
	ErrorCodeTimeout         = "timeout"
	ErrorCodeModelNotFound   = "model_not_found"
	ErrorCodeContentFiltered = "content_filtered"
	ErrorCodeEmptyResponse   = "empty_response"
	ErrorCodeUnknown         = "unknown_error"
)

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, original error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// codeForStatus maps an HTTP status returned by a vendor API to an error code.
func codeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorCodeAuthentication
	case status == http.StatusTooManyRequests:
		return ErrorCodeRateLimit
	case status == http.StatusNotFound:
		return ErrorCodeModelNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrorCodeInvalidRequest
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorCodeTimeout
	case status >= 500:
		return ErrorCodeServerError
	default:
		return ErrorCodeUnknown
	}
}

// IsRetryable reports whether err is a ProviderError marked retryable.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.IsRetryable
}
