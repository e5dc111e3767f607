package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrUnknownStatus    = errors.New("unknown_provider_status")
	ErrInvalidOutput    = errors.New("invalid_output")
)

// HTTPError carries a non-2xx response from the provider API.
type HTTPError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: provider returned %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: provider returned %d: %s", e.Operation, e.StatusCode, e.Message)
}

// Retryable reports whether the same call may succeed later.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
