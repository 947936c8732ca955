package apperror

import (
	"errors"
	"fmt"
)

// AuthError means a bearer token could not be obtained or was refused.
// It is never retried automatically.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProviderError is a non-success answer (or no answer) from the mail API,
// the OCR service or the notes service.
type ProviderError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider error (%s): status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider error (%s): %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ValidationError rejects a webhook callback before any processing happens.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Reason
}

// TimeoutError reports that a bounded polling loop ran out of attempts.
type TimeoutError struct {
	Op       string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout (%s) after %d attempts", e.Op, e.Attempts)
}

// NewProviderError classifies an HTTP status code. 429 and 5xx are transient.
func NewProviderError(op string, status int, err error) *ProviderError {
	return &ProviderError{
		Op:         op,
		StatusCode: status,
		Transient:  status == 429 || status >= 500,
		Err:        err,
	}
}

// NewTransportError wraps a network failure; these are always transient.
func NewTransportError(op string, err error) *ProviderError {
	return &ProviderError{Op: op, Transient: true, Err: err}
}

func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

func IsTransient(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr) && providerErr.Transient
}

func IsValidation(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}
