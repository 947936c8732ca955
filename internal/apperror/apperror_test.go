package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewProviderErrorTransient(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{400, false},
		{404, false},
		{409, false},
		{429, true},
		{500, true},
		{503, true},
	}

	for _, test := range tests {
		err := NewProviderError("op", test.status, errors.New("boom"))
		assert.Equal(t, test.transient, err.Transient, "status %d", test.status)
	}
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	auth := fmt.Errorf("failed to list: %w", &AuthError{Op: "token", Err: errors.New("denied")})
	assert.True(t, IsAuth(auth))
	assert.False(t, IsTransient(auth))

	transient := fmt.Errorf("outer: %w", NewTransportError("get", errors.New("reset")))
	assert.True(t, IsTransient(transient))
	assert.False(t, IsAuth(transient))

	assert.True(t, IsValidation(fmt.Errorf("x: %w", &ValidationError{Reason: "bad"})))
	assert.True(t, IsTimeout(fmt.Errorf("x: %w", &TimeoutError{Op: "ocr", Attempts: 3})))
	assert.False(t, IsTimeout(errors.New("plain")))
}
