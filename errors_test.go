package pulsar

import (
	"errors"
	"io/fs"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorValues(t *testing.T) {
	tests := []struct {
		err   *Error
		code  int
		token string
	}{
		{ErrNotFound, http.StatusNotFound, "error_not_found"},
		{ErrUnauthenticated, http.StatusUnauthorized, "error_unauthenticated"},
		{ErrAccessDenied, http.StatusForbidden, "error_access_denied"},
		{ErrAccountDisabled, http.StatusForbidden, "error_account_disabled"},
		{ErrAccountLocked, http.StatusForbidden, "error_account_locked"},
		{ErrInternal, http.StatusInternalServerError, "error_internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.err.HTTPStatus())
		assert.Equal(t, tt.token, tt.err.Token)
		assert.NotEmpty(t, tt.err.Error())
	}
}

func TestNotFoundIsErrNotExist(t *testing.T) {
	assert.True(t, errors.Is(ErrNotFound, fs.ErrNotExist))
}

func TestNewErrorFormatting(t *testing.T) {
	cause := errors.New("db gone")
	err := NewError(http.StatusBadGateway, "error_upstream", "upstream failed: %w", cause)

	assert.Equal(t, "upstream failed: db gone", err.Error())
	assert.Equal(t, http.StatusBadGateway, err.HTTPStatus())
	assert.True(t, errors.Is(err, cause))
}

func TestMasquerade(t *testing.T) {
	err := Masquerade(ErrAccessDenied)

	// reads exactly like a missing resource
	assert.Equal(t, ErrNotFound.Message, err.Message)
	assert.Equal(t, http.StatusNotFound, err.HTTPStatus())
	assert.Equal(t, ErrNotFound.Token, err.Token)

	// but the original cause is preserved for server-side inspection
	assert.True(t, errors.Is(err, ErrAccessDenied))
}

func TestErrTooManyRequests(t *testing.T) {
	err := ErrTooManyRequests("error_rate_limit", "User rate limit exceeded. %d seconds until lock expires.", 42)
	assert.Equal(t, http.StatusTooManyRequests, err.HTTPStatus())
	assert.Equal(t, "User rate limit exceeded. 42 seconds until lock expires.", err.Error())
}
