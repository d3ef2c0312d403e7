package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedErrorCode(t *testing.T) {
	err := Conflict(errors.New("stale write"))
	wrapped := fmt.Errorf("upstream: %w", err)

	assert.True(t, Is(wrapped, CodeConflict))
	assert.True(t, Is(err, CodeConflict))
	assert.False(t, Is(err, CodeNotFound))
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), CodeConflict))
}

func TestConstructorsSetStatus(t *testing.T) {
	cases := []struct {
		build  func(error) *Error
		status int
		code   string
	}{
		{InvalidInput, http.StatusBadRequest, CodeInvalidInput},
		{Conflict, http.StatusConflict, CodeConflict},
		{NotFound, http.StatusNotFound, CodeNotFound},
		{WrongStage, http.StatusConflict, CodeWrongStage},
		{StaleApproval, http.StatusConflict, CodeStaleApproval},
		{NotFailed, http.StatusConflict, CodeNotFailed},
		{DeadlineExceeded, http.StatusRequestTimeout, CodeDeadlineExceeded},
		{TransientBackend, http.StatusServiceUnavailable, CodeTransientBackend},
		{FatalBackend, http.StatusInternalServerError, CodeFatalBackend},
	}
	for _, c := range cases {
		err := c.build(errors.New("boom"))
		assert.Equal(t, c.status, err.Status)
		assert.Equal(t, c.code, err.Code)
	}
}
