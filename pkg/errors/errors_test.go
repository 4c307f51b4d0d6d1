package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONRPCCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  *Error
		code int64
	}{
		{NewNotFoundError("no such server", nil), -32001},
		{NewInitError("handshake failed", nil), -32002},
		{NewTransportGoneError("process exited", nil), -32003},
		{NewTimeoutError("deadline exceeded", nil), -32004},
		{NewDecryptError("bad ciphertext", nil), -32005},
		{NewInternalError("boom", nil), -32603},
		{NewUnauthorizedError("no token", nil), -32603},
		{NewBackpressureError("queue full", nil), -32603},
	}

	for _, tt := range tests {
		t.Run(tt.err.Kind, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.code, tt.err.JSONRPCCode())
			assert.Equal(t, tt.code, Code(tt.err))
		})
	}
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("routing failed: %w", NewNotFoundError("no such server", nil))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsTimeout(err))
	assert.Equal(t, KindNotFound, Kind(err))
	assert.Equal(t, int64(CodeNotFound), Code(err))
}

func TestUntypedErrorsAreInternal(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("plain failure")
	assert.Equal(t, KindInternal, Kind(err))
	assert.Equal(t, int64(CodeInternal), Code(err))
	assert.False(t, IsInternal(err), "untyped errors carry no kind")
}

func TestErrorMessageIncludesCause(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("connection refused")
	err := NewInitError("backend failed to start", cause)
	assert.Contains(t, err.Error(), "init_error")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)
}
