package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndError(t *testing.T) {
	err := New(ErrorTypeConnection, "refused")
	assert.Equal(t, "connection: refused", err.Error())
	assert.Equal(t, ErrorTypeConnection, err.Type)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("dial tcp: refused")
	err := Wrap(cause, ErrorTypeConnection, "cannot reach origin")

	assert.Contains(t, err.Error(), "cannot reach origin")
	assert.Contains(t, err.Error(), "dial tcp: refused")
	assert.ErrorIs(t, err, cause)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "x")))
	assert.True(t, IsRetryable(New(ErrorTypeTimeout, "x")))
	assert.True(t, IsRetryable(New(ErrorTypeDelivery, "x")))

	assert.False(t, IsRetryable(New(ErrorTypeValidation, "x")))
	assert.False(t, IsRetryable(New(ErrorTypeAuthentication, "x")))
	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestIsType(t *testing.T) {
	err := Newf(ErrorTypeNotFound, "unknown plugin type: %s", "nope")
	assert.True(t, IsType(err, ErrorTypeNotFound))
	assert.False(t, IsType(err, ErrorTypeConnection))
	assert.False(t, IsType(stderrors.New("plain"), ErrorTypeNotFound))

	wrapped := Wrap(err, ErrorTypeInternal, "outer")
	assert.True(t, IsType(wrapped, ErrorTypeInternal))
}

func TestMessage(t *testing.T) {
	err := New(ErrorTypeConnection, "cannot reach origin")
	assert.Equal(t, "cannot reach origin", Message(err))

	plain := stderrors.New("plain failure")
	assert.Equal(t, "plain failure", Message(plain))
	assert.Empty(t, Message(nil))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeStorage, "write failed").
		WithDetail("path", "/tmp/q.db").
		WithDetail("attempts", 3)

	require.NotNil(t, err.Details)
	assert.Equal(t, "/tmp/q.db", err.Details["path"])
	assert.Equal(t, 3, err.Details["attempts"])
}
