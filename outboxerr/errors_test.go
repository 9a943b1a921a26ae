package outboxerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsAsMatching(t *testing.T) {
	cause := errors.New("boom")
	err := NewHandlerError("evt-1", "user.created", cause)

	var he *HandlerError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, "evt-1", he.EventID)
	assert.ErrorIs(t, he, cause)

	var dup *DuplicateListener
	assert.False(t, errors.As(err, &dup))
}

func TestMaxRetriesExceededMessage(t *testing.T) {
	err := NewMaxRetriesExceeded("evt-2", "user.created", 3, errors.New("db down"))
	assert.Contains(t, err.Error(), "evt-2")
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestUnsupportedOperation(t *testing.T) {
	err := NewUnsupportedOperation("retryEvents")
	assert.Contains(t, err.Error(), "retryEvents")
}
