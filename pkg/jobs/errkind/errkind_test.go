package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOfReturnsTaggedKind(t *testing.T) {
	err := New(NonRetryable, errors.New("invalid input"))
	assert.Equal(t, NonRetryable, Of(err))
}

func TestOfDefaultsToTransientForUntaggedErrors(t *testing.T) {
	assert.Equal(t, Transient, Of(errors.New("boom")))
}

func TestOfUnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(Fatal, errors.New("kv unreachable"))
	wrapped := fmt.Errorf("queue: dequeue: %w", base)
	assert.Equal(t, Fatal, Of(wrapped))
}

func TestNewReturnsNilForNilError(t *testing.T) {
	assert.Nil(t, New(Transient, nil))
}

func TestRetryableIsFalseOnlyForNonRetryable(t *testing.T) {
	assert.True(t, Retryable(New(Transient, errors.New("timeout"))))
	assert.True(t, Retryable(New(Fatal, errors.New("kv down"))))
	assert.True(t, Retryable(New(Programmer, errors.New("panic"))))
	assert.False(t, Retryable(New(NonRetryable, errors.New("forbidden"))))
	assert.True(t, Retryable(errors.New("untagged")))
}
