package files

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelByCode(t *testing.T) {
	err := NewError(CodeNotFound, "mem://a/b.txt", "no such file")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrAlreadyExists))
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Equal(t, "no such file: mem://a/b.txt", err.Error())
}

func TestErrorThroughWrapping(t *testing.T) {
	err := fmt.Errorf("resolve: %w", NewError(CodeConflict, "mem://x", "changed"))

	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, IsCode(err, CodeConflict))
	assert.Equal(t, ErrorCode(0), CodeOf(errors.New("plain")))
	assert.False(t, IsCode(nil, CodeConflict))
}

func TestFromProvider(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, FromProvider("mem://x", nil))
	})

	t.Run("typed passes through", func(t *testing.T) {
		in := NewError(CodeNotEmpty, "mem://x", "folder not empty")
		assert.Same(t, in, FromProvider("mem://x", in))
	})

	t.Run("context becomes cancelled", func(t *testing.T) {
		err := FromProvider("mem://x", context.Canceled)
		assert.True(t, errors.Is(err, ErrCancelled))
		assert.True(t, errors.Is(err, context.Canceled))

		err = FromProvider("mem://x", fmt.Errorf("slow: %w", context.DeadlineExceeded))
		assert.True(t, errors.Is(err, ErrCancelled))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("other errors are internal and keep the cause", func(t *testing.T) {
		cause := errors.New("disk on fire")
		err := FromProvider("file:///x", cause)
		assert.True(t, errors.Is(err, ErrProviderInternal))
		assert.True(t, errors.Is(err, cause))
		assert.Contains(t, err.Error(), "disk on fire")
	})
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "ProviderInternalError", CodeProviderInternal.String())
	assert.Equal(t, "UnsupportedScheme", CodeUnsupportedScheme.String())
	assert.Equal(t, "ErrorCode(99)", ErrorCode(99).String())
}
