package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsComparesCode(t *testing.T) {
	err := ErrRateLimited.WithDetails(map[string]any{"retryAfterMs": int64(120)})

	assert.True(t, Is(err, ErrRateLimited))
	assert.False(t, Is(err, ErrValidation))
	assert.Equal(t, int64(120), err.Details["retryAfterMs"])
	// 预定义错误不能被修改
	assert.Nil(t, ErrRateLimited.Details)
}

func TestErrorWrapping(t *testing.T) {
	err := ErrCollaboratorUnavailable.WithError(io.ErrUnexpectedEOF)
	wrapped := fmt.Errorf("sync: %w", err)

	assert.True(t, Is(wrapped, io.ErrUnexpectedEOF))
	assert.True(t, Is(wrapped, ErrCollaboratorUnavailable))
	assert.Contains(t, err.Error(), "unexpected EOF")

	got := From(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, "COLLABORATOR_UNAVAILABLE", got.Code)
	assert.Equal(t, 503, got.HttpCode)
	assert.Nil(t, From(io.EOF))
}

func TestWithMessageKeepsCode(t *testing.T) {
	err := ErrValidation.WithMessage("content is empty")
	assert.Equal(t, "content is empty", err.Error())
	assert.Equal(t, ErrValidation.Code, err.Code)
	assert.Equal(t, "invalid payload", ErrValidation.Message)
}

func TestNewDefaultHTTPCode(t *testing.T) {
	assert.Equal(t, 500, New("X", "x").HttpCode)
	assert.Equal(t, 418, New("X", "x", 418).HttpCode)
}
