package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := NewValidationError("tenant id is required")
	assert.Equal(t, "VALIDATION_ERROR: tenant id is required", err.Error())

	cause := fmt.Errorf("dial tcp: refused")
	wrapped := NewRemoteUnavailableError("redis", "cache unreachable").WithCause(cause)
	assert.Contains(t, wrapped.Error(), "caused by: dial tcp: refused")
	assert.Equal(t, "redis", wrapped.Details["service"])
	assert.ErrorIs(t, wrapped, cause)
}

func TestIsType_UnwrapsWrappedErrors(t *testing.T) {
	base := NewEmbeddingError("provider returned 500")
	wrapped := fmt.Errorf("reconcile tenant t1: %w", base)

	assert.True(t, IsType(wrapped, ErrorTypeEmbedding))
	assert.False(t, IsType(wrapped, ErrorTypeVectorStore))
	assert.Equal(t, ErrorTypeEmbedding, GetType(wrapped))
	assert.Equal(t, "EMBEDDING_ERROR", GetCode(wrapped))
}

func TestGetType_PlainErrorIsInternal(t *testing.T) {
	err := fmt.Errorf("boom")
	assert.Equal(t, ErrorTypeInternal, GetType(err))
	assert.Equal(t, "UNKNOWN_ERROR", GetCode(err))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", NewValidationError("bad record"), false},
		{"exhausted", NewTaskExhaustedError("task-1", 4), false},
		{"embedding", NewEmbeddingError("timeout"), true},
		{"vector store", NewVectorStoreError("upsert", "unavailable"), true},
		{"remote", NewRemoteUnavailableError("redis", "down"), true},
		{"plain", fmt.Errorf("unknown"), true},
		{"wrapped validation", fmt.Errorf("decode: %w", NewValidationError("x")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFoundError("task")))
	assert.False(t, IsNotFound(NewInternalError("x")))
}
