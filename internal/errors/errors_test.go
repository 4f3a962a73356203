package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryAndSeverity(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		category  Category
		severity  Severity
		retryable bool
	}{
		{"config invalid", ErrCodeConfigInvalid, CategoryConfig, SeverityFatal, false},
		{"flag conflict", ErrCodeFlagConflict, CategoryConfig, SeverityFatal, false},
		{"rpc timeout", ErrCodeRPCTimeout, CategoryRPC, SeverityWarning, true},
		{"rpc throttled", ErrCodeRPCThrottled, CategoryRPC, SeverityWarning, true},
		{"rpc rejected", ErrCodeRPCRejected, CategoryRPC, SeverityError, false},
		{"parse failed", ErrCodeParseFailed, CategoryValidation, SeverityError, false},
		{"dimension mismatch", ErrCodeDimensionMismatch, CategoryConsistency, SeverityFatal, false},
		{"name collision", ErrCodeNameCollision, CategoryConsistency, SeverityFatal, false},
		{"embedding failed", ErrCodeEmbeddingFailed, CategoryInternal, SeverityError, false},
		{"cancelled", ErrCodeCancelled, CategoryCancelled, SeverityError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestCorpusError_ErrorChain(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := TransientRPC("sparse endpoint unreachable", cause)

	assert.ErrorContains(t, err, "ERR_302_RPC_UNAVAILABLE")
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, IsRetryable(err))
	assert.False(t, IsFatal(err))
}

func TestCorpusError_WithDetail(t *testing.T) {
	err := ParseError("cannot parse file", nil).
		WithDetail("component", "chunker").
		WithDetail("item", "broken.ts")

	assert.Equal(t, "chunker", err.Details["component"])
	assert.Equal(t, "broken.ts", err.Details["item"])
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(context.Canceled))
	assert.True(t, IsCancelled(Cancelled("job cancelled")))
	assert.False(t, IsCancelled(InternalError("boom", nil)))
	assert.False(t, IsCancelled(nil))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeRPCRejected, GetCode(PermanentRPC("bad request", nil)))
	assert.Empty(t, GetCode(fmt.Errorf("plain")))

	// Wrapped CorpusError is still discoverable via errors.As.
	wrapped := fmt.Errorf("outer: %w", ConsistencyError(ErrCodeNameCollision, "collision"))
	assert.Equal(t, ErrCodeNameCollision, GetCode(wrapped))
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return TransientRPC("flaky", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return PermanentRPC("400 bad request", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ErrCodeRPCRejected, GetCode(err))
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return TransientRPC("still down", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
	assert.ErrorContains(t, err, "failed after 2 retries")
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func() error {
		return TransientRPC("never reached", nil)
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	calls := 0
	v, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, TransientRPC("first try", nil)
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
