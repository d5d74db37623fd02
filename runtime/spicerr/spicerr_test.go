package spicerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(KindValidation, CodeValidation, "bad input")
	assert.Equal(t, "validation [VALIDATION_ERROR]: bad input", err.Error())

	wrapped := Wrap(errors.New("boom"), KindNetwork, CodeNetworkError, "dial failed")
	assert.Equal(t, "network [NETWORK_ERROR]: dial failed: boom", wrapped.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, KindNetwork, CodeNetworkError, "publish failed")
	assert.ErrorIs(t, err, cause)
}

func TestCodeOfReturnsOutermostCode(t *testing.T) {
	inner := New(KindNetwork, CodeNetworkError, "dial failed")
	outer := Wrap(inner, KindExecution, CodeExecution, "node failed")
	assert.Equal(t, CodeExecution, CodeOf(outer))

	// Wrapping through fmt keeps the taxonomy visible.
	plain := fmt.Errorf("context: %w", inner)
	assert.Equal(t, CodeNetworkError, CodeOf(plain))
}

func TestFromCoercesForeignErrors(t *testing.T) {
	err := From(errors.New("something else"))
	assert.Equal(t, KindUnknown, err.Kind)
	assert.Equal(t, CodeUnknown, err.Code)

	typed := New(KindTool, CodeToolError, "tool failed")
	assert.Same(t, typed, From(typed))

	assert.Nil(t, From(nil))
	assert.Equal(t, "", CodeOf(nil))
}

func TestHasCode(t *testing.T) {
	err := New(KindTimeout, CodeTimeout, "deadline exceeded")
	assert.True(t, HasCode(err, CodeTimeout))
	assert.False(t, HasCode(err, CodeValidation))
	assert.False(t, HasCode(nil, CodeTimeout))
}

func TestWithContext(t *testing.T) {
	err := New(KindRouting, CodeRouting, "no edge").
		WithContext("node", "review").
		WithContext("result", "MAYBE")
	assert.Equal(t, "review", err.Context["node"])
	assert.Equal(t, "MAYBE", err.Context["result"])
}

func TestRetryableHint(t *testing.T) {
	base := New(KindNetwork, CodeNetworkError, "dial failed")
	hinted := Retryable(base, RetryHint{MaxAttempts: 5})

	hint, ok := HintOf(hinted)
	require.True(t, ok)
	assert.Equal(t, 5, hint.MaxAttempts)

	// The hint wrapper is transparent to code and kind lookups.
	assert.Equal(t, CodeNetworkError, CodeOf(hinted))
	assert.Equal(t, KindNetwork, KindOf(hinted))

	// A hint survives further wrapping.
	outer := fmt.Errorf("attempt 1: %w", hinted)
	hint, ok = HintOf(outer)
	require.True(t, ok)
	assert.Equal(t, 5, hint.MaxAttempts)

	_, ok = HintOf(base)
	assert.False(t, ok)
	assert.Nil(t, Retryable(nil, RetryHint{}))
}

func TestSkipRetryHint(t *testing.T) {
	err := Retryable(New(KindExecution, CodeExecution, "flaky"), RetryHint{SkipRetry: true})
	hint, ok := HintOf(err)
	require.True(t, ok)
	assert.True(t, hint.SkipRetry)
}
