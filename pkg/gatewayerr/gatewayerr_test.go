package gatewayerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAs_PassesThroughTypedError(t *testing.T) {
	t.Parallel()
	orig := BadState("session_busy", "worker is busy")
	got := As(orig)
	assert.Same(t, orig, got)
}

func TestAs_MapsPlainErrorToInternal(t *testing.T) {
	t.Parallel()
	got := As(errors.New("boom"))
	assert.Equal(t, CodeInternal, got.Code)
	assert.Equal(t, "boom", got.Message)
}

func TestAs_Nil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, As(nil))
}

func TestBadStateWithDetails_MergesKind(t *testing.T) {
	t.Parallel()
	err := BadStateWithDetails("worker_limit", true, map[string]any{"maxWorkers": 1}, "at capacity")
	assert.Equal(t, "worker_limit", err.Kind())
	assert.True(t, err.Retryable)
	assert.Equal(t, 1, err.Details["maxWorkers"])
}

func TestError_WrapsCauseForUnwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("root cause")
	err := Internal(cause).WithCause(cause)
	assert.ErrorIs(t, err, cause)
}
