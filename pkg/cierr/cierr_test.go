package cierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := New(KindDAGCycle, "cycle: %s", "A -> B -> A")
	assert.Equal(t, "dag-cycle: cycle: A -> B -> A", err.Error())

	bare := &Error{Kind: KindOrphaned}
	assert.Equal(t, "orphaned", bare.Error())
}

func TestKindOfWalksWrapChain(t *testing.T) {
	inner := New(KindStepTimeout, "step killed after 1ms")
	wrapped := fmt.Errorf("stage Build: %w", inner)

	assert.Equal(t, KindStepTimeout, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindStepTimeout))
	assert.False(t, Is(wrapped, KindStepAborted))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindDispatchFailed, cause, "agent %s unreachable", "agent-1")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindDispatchFailed, KindOf(err))
}
