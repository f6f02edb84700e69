package relayclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationTransitions(t *testing.T) {
	op := NewOperation()
	assert.Equal(t, Idle, op.State())

	require.Error(t, op.Transition(Submitting))
	require.Error(t, op.Transition(Success))

	require.NoError(t, op.Transition(AwaitingSignature))
	require.NoError(t, op.Transition(Idle), "cancel returns to idle")
	require.NoError(t, op.Transition(AwaitingSignature))
	require.NoError(t, op.Transition(Submitting))
	require.Error(t, op.Transition(Idle), "no cancel once submitted")
	require.NoError(t, op.Transition(Unreachable))
	require.NoError(t, op.Transition(Submitting), "resubmit")
	require.NoError(t, op.Transition(Rejected))
	require.NoError(t, op.Transition(AwaitingSignature), "retry")
	require.NoError(t, op.Transition(Submitting))
	require.NoError(t, op.Transition(Success))

	assert.True(t, op.State().Terminal())
	for _, next := range []State{Idle, AwaitingSignature, Submitting, Rejected} {
		assert.Error(t, op.Transition(next))
	}
	assert.Len(t, op.History(), 11)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_signature", AwaitingSignature.String())
	assert.Equal(t, "state(9)", State(9).String())
	assert.False(t, Submitting.Terminal())
}
