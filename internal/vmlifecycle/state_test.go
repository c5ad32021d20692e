package vmlifecycle

import (
	"testing"

	"github.com/clawpot/clawpotd/internal/clawpoterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTransitions(t *testing.T) {
	m := newStateMachine()
	assert.Equal(t, NotStarted, m.current())

	require.NoError(t, m.transitionTo(Starting))
	assert.Equal(t, Starting, m.current())

	require.NoError(t, m.transitionTo(Running))
	assert.Equal(t, Running, m.current())

	require.NoError(t, m.transitionTo(Stopping))
	assert.Equal(t, Stopping, m.current())

	require.NoError(t, m.transitionTo(Stopped))
	assert.Equal(t, Stopped, m.current())
}

func TestInvalidTransitionDoesNotMutate(t *testing.T) {
	m := newStateMachine()
	err := m.transitionTo(Running)
	require.Error(t, err)
	assert.ErrorIs(t, err, clawpoterr.ErrInvalidState)
	assert.Equal(t, NotStarted, m.current())
}

func TestErrorStateAlwaysValid(t *testing.T) {
	for _, s := range []State{NotStarted, Starting, Running, Stopping, Stopped} {
		m := &stateMachine{state: s}
		require.NoError(t, m.transitionTo(Error))
		assert.Equal(t, Error, m.current())
	}
}

func TestAbortPaths(t *testing.T) {
	m := newStateMachine()
	require.NoError(t, m.transitionTo(Starting))
	require.NoError(t, m.transitionTo(Stopping))
	require.NoError(t, m.transitionTo(Stopped))
	require.NoError(t, m.transitionTo(Starting))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "Not Started", NotStarted.String())
	assert.Equal(t, "Running", Running.String())
}
