package xstate_test

import (
	"errors"
	"testing"

	"github.com/gordian-engine/xstream/internal/xstate"
	"github.com/stretchr/testify/require"
)

func openMachine(t *testing.T) *xstate.Machine {
	t.Helper()

	m := xstate.New()
	require.NoError(t, m.BeginHandshake())
	require.NoError(t, m.Established())
	require.Equal(t, xstate.Open, m.State())
	return m
}

func TestMachine_halfCloseLocalFirst(t *testing.T) {
	t.Parallel()

	m := openMachine(t)
	require.True(t, m.CanSend())
	require.True(t, m.CanReceive())

	require.NoError(t, m.CloseLocal())
	require.Equal(t, xstate.Closing, m.State())
	require.False(t, m.CanSend())
	require.True(t, m.CanReceive())

	require.NoError(t, m.CloseRemote())
	require.Equal(t, xstate.Closed, m.State())
	require.False(t, m.CanReceive())
}

func TestMachine_halfCloseRemoteFirst(t *testing.T) {
	t.Parallel()

	m := openMachine(t)

	require.NoError(t, m.CloseRemote())
	require.Equal(t, xstate.Closing, m.State())
	require.True(t, m.CanSend())
	require.False(t, m.CanReceive())

	require.NoError(t, m.CloseLocal())
	require.Equal(t, xstate.Closed, m.State())
}

func TestMachine_doubleCloseSameDirection(t *testing.T) {
	t.Parallel()

	m := openMachine(t)
	require.NoError(t, m.CloseLocal())

	var ite xstate.IllegalTransitionError
	require.ErrorAs(t, m.CloseLocal(), &ite)
	require.Equal(t, xstate.Closing, ite.From)
}

func TestMachine_terminalStatesAreFinal(t *testing.T) {
	t.Parallel()

	closed := openMachine(t)
	require.NoError(t, closed.CloseLocal())
	require.NoError(t, closed.CloseRemote())

	errored := openMachine(t)
	cause := errors.New("boom")
	require.NoError(t, errored.Fail(cause))
	require.Equal(t, cause, errored.Err())

	for _, m := range []*xstate.Machine{closed, errored} {
		before := m.State()
		require.True(t, before.Terminal())

		require.Error(t, m.BeginHandshake())
		require.Error(t, m.Established())
		require.Error(t, m.CloseLocal())
		require.Error(t, m.CloseRemote())
		require.Error(t, m.Fail(errors.New("again")))
		require.False(t, m.CanSend())
		require.False(t, m.CanReceive())

		require.Equal(t, before, m.State())
	}

	require.Equal(t, cause, errored.Err())
}

func TestMachine_failFromEveryNonTerminalState(t *testing.T) {
	t.Parallel()

	steps := []func(*xstate.Machine) error{
		func(*xstate.Machine) error { return nil },
		(*xstate.Machine).BeginHandshake,
		(*xstate.Machine).Established,
		(*xstate.Machine).CloseLocal,
	}

	for n := range steps {
		m := xstate.New()
		for _, s := range steps[:n+1] {
			require.NoError(t, s(m))
		}
		require.False(t, m.State().Terminal())
		require.NoError(t, m.Fail(errors.New("x")))
		require.Equal(t, xstate.Errored, m.State())
	}
}

func TestMachine_outOfOrderTransitions(t *testing.T) {
	t.Parallel()

	m := xstate.New()
	require.Error(t, m.Established())
	require.Error(t, m.CloseLocal())
	require.Error(t, m.CloseRemote())
	require.False(t, m.CanSend())

	require.NoError(t, m.BeginHandshake())
	require.Error(t, m.BeginHandshake())
	require.False(t, m.CanReceive())
}
