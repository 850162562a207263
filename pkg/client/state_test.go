package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestState(t *testing.T) (*State, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "client.db")
	state, err := OpenState(path)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	return state, path
}

func TestStateConfig(t *testing.T) {
	state, path := openTestState(t)

	value, err := state.GetConfig("missing")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, state.SetConfig("theme", "dark"))
	require.NoError(t, state.SetConfig("theme", "light"))
	value, err = state.GetConfig("theme")
	require.NoError(t, err)
	assert.Equal(t, "light", value)

	assert.Equal(t, filepath.Dir(path), state.GetStateDir())
}

func TestStateRememberedValues(t *testing.T) {
	state, path := openTestState(t)

	assert.True(t, state.GetFirstRun())
	require.NoError(t, state.SetLastUsername("alice"))
	require.NoError(t, state.SetLastServer("ws://chat.example:8080/ws"))
	require.NoError(t, state.SetFirstRunComplete())
	require.NoError(t, state.Close())

	reopened, err := OpenState(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.False(t, reopened.GetFirstRun())
	assert.Equal(t, "alice", reopened.GetLastUsername())
	assert.Equal(t, "ws://chat.example:8080/ws", reopened.GetLastServer())
}

func TestStateConnectionHistory(t *testing.T) {
	state, _ := openTestState(t)

	method, err := state.GetLastSuccessfulMethod("chat.example:12345")
	require.NoError(t, err)
	assert.Empty(t, method)

	require.NoError(t, state.SaveSuccessfulConnection("chat.example:12345", "tcp"))
	require.NoError(t, state.SaveSuccessfulConnection("chat.example:12345", "ssh"))

	method, err = state.GetLastSuccessfulMethod("chat.example:12345")
	require.NoError(t, err)
	assert.Equal(t, "ssh", method)

	assert.Equal(t, "ssh://chat.example:12345", ResolveConnectionMethod("chat.example:12345", state, nil))
}
