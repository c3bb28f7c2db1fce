package action

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShellRequiresCommand(t *testing.T) {
	_, err := NewShell(map[string]any{})
	require.Error(t, err)

	_, err = NewShell(map[string]any{"command": ""})
	require.Error(t, err)
}

func TestShellRunCapturesOutput(t *testing.T) {
	runnable, err := NewShell(map[string]any{
		"command":   "echo",
		"arguments": []any{"hello"},
	})
	require.NoError(t, err)

	var out bytes.Buffer
	exitCode, err := runnable.Run(&out)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.Contains(t, out.String(), "hello")
}

func TestShellRunNonZeroExit(t *testing.T) {
	runnable, err := NewShell(map[string]any{
		"command":   "sh",
		"arguments": []any{"-c", "exit 3"},
	})
	require.NoError(t, err)

	exitCode, err := runnable.Run(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, exitCode)
}

func TestRegistryBuildUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build("nonexistent", nil)
	require.Error(t, err)
}

func TestRegistryBuildShell(t *testing.T) {
	r := NewRegistry()
	runnable, err := r.Build("shell", map[string]any{"command": "true"})
	require.NoError(t, err)
	assert.IsType(t, &Shell{}, runnable)
}

func TestRegistryRegisterOverride(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("shell", func(config map[string]any) (Runnable, error) {
		called = true
		return &Shell{Command: "true"}, nil
	})

	_, err := r.Build("shell", nil)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestStringSliceRejectsNonStringArgument(t *testing.T) {
	_, err := stringSlice([]any{"ok", 5})
	require.Error(t, err)
}
