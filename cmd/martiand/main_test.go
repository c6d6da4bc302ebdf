package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestDirectoryCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "martian.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("directory:\n  path: addresses.json\n"), 0o644))

	_, err := execute(t, "--config", cfgPath, "directory", "register", "risk_agent", "agent1qrisk")
	require.NoError(t, err)
	_, err = execute(t, "--config", cfgPath, "directory", "register", "scout_agent", "agent1qscout")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfgPath, "directory", "resolve", "risk_agent")
	require.NoError(t, err)
	assert.Equal(t, "agent1qrisk\n", out)

	out, err = execute(t, "--config", cfgPath, "directory", "list")
	require.NoError(t, err)
	assert.Equal(t, "risk_agent\tagent1qrisk\nscout_agent\tagent1qscout\n", out)

	_, err = execute(t, "--config", cfgPath, "directory", "resolve", "execution_agent")
	assert.Error(t, err)
	assert.FileExists(t, filepath.Join(dir, "addresses.json"))
}

func TestCheckServices(t *testing.T) {
	assert.NoError(t, checkServices([]string{"gateway", "Risk"}))
	assert.Error(t, checkServices(nil))
	assert.Error(t, checkServices([]string{"oracle"}))
}
