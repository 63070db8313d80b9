package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sqlimport.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "sqlimport dev\n", out.String())
}

func TestGCCmd(t *testing.T) {
	jobsDir := t.TempDir()
	cfgPath := writeConfig(t, "jobs:\n  dir: "+jobsDir+"\nhistory:\n  path: \":memory:\"\nlog:\n  level: error\n")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "gc"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "deleted 0 expired jobs\n", out.String())
}

func TestGCCmd_InvalidConfig(t *testing.T) {
	cfgPath := writeConfig(t, "log:\n  level: loud\n")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "gc"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
}

func TestRootCmd_RejectsArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"version", "extra"})

	assert.Error(t, cmd.Execute())
}
