package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearUpstreamEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"MCP_SERVER_URL", "MCP_SERVER_TRANSPORT", "MCP_SERVER_NAME", "NAME", "PORT"} {
		t.Setenv(key, "")
	}
}

func TestRunWithoutUpstreamsIsConfigError(t *testing.T) {
	clearUpstreamEnv(t)
	var stderr bytes.Buffer
	code := run([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, &stderr)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr.String(), "no upstream servers configured")
}

func TestRunRejectsUnknownTransportFlag(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, exitConfig, run([]string{"--transport", "carrier-pigeon"}, &stderr))
}

func TestLoadConfigAppliesEnvFileAndOverrides(t *testing.T) {
	clearUpstreamEnv(t)
	// godotenv never overrides variables that are already set.
	require.NoError(t, os.Unsetenv("MCP_SERVER_URL"))
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("MCP_SERVER_URL=http://from-dotenv/mcp\n"), 0o644))

	cfg, err := loadConfig(&Options{EnvFile: envFile, Addr: ":9191", Transport: "stdio", LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "http://from-dotenv/mcp", cfg.Servers["default"].URL)
	assert.Equal(t, ":9191", cfg.Listen)
	assert.Equal(t, "stdio", cfg.Transport)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigRejectsBadLogLevelOverride(t *testing.T) {
	clearUpstreamEnv(t)
	t.Setenv("MCP_SERVER_URL", "http://upstream/mcp")
	_, err := loadConfig(&Options{LogLevel: "chatty"})
	assert.Error(t, err)
}
