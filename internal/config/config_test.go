package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
[agent]
id = "host-01"

[transport]
server_url = "https://collector.example.com/ingest"
batch_size = 50
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "host-01", cfg.Agent.ID)
	require.Equal(t, "https://collector.example.com/ingest", cfg.Transport.ServerURL)
	require.Equal(t, 50, cfg.Transport.BatchSize)
	// Untouched defaults survive.
	require.Equal(t, 3, cfg.Transport.MaxAttempts)
	require.Equal(t, 10_000, cfg.Buffer.MaxEvents)
}

func TestLoadRejectsUnknownKeysInStrictMode(t *testing.T) {
	path := writeConfig(t, `
[transport]
server_url = "https://collector.example.com/ingest"
bogus_key = "oops"
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown keys")
}

func TestValidateRequiresServerURL(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())
}

func TestMasterPasswordFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("SECUREWATCH_MASTER_PASSWORD", "correct-horse-battery-staple")
	pw, ok := cfg.MasterPassword()
	require.True(t, ok)
	require.Equal(t, "correct-horse-battery-staple", pw)
}

func TestMasterPasswordMissing(t *testing.T) {
	cfg := Default()
	os.Unsetenv(cfg.Security.MasterPasswordEnv)
	_, ok := cfg.MasterPassword()
	require.False(t, ok)
}
