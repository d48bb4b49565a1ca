package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 30*time.Second, cfg.OptimisticTimeout)
	require.Equal(t, "/api/v1/health", cfg.ProbePath)
}

func TestLoadReadsTOMLFile(t *testing.T) {
	path := writeConfig(t, `
[api]
base_url = "https://school.example.com/"
timeout = "5s"

[store]
path = "/tmp/sduisync/queue.db"

[optimistic]
timeout = "45s"

[loader]
page_size = 25

[connectivity]
down_failures = 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://school.example.com", cfg.APIBaseURL)
	require.Equal(t, 5*time.Second, cfg.APITimeout)
	require.Equal(t, "/tmp/sduisync/queue.db", cfg.StorePath)
	require.Equal(t, 45*time.Second, cfg.OptimisticTimeout)
	require.Equal(t, 25, cfg.PageSize)
	require.Equal(t, 5, cfg.DownFailures)
	require.Equal(t, DefaultConfig().RecoverSuccesses, cfg.RecoverSuccesses)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "info"
`)
	t.Setenv("SDUISYNC_LOG_LEVEL", "DEBUG")
	t.Setenv("SDUISYNC_SYNC_PROBE_INTERVAL", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 2*time.Second, cfg.ProbeInterval)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, `
[api]
base_url = "http://env.example"
`)
	t.Setenv("SDUISYNC_CONFIG", path)
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "http://env.example", cfg.APIBaseURL)
}

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SDUISYNC_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().PageSize, cfg.PageSize)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
[loader]
page_size = 0
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "loader.page_size")
}
