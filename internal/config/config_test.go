package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "./badger_data", cfg.BadgerDBPath)
	assert.Equal(t, "0.0.0.0:8000", cfg.Web.Addr())
	assert.Equal(t, 10*time.Second, cfg.ProofService.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.ProofService.CacheTTL)
	assert.Empty(t, cfg.ProofService.URL)
	assert.Empty(t, cfg.Archive.URL)
	assert.False(t, cfg.Chain.SerializeAppends)
	assert.False(t, cfg.Storage.UniquePredecessor)
	assert.Equal(t, 50*time.Second, cfg.HTTPWriteTimeout())
}

func TestHTTPWriteTimeout(t *testing.T) {
	t.Setenv("KVCHAIN_ARCHIVE_TIMEOUT", "45s")
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, cfg.HTTPWriteTimeout(), cfg.ProofService.Timeout+cfg.Archive.Timeout)

	t.Setenv("KVCHAIN_WEB_WRITE_TIMEOUT", "2m")
	cfg, err = LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.HTTPWriteTimeout())

	t.Setenv("KVCHAIN_WEB_WRITE_TIMEOUT", "20s")
	_, err = LoadConfig(t.TempDir())
	assert.ErrorContains(t, err, "web.write_timeout")
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
log_level: debug
badgerdb_path: /var/lib/kvchain
web:
  port: 9000
proof_service:
  url: https://proof.example
  timeout: 3s
archive:
  url: https://archive.example/documents
chain:
  serialize_appends: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("KVCHAIN_WEB_PORT", "9100")
	t.Setenv("KVCHAIN_STORAGE_UNIQUE_PREDECESSOR", "true")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/kvchain", cfg.BadgerDBPath)
	assert.Equal(t, 9100, cfg.Web.Port)
	assert.Equal(t, "https://proof.example", cfg.ProofService.URL)
	assert.Equal(t, 3*time.Second, cfg.ProofService.Timeout)
	assert.Equal(t, "https://archive.example/documents", cfg.Archive.URL)
	assert.True(t, cfg.Chain.SerializeAppends)
	assert.True(t, cfg.Storage.UniquePredecessor)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("web: [broken"), 0o600))
	_, err := LoadConfig(dir)
	assert.Error(t, err)

	t.Setenv("KVCHAIN_WEB_PORT", "70000")
	_, err = LoadConfig(t.TempDir())
	assert.ErrorContains(t, err, "web.port")
}
