package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refshare/internal/shared"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Iterators.IdleTTL)

	p, err := cfg.SharingPolicy()
	require.NoError(t, err)
	assert.Equal(t, shared.Strict, p)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refshare.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
sharing:
  policy: lenient
iterators:
  idle_ttl: 2m
  max_batch: 10
`), 0o600))

	t.Setenv("REFSHARE_ITERATORS_MAX_BATCH", "20")
	t.Setenv("REFSHARE_STORAGE_PATH", "/tmp/refshare.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Iterators.IdleTTL)
	assert.Equal(t, 20, cfg.Iterators.MaxBatch)
	assert.Equal(t, "/tmp/refshare.db", cfg.Storage.Path)

	p, err := cfg.SharingPolicy()
	require.NoError(t, err)
	assert.Equal(t, shared.Lenient, p)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Sharing.Policy = "loose"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Iterators.SweepInterval = time.Hour
	require.Error(t, cfg.Validate())

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.read_header_timeout", envKey("REFSHARE_SERVER_READ_HEADER_TIMEOUT"))
	assert.Equal(t, "log.level", envKey("REFSHARE_LOG_LEVEL"))
}
