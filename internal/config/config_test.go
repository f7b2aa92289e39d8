package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flintkv/pkg/index"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
logger:
  level: DEBUG
  json: true
http-server:
  port: 9090
  read_header_timeout: 2s
storage:
  path: /var/lib/flintkv
  segment_size: 1048576
  sync_writes: true
  index_type: skiplist
  compaction_threshold: 0.4
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logger.Level)
	assert.True(t, cfg.Logger.JSON)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, "/var/lib/flintkv", cfg.Storage.DirPath)
	assert.Equal(t, int64(1048576), cfg.Storage.SegmentSize)
	assert.True(t, cfg.Storage.SyncWrites)
	assert.Equal(t, "skiplist", cfg.Storage.IndexType)
	assert.Equal(t, 0.4, cfg.Storage.CompactionThreshold)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger: ["), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_EngineOptions(t *testing.T) {
	cfg := Default()
	cfg.Storage.IndexType = "bptree"
	cfg.Storage.SegmentSize = 42

	opts, err := cfg.EngineOptions()
	require.NoError(t, err)
	assert.Equal(t, index.BPTree, opts.IndexType)
	assert.Equal(t, int64(42), opts.SegmentSize)

	cfg.Storage.IndexType = "bogus"
	_, err = cfg.EngineOptions()
	assert.Error(t, err)
}

func TestConfig_SlogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logger.Level = "warn"
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())

	cfg.Logger.Level = "nonsense"
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}
