package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Journal.DataDir)
	assert.Equal(t, "interval", cfg.Journal.WAL.SyncMode)
	assert.Equal(t, int64(64*1024*1024), cfg.Journal.WAL.MaxSegmentSizeBytes)
	assert.Equal(t, "300s", cfg.Journal.Checkpoint.Interval)
	assert.Equal(t, "snappy", cfg.Journal.Checkpoint.Compression)
	assert.False(t, cfg.Replication.Enabled)
	assert.Equal(t, 3, cfg.Replication.MinReplicationFactor)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Debug.Enabled)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
journal:
  data_dir: /var/lib/nexusvfs
  wal:
    sync_mode: always
    max_segment_size_bytes: 1048576
  checkpoint:
    interval: 10s
    compression: zstd
replication:
  enabled: true
  node_id: node-a
  default_level: quorum
  target_replication_factor: 5
  peers:
    - peer_id: node-b
      address: 10.0.0.2:7090
      capabilities: [metadata_replication]
logging:
  level: warn
`
	cfg, err := Load(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/nexusvfs", cfg.Journal.DataDir)
	assert.Equal(t, "always", cfg.Journal.WAL.SyncMode)
	assert.Equal(t, int64(1048576), cfg.Journal.WAL.MaxSegmentSizeBytes)
	assert.Equal(t, "10s", cfg.Journal.Checkpoint.Interval)
	assert.Equal(t, "zstd", cfg.Journal.Checkpoint.Compression)
	assert.True(t, cfg.Replication.Enabled)
	assert.Equal(t, "node-a", cfg.Replication.NodeID)
	assert.Equal(t, "quorum", cfg.Replication.DefaultLevel)
	assert.Equal(t, 5, cfg.Replication.TargetReplicationFactor)
	require.Len(t, cfg.Replication.Peers, 1)
	assert.Equal(t, "node-b", cfg.Replication.Peers[0].PeerID)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, "1000ms", cfg.Journal.WAL.FlushInterval)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(strings.NewReader("journal: ["))
	assert.Error(t, err)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.Journal.DataDir)
}

func TestLoadConfig_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexusvfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("journal:\n  data_dir: /tmp/j\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/j", cfg.Journal.DataDir)
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Minute, logger))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute, logger))
	assert.Equal(t, time.Minute, ParseDuration("0", time.Minute, logger))
	assert.Equal(t, time.Minute, ParseDuration("not-a-duration", time.Minute, logger))
}
