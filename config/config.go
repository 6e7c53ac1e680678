package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WALConfig holds write-ahead log specific configurations.
type WALConfig struct {
	SyncMode            string `yaml:"sync_mode"` // "always", "interval", or "disabled"
	FlushInterval       string `yaml:"flush_interval"`
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
}

// CheckpointConfig holds checkpoint-specific configurations.
type CheckpointConfig struct {
	Interval          string `yaml:"interval"`
	MaxLogSizeBytes   int64  `yaml:"max_log_size_bytes"`
	SizeCheckInterval string `yaml:"size_check_interval"`
	Compression       string `yaml:"compression"` // "none", "snappy", "lz4", "zstd"
}

// JournalConfig holds all journal-related configurations, grouped logically.
type JournalConfig struct {
	DataDir    string           `yaml:"data_dir"`
	WAL        WALConfig        `yaml:"wal"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// PeerConfig describes one statically configured replication peer.
type PeerConfig struct {
	PeerID       string   `yaml:"peer_id"`
	Address      string   `yaml:"address"`
	Capabilities []string `yaml:"capabilities"`
}

// ReplicationConfig holds the configuration for the replication system.
type ReplicationConfig struct {
	Enabled                 bool         `yaml:"enabled"`
	NodeID                  string       `yaml:"node_id"`        // generated when empty
	ListenAddress           string       `yaml:"listen_address"` // peer-facing replication endpoint
	DefaultLevel            string       `yaml:"default_level"`
	MinReplicationFactor    int          `yaml:"min_replication_factor"`
	TargetReplicationFactor int          `yaml:"target_replication_factor"`
	MaxReplicationFactor    int          `yaml:"max_replication_factor"`
	AckTimeout              string       `yaml:"ack_timeout"`
	RetryAttempts           int          `yaml:"retry_attempts"`
	RetryBaseDelay          string       `yaml:"retry_base_delay"`
	HistoryLimit            int          `yaml:"history_limit"`
	Peers                   []PeerConfig `yaml:"peers"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// Config is the top-level configuration struct.
type Config struct {
	Journal     JournalConfig     `yaml:"journal"`
	Replication ReplicationConfig `yaml:"replication"`
	Logging     LoggingConfig     `yaml:"logging"`
	Debug       DebugConfig       `yaml:"debug"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Journal: JournalConfig{
			DataDir: "./data",
			WAL: WALConfig{
				SyncMode:            "interval",
				FlushInterval:       "1000ms",
				MaxSegmentSizeBytes: 64 * 1024 * 1024, // 64 MiB
			},
			Checkpoint: CheckpointConfig{
				Interval:          "300s", // Default to 5 minutes
				MaxLogSizeBytes:   256 * 1024 * 1024,
				SizeCheckInterval: "30s",
				Compression:       "snappy",
			},
		},
		Replication: ReplicationConfig{
			Enabled:                 false,
			ListenAddress:           ":7090",
			DefaultLevel:            "local",
			MinReplicationFactor:    3,
			TargetReplicationFactor: 3,
			MaxReplicationFactor:    5,
			AckTimeout:              "5s",
			RetryAttempts:           3,
			RetryBaseDelay:          "100ms",
			HistoryLimit:            1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusvfs.log",
		},
		Debug: DebugConfig{
			Enabled:          true,
			ListenAddress:    "0.0.0.0:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config data: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file. A missing file is not an
// error: defaults apply.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(strings.NewReader(""))
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()
	return Load(file)
}
