package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/INLOpen/nexusvfs/cas"
	"github.com/INLOpen/nexusvfs/compressors"
	"github.com/INLOpen/nexusvfs/config"
	"github.com/INLOpen/nexusvfs/journal"
	"github.com/INLOpen/nexusvfs/replication"
	"github.com/INLOpen/nexusvfs/server"
	"github.com/INLOpen/nexusvfs/wal"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

func run() error {
	configPath := flag.String("config", "nexusvfs.yaml", "path to the configuration file")
	nodeIDFlag := flag.String("node-id", "", "override the node id from the configuration")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	nodeID := cfg.Replication.NodeID
	if *nodeIDFlag != "" {
		nodeID = *nodeIDFlag
	}
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger.Info("Starting nexusvfsd", "node_id", nodeID, "data_dir", cfg.Journal.DataDir)

	compressor, err := compressors.ForName(cfg.Journal.Checkpoint.Compression)
	if err != nil {
		return fmt.Errorf("invalid checkpoint compression: %w", err)
	}

	walBytes := expvar.NewInt("nexusvfs_wal_bytes_written")
	walEntries := expvar.NewInt("nexusvfs_wal_entries_written")
	checkpoints := expvar.NewInt("nexusvfs_checkpoints_created")
	replications := expvar.NewInt("nexusvfs_replications_total")

	var replicator journal.Replicator
	var replicationMgr *replication.Manager
	if cfg.Replication.Enabled {
		registry := replication.NewPeerRegistry()
		for _, p := range cfg.Replication.Peers {
			registry.Register(replication.PeerDescriptor{
				PeerID:       p.PeerID,
				Address:      p.Address,
				Capabilities: p.Capabilities,
			})
		}

		level, err := replication.ParseLevel(cfg.Replication.DefaultLevel)
		if err != nil {
			return err
		}
		ackTimeout := config.ParseDuration(cfg.Replication.AckTimeout, 5*time.Second, logger)
		replicationMgr, err = replication.NewManager(replication.ManagerOptions{
			NodeID:                  nodeID,
			Registry:                registry,
			Transport:               replication.NewHTTPTransport(ackTimeout),
			DefaultLevel:            level,
			MinReplicationFactor:    cfg.Replication.MinReplicationFactor,
			TargetReplicationFactor: cfg.Replication.TargetReplicationFactor,
			MaxReplicationFactor:    cfg.Replication.MaxReplicationFactor,
			AckTimeout:              ackTimeout,
			RetryAttempts:           cfg.Replication.RetryAttempts,
			RetryBaseDelay:          config.ParseDuration(cfg.Replication.RetryBaseDelay, 100*time.Millisecond, logger),
			HistoryLimit:            cfg.Replication.HistoryLimit,
			Logger:                  logger,
			Replications:            replications,
		})
		if err != nil {
			return fmt.Errorf("failed to create replication manager: %w", err)
		}
		replicator = replicationMgr
	}

	j, err := journal.Open(journal.Options{
		DataDir:            cfg.Journal.DataDir,
		SyncMode:           wal.WALSyncMode(cfg.Journal.WAL.SyncMode),
		MaxSegmentSize:     cfg.Journal.WAL.MaxSegmentSizeBytes,
		SyncInterval:       config.ParseDuration(cfg.Journal.WAL.FlushInterval, time.Second, logger),
		CheckpointInterval: config.ParseDuration(cfg.Journal.Checkpoint.Interval, 5*time.Minute, logger),
		MaxLogSize:         cfg.Journal.Checkpoint.MaxLogSizeBytes,
		Compressor:         compressor,
		ContentStore:       cas.NewMemStore(),
		Replicator:         replicator,
		Logger:             logger,
		WALBytesWritten:    walBytes,
		WALEntriesWritten:  walEntries,
		Checkpoints:        checkpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	var replicationSrv *http.Server
	if cfg.Replication.Enabled && cfg.Replication.ListenAddress != "" {
		replicationSrv = &http.Server{
			Addr:    cfg.Replication.ListenAddress,
			Handler: server.NewReplicationHandler(j, logger),
		}
		go func() {
			logger.Info("Replication endpoint listening", "address", replicationSrv.Addr)
			if err := replicationSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Replication endpoint failed", "error", err)
			}
		}()
	}

	var metricsSrv *server.MetricsServer
	if cfg.Debug.Enabled {
		metricsSrv = server.NewMetricsServer(cfg.Debug, logger)
		go func() {
			if err := metricsSrv.Start(); err != nil {
				logger.Error("Metrics server exited", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	if metricsSrv != nil {
		metricsSrv.Stop()
	}
	if replicationSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		replicationSrv.Shutdown(ctx)
		cancel()
	}
	if replicationMgr != nil {
		replicationMgr.Close()
	}
	if err := j.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	logger.Info("Shutdown complete.")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nexusvfsd:", err)
		os.Exit(1)
	}
}
