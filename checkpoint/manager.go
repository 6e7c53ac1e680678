package checkpoint

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/INLOpen/nexusvfs/core"
	"github.com/INLOpen/nexusvfs/hooks"
	"github.com/INLOpen/nexusvfs/sys"
)

// Source is the narrow view of the journal the manager needs. Capturing a
// snapshot must only hold the journal's state lock long enough to copy the
// in-memory state, never for the duration of checkpoint I/O.
type Source interface {
	// CaptureSnapshot copies the current filesystem state, syncs the WAL and
	// rotates to a fresh segment so every entry at or below the snapshot's
	// position lives in a closed segment.
	CaptureSnapshot() (core.FilesystemSnapshot, error)
	// TruncateLog retires log segments wholly covered by the checkpoint.
	TruncateLog(upTo core.Checkpoint) error
	// LogSize returns the total size of the live log in bytes.
	LogSize() int64
}

// ManagerOptions configures a checkpoint Manager.
type ManagerOptions struct {
	Dir               string
	Interval          time.Duration
	MaxLogSize        int64
	SizeCheckInterval time.Duration
	Compressor        core.Compressor
	Logger            *slog.Logger
	HookManager       hooks.HookManager
	Checkpoints       *expvar.Int
}

// Manager owns the checkpoint timer and the max-journal-size threshold. On
// whichever fires first it captures a snapshot, persists it atomically, and
// instructs the source to truncate covered log segments.
type Manager struct {
	dir    string
	opts   ManagerOptions
	source Source
	logger *slog.Logger

	mu                 sync.Mutex // serializes checkpoint creation
	lastCheckpointTime time.Time
	lastPosition       core.Checkpoint
	hasCheckpoint      bool
}

// NewManager creates a Manager writing checkpoints into opts.Dir.
func NewManager(source Source, opts ManagerOptions) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.SizeCheckInterval <= 0 {
		opts.SizeCheckInterval = 30 * time.Second
	}
	if err := sys.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", opts.Dir, err)
	}

	m := &Manager{
		dir:    opts.Dir,
		opts:   opts,
		source: source,
		logger: opts.Logger.With("component", "CheckpointManager"),
	}

	// Seed bookkeeping from an existing checkpoint so stats survive restarts.
	if snapshot, found, err := Read(opts.Dir); err == nil && found {
		m.lastPosition = snapshot.Position
		m.lastCheckpointTime = time.Unix(0, snapshot.CreatedAt)
		m.hasCheckpoint = true
	}
	return m, nil
}

// Run drives periodic checkpointing until ctx is cancelled. It should be run
// in its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	var intervalCh <-chan time.Time
	if m.opts.Interval > 0 {
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		intervalCh = ticker.C
	}

	sizeTicker := time.NewTicker(m.opts.SizeCheckInterval)
	defer sizeTicker.Stop()

	m.logger.Info("Checkpoint manager started", "interval", m.opts.Interval, "max_log_size", m.opts.MaxLogSize)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Checkpoint manager stopping")
			return
		case <-intervalCh:
			if _, err := m.Checkpoint(ctx); err != nil {
				m.logger.Error("Periodic checkpoint failed", "error", err)
			}
		case <-sizeTicker.C:
			if m.opts.MaxLogSize > 0 && m.source.LogSize() > m.opts.MaxLogSize {
				m.logger.Info("Log size threshold exceeded, creating checkpoint", "log_size", m.source.LogSize(), "max", m.opts.MaxLogSize)
				if _, err := m.Checkpoint(ctx); err != nil {
					m.logger.Error("Size-triggered checkpoint failed", "error", err)
				}
			}
		}
	}
}

// Checkpoint captures a snapshot, persists it, and truncates covered log
// segments. It returns the position the checkpoint covers.
func (m *Manager) Checkpoint(ctx context.Context) (core.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot, err := m.source.CaptureSnapshot()
	if err != nil {
		return core.Checkpoint{}, fmt.Errorf("failed to capture snapshot: %w", err)
	}

	if err := Write(m.dir, snapshot, m.opts.Compressor); err != nil {
		return core.Checkpoint{}, err
	}

	if err := m.source.TruncateLog(snapshot.Position); err != nil {
		// The checkpoint itself is durable; stale segments will be retired
		// by the next successful truncation.
		m.logger.Warn("Failed to truncate log after checkpoint", "error", err)
	}

	m.lastCheckpointTime = time.Now()
	m.lastPosition = snapshot.Position
	m.hasCheckpoint = true
	if m.opts.Checkpoints != nil {
		m.opts.Checkpoints.Add(1)
	}

	m.logger.Info("Checkpoint persisted",
		"last_segment_index", snapshot.Position.LastSegmentIndex,
		"last_entry_id", snapshot.Position.LastEntryID,
		"files", len(snapshot.Files), "directories", len(snapshot.Directories))

	if m.opts.HookManager != nil {
		payload := hooks.PostCheckpointPayload{
			Position: snapshot.Position,
			Path:     filepath.Join(m.dir, core.CheckpointFileName),
		}
		m.opts.HookManager.Trigger(ctx, hooks.NewPostCheckpointEvent(payload))
	}
	return snapshot.Position, nil
}

// LastCheckpointTime returns when the most recent checkpoint was persisted,
// or the zero time if none exists.
func (m *Manager) LastCheckpointTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheckpointTime
}

// LastPosition returns the position covered by the most recent checkpoint.
func (m *Manager) LastPosition() (core.Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPosition, m.hasCheckpoint
}
