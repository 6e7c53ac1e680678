package journal

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexusvfs/checkpoint"
	"github.com/INLOpen/nexusvfs/compressors"
	"github.com/INLOpen/nexusvfs/core"
	"github.com/INLOpen/nexusvfs/hooks"
	"github.com/INLOpen/nexusvfs/wal"
)

// Replicator consumes journal entries after they have been made durable and
// applied locally. Replication outcomes never fail the originating
// filesystem operation; they are reported separately by the replication
// manager.
type Replicator interface {
	Replicate(ctx context.Context, entry core.JournalEntry)
}

// Options holds configuration for opening a Journal.
type Options struct {
	DataDir            string
	SyncMode           wal.WALSyncMode
	MaxSegmentSize     int64
	SyncInterval       time.Duration // WAL flush cadence when SyncMode is "interval"
	CheckpointInterval time.Duration
	MaxLogSize         int64 // checkpoint when the log grows past this, 0 disables
	Compressor         core.Compressor
	ContentStore       core.ContentStore
	Replicator         Replicator
	Logger             *slog.Logger
	HookManager        hooks.HookManager

	WALBytesWritten   *expvar.Int
	WALEntriesWritten *expvar.Int
	Checkpoints       *expvar.Int
}

// OperationResult is returned by every public journal operation. On failure
// ErrorType carries a machine-readable code and Message a human-readable
// description; the accompanying error supports errors.Is inspection.
type OperationResult struct {
	Success   bool
	EntryID   uint64
	ContentID core.ContentID
	ErrorType core.ErrorCode
	Message   string
}

// Stats summarizes journal activity.
type Stats struct {
	TotalEntries        uint64
	PendingEntries      uint64 // applied but not yet covered by a checkpoint
	CompletedEntries    uint64
	CheckpointedEntries uint64
	FailedOperations    uint64
	LastCheckpointTime  time.Time
	LogSizeBytes        int64
	OperationCounts     map[string]uint64
}

// Journal is the public-facing filesystem journal: it appends WAL entries,
// applies them to the in-memory virtual filesystem state, and coordinates
// checkpointing and recovery. All mutating operations on one node serialize
// through its lock, so WAL order and state order always agree.
type Journal struct {
	mu    sync.RWMutex
	state *fsState

	wal          *wal.WAL
	manager      *checkpoint.Manager
	contentStore core.ContentStore
	replicator   Replicator
	logger       *slog.Logger
	hookManager  hooks.HookManager
	ownsHooks    bool

	closed         bool
	nextEntryID    uint64
	checkpointedID uint64
	failedOps      uint64
	opCounts       map[core.OperationType]uint64

	bgCancel context.CancelFunc
	bgWg     sync.WaitGroup
}

var _ checkpoint.Source = (*Journal)(nil)

// Open opens (or creates) a journal under opts.DataDir and runs the recovery
// protocol before accepting operations: load the latest checkpoint, then
// replay every entry at a strictly greater log position in log order.
func Open(opts Options) (*Journal, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "FilesystemJournal")
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewSnappyCompressor()
	}

	hookManager := opts.HookManager
	ownsHooks := false
	if hookManager == nil {
		hookManager = hooks.NewHookManager(opts.Logger)
		ownsHooks = true
	}

	logDir := filepath.Join(opts.DataDir, core.LogDirName)
	ckptDir := filepath.Join(opts.DataDir, core.CheckpointDirName)

	w, err := wal.Open(wal.Options{
		Dir:            logDir,
		SyncMode:       opts.SyncMode,
		MaxSegmentSize: opts.MaxSegmentSize,
		BytesWritten:   opts.WALBytesWritten,
		EntriesWritten: opts.WALEntriesWritten,
		Logger:         opts.Logger,
		HookManager:    hookManager,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal log: %w", err)
	}

	j := &Journal{
		wal:          w,
		contentStore: opts.ContentStore,
		replicator:   opts.Replicator,
		logger:       logger,
		hookManager:  hookManager,
		ownsHooks:    ownsHooks,
		opCounts:     make(map[core.OperationType]uint64),
	}

	if err := j.recover(ckptDir); err != nil {
		w.Close()
		return nil, err
	}

	manager, err := checkpoint.NewManager(j, checkpoint.ManagerOptions{
		Dir:         ckptDir,
		Interval:    opts.CheckpointInterval,
		MaxLogSize:  opts.MaxLogSize,
		Compressor:  opts.Compressor,
		Logger:      opts.Logger,
		HookManager: hookManager,
		Checkpoints: opts.Checkpoints,
	})
	if err != nil {
		w.Close()
		return nil, err
	}
	j.manager = manager

	bgCtx, cancel := context.WithCancel(context.Background())
	j.bgCancel = cancel
	if opts.SyncInterval > 0 && opts.SyncMode != wal.SyncAlways {
		j.bgWg.Add(1)
		go j.flushLoop(bgCtx, opts.SyncInterval)
	}
	if opts.CheckpointInterval > 0 || opts.MaxLogSize > 0 {
		j.bgWg.Add(1)
		go func() {
			defer j.bgWg.Done()
			manager.Run(bgCtx)
		}()
	}

	return j, nil
}

// recover loads the latest valid checkpoint and replays newer log entries.
func (j *Journal) recover(ckptDir string) error {
	snapshot, found, err := checkpoint.Read(ckptDir)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var startPos core.LogPosition
	if found {
		j.state = restoreState(snapshot)
		j.checkpointedID = snapshot.Position.LastEntryID
		startPos = core.LogPosition{
			SegmentIndex: snapshot.Position.LastSegmentIndex,
			EntryID:      snapshot.Position.LastEntryID,
		}
		j.logger.Info("Loaded checkpoint",
			"last_segment_index", snapshot.Position.LastSegmentIndex,
			"last_entry_id", snapshot.Position.LastEntryID)
	} else {
		j.state = newFSState()
		j.logger.Info("No checkpoint found, starting from empty state")
	}

	lastID := startPos.EntryID
	replayed := 0
	it := j.wal.ReadFrom(startPos)
	defer it.Close()
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		j.state.apply(entry)
		j.opCounts[entry.Op]++
		if entry.EntryID > lastID {
			lastID = entry.EntryID
		}
		replayed++
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("recovery failed on corrupt log record: %w", err)
	}
	if it.Truncated() {
		// A torn write at the tail is expected after a crash; the unwritten
		// tail is lost, not fatal.
		j.logger.Warn("Recovery stopped at truncated log tail", "last_valid_entry", it.LastValid().EntryID)
	}

	j.nextEntryID = lastID + 1
	j.logger.Info("Recovery complete", "replayed_entries", replayed, "next_entry_id", j.nextEntryID)

	j.hookManager.Trigger(context.Background(), hooks.NewPostWALRecoveryEvent(hooks.PostWALRecoveryPayload{
		ReplayedEntries: replayed,
		LastPosition:    it.LastValid(),
		TailTruncated:   it.Truncated(),
	}))
	return nil
}

// flushLoop periodically flushes buffered WAL writes to stable storage.
func (j *Journal) flushLoop(ctx context.Context, interval time.Duration) {
	defer j.bgWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.wal.Sync(); err != nil {
				j.logger.Error("Periodic WAL sync failed", "error", err)
			}
		}
	}
}

// CreateDirectory journals a directory creation. Missing intermediate
// directories are synthesized, not reported as errors.
func (j *Journal) CreateDirectory(ctx context.Context, path string, metadata map[string]string) (OperationResult, error) {
	path = normalizePath(path)
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return j.failLocked(core.ErrClosed)
	}
	if _, isFile := j.state.files[path]; isFile {
		return j.failLocked(fmt.Errorf("%w: %s is a file", core.ErrPathConflict, path))
	}
	if err := j.checkAncestorsLocked(path); err != nil {
		return j.failLocked(err)
	}

	entry := j.newEntryLocked(core.OpCreateDirectory, path, metadata)
	entry.IsDirectory = true
	return j.commitLocked(ctx, entry)
}

// CreateFile stores the content in the external content-addressed store and
// journals the resulting path-to-content mapping.
func (j *Journal) CreateFile(ctx context.Context, path string, data []byte, metadata map[string]string) (OperationResult, error) {
	path = normalizePath(path)
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return j.failLocked(core.ErrClosed)
	}
	if _, isDir := j.state.directories[path]; isDir {
		return j.failLocked(fmt.Errorf("%w: %s is a directory", core.ErrPathConflict, path))
	}
	if err := j.checkAncestorsLocked(path); err != nil {
		return j.failLocked(err)
	}
	if j.contentStore == nil {
		return j.failLocked(errors.New("no content store configured"))
	}

	cid, err := j.contentStore.Put(ctx, data)
	if err != nil {
		return j.failLocked(fmt.Errorf("content store put failed: %w", err))
	}

	entry := j.newEntryLocked(core.OpCreateFile, path, metadata)
	entry.ContentID = cid
	return j.commitLocked(ctx, entry)
}

// Rename atomically moves a file or directory as a single journal entry:
// after a crash, recovery applies the entry or not at all, so exactly one of
// the two paths exists.
func (j *Journal) Rename(ctx context.Context, oldPath, newPath string) (OperationResult, error) {
	oldPath = normalizePath(oldPath)
	newPath = normalizePath(newPath)
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return j.failLocked(core.ErrClosed)
	}
	_, isFile := j.state.files[oldPath]
	_, isDir := j.state.directories[oldPath]
	if !isFile && !isDir {
		return j.failLocked(fmt.Errorf("%w: %s", core.ErrNotFound, oldPath))
	}
	if _, exists := j.state.files[newPath]; exists {
		return j.failLocked(fmt.Errorf("%w: %s already exists", core.ErrPathConflict, newPath))
	}
	if _, exists := j.state.directories[newPath]; exists {
		return j.failLocked(fmt.Errorf("%w: %s already exists", core.ErrPathConflict, newPath))
	}
	if isDir && strings.HasPrefix(newPath, oldPath+"/") {
		return j.failLocked(fmt.Errorf("%w: cannot rename %s into its own subtree", core.ErrPathConflict, oldPath))
	}
	if err := j.checkAncestorsLocked(newPath); err != nil {
		return j.failLocked(err)
	}

	entry := j.newEntryLocked(core.OpRename, oldPath, nil)
	entry.TargetPath = newPath
	entry.IsDirectory = isDir
	return j.commitLocked(ctx, entry)
}

// UpdateMetadata merges a patch into a path's metadata: keys in the patch
// overwrite, other keys are preserved.
func (j *Journal) UpdateMetadata(ctx context.Context, path string, patch map[string]string) (OperationResult, error) {
	path = normalizePath(path)
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return j.failLocked(core.ErrClosed)
	}
	_, isFile := j.state.files[path]
	_, isDir := j.state.directories[path]
	if !isFile && !isDir {
		return j.failLocked(fmt.Errorf("%w: %s", core.ErrNotFound, path))
	}

	entry := j.newEntryLocked(core.OpUpdateMetadata, path, patch)
	entry.IsDirectory = isDir
	return j.commitLocked(ctx, entry)
}

// Mount grafts externally-sourced content into the namespace without
// invoking the content store.
func (j *Journal) Mount(ctx context.Context, path string, contentID core.ContentID, isDirectory bool, metadata map[string]string) (OperationResult, error) {
	path = normalizePath(path)
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return j.failLocked(core.ErrClosed)
	}
	if isDirectory {
		if _, isFile := j.state.files[path]; isFile {
			return j.failLocked(fmt.Errorf("%w: %s is a file", core.ErrPathConflict, path))
		}
	} else {
		if _, isDir := j.state.directories[path]; isDir {
			return j.failLocked(fmt.Errorf("%w: %s is a directory", core.ErrPathConflict, path))
		}
	}
	if err := j.checkAncestorsLocked(path); err != nil {
		return j.failLocked(err)
	}

	entry := j.newEntryLocked(core.OpMount, path, metadata)
	entry.ContentID = contentID
	entry.IsDirectory = isDirectory
	return j.commitLocked(ctx, entry)
}

// Delete removes a file mapping, or an empty directory. A directory with any
// live child is refused with NotEmpty.
func (j *Journal) Delete(ctx context.Context, path string) (OperationResult, error) {
	path = normalizePath(path)
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return j.failLocked(core.ErrClosed)
	}

	if _, isFile := j.state.files[path]; isFile {
		entry := j.newEntryLocked(core.OpDelete, path, nil)
		return j.commitLocked(ctx, entry)
	}
	if _, isDir := j.state.directories[path]; isDir {
		if path == "/" {
			return j.failLocked(fmt.Errorf("%w: cannot delete root directory", core.ErrPathConflict))
		}
		if j.state.hasChildren(path) {
			return j.failLocked(fmt.Errorf("%w: %s", core.ErrNotEmpty, path))
		}
		entry := j.newEntryLocked(core.OpDelete, path, nil)
		entry.IsDirectory = true
		return j.commitLocked(ctx, entry)
	}
	return j.failLocked(fmt.Errorf("%w: %s", core.ErrNotFound, path))
}

// CreateCheckpoint synchronously flushes the WAL, snapshots the filesystem
// state, and persists a checkpoint.
func (j *Journal) CreateCheckpoint(ctx context.Context) (OperationResult, error) {
	j.mu.RLock()
	closed := j.closed
	j.mu.RUnlock()
	if closed {
		return OperationResult{Success: false, ErrorType: core.CodeClosed, Message: core.ErrClosed.Error()}, core.ErrClosed
	}

	pos, err := j.manager.Checkpoint(ctx)
	if err != nil {
		j.mu.Lock()
		j.failedOps++
		j.mu.Unlock()
		return OperationResult{Success: false, ErrorType: core.CodeOf(err), Message: err.Error()}, err
	}
	return OperationResult{Success: true, EntryID: pos.LastEntryID}, nil
}

// GetJournalStats returns counters describing journal activity. It reads a
// consistent snapshot and may run concurrently with writers.
func (j *Journal) GetJournalStats() Stats {
	j.mu.RLock()
	total := j.nextEntryID
	if total > 0 {
		total--
	}
	pending := uint64(0)
	if total > j.checkpointedID {
		pending = total - j.checkpointedID
	}
	counts := make(map[string]uint64, len(j.opCounts))
	for op, n := range j.opCounts {
		counts[op.String()] = n
	}
	stats := Stats{
		TotalEntries:        total,
		PendingEntries:      pending,
		CompletedEntries:    total,
		CheckpointedEntries: j.checkpointedID,
		FailedOperations:    j.failedOps,
		OperationCounts:     counts,
	}
	j.mu.RUnlock()

	// Queried outside the journal lock: the checkpoint manager calls back
	// into the journal while holding its own lock.
	stats.LastCheckpointTime = j.manager.LastCheckpointTime()
	stats.LogSizeBytes = j.wal.Size()
	return stats
}

// Lookup returns the content identifier mapped at a file path.
func (j *Journal) Lookup(path string) (core.ContentID, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	cid, ok := j.state.files[normalizePath(path)]
	return cid, ok
}

// IsDirectory reports whether the path names a known directory.
func (j *Journal) IsDirectory(path string) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	_, ok := j.state.directories[normalizePath(path)]
	return ok
}

// GetMetadata returns a copy of the metadata stored for a path.
func (j *Journal) GetMetadata(path string) (map[string]string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	md, ok := j.state.metadata[normalizePath(path)]
	if !ok {
		return nil, false
	}
	copied := make(map[string]string, len(md))
	for k, v := range md {
		copied[k] = v
	}
	return copied, true
}

// List returns the sorted names of a directory's direct children.
func (j *Journal) List(path string) ([]string, error) {
	path = normalizePath(path)
	j.mu.RLock()
	defer j.mu.RUnlock()
	if _, ok := j.state.directories[path]; !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
	}
	return j.state.children(path), nil
}

// Close flushes pending writes and releases resources. Subsequent operations
// fail with Closed.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	j.bgCancel()
	j.bgWg.Wait()
	if j.ownsHooks {
		j.hookManager.Stop()
	}

	syncErr := j.wal.Sync()
	closeErr := j.wal.Close()
	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return closeErr
	}
	j.logger.Info("Journal closed.")
	return nil
}

// CaptureSnapshot implements checkpoint.Source. The journal lock is held
// only long enough to copy the in-memory state and seal the current log
// segment; checkpoint I/O runs without it.
func (j *Journal) CaptureSnapshot() (core.FilesystemSnapshot, error) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return core.FilesystemSnapshot{}, core.ErrClosed
	}
	snap := j.state.snapshot()
	lastID := j.nextEntryID
	if lastID > 0 {
		lastID--
	}
	if err := j.wal.Sync(); err != nil {
		j.mu.Unlock()
		return core.FilesystemSnapshot{}, err
	}
	lastSegment := j.wal.ActiveSegmentIndex()
	if err := j.wal.Rotate(); err != nil {
		j.mu.Unlock()
		return core.FilesystemSnapshot{}, core.NewStorageError("wal.rotate", err)
	}
	j.mu.Unlock()

	snap.Position = core.Checkpoint{LastSegmentIndex: lastSegment, LastEntryID: lastID}
	snap.CreatedAt = time.Now().UnixNano()
	return snap, nil
}

// TruncateLog implements checkpoint.Source: it retires log segments wholly
// covered by the checkpoint and advances the checkpointed watermark.
func (j *Journal) TruncateLog(upTo core.Checkpoint) error {
	if err := j.wal.Purge(upTo.LastSegmentIndex); err != nil {
		return err
	}
	j.mu.Lock()
	if upTo.LastEntryID > j.checkpointedID {
		j.checkpointedID = upTo.LastEntryID
	}
	j.mu.Unlock()
	return nil
}

// LogSize implements checkpoint.Source.
func (j *Journal) LogSize() int64 {
	return j.wal.Size()
}

// newEntryLocked builds the next journal entry. The entry ID is only
// consumed once the append succeeds.
func (j *Journal) newEntryLocked(op core.OperationType, path string, metadata map[string]string) *core.JournalEntry {
	return &core.JournalEntry{
		EntryID:   j.nextEntryID,
		Op:        op,
		Path:      path,
		Metadata:  metadata,
		Timestamp: time.Now().UnixNano(),
		Status:    core.StatusPending,
	}
}

// commitLocked appends the entry to the WAL, applies it to the in-memory
// state, and hands it to the replicator. Must be called with the write lock
// held.
func (j *Journal) commitLocked(ctx context.Context, entry *core.JournalEntry) (OperationResult, error) {
	if err := j.hookManager.Trigger(ctx, hooks.NewPreJournalAppendEvent(hooks.PreJournalAppendPayload{Entry: entry})); err != nil {
		return j.failLocked(fmt.Errorf("operation cancelled by pre-hook: %w", err))
	}

	pos, err := j.wal.Append(entry)
	if err != nil {
		j.failedOps++
		return OperationResult{Success: false, ErrorType: core.CodeOf(err), Message: err.Error()}, err
	}
	j.nextEntryID = entry.EntryID + 1

	entry.Status = core.StatusApplied
	j.state.apply(entry)
	j.opCounts[entry.Op]++

	j.hookManager.Trigger(ctx, hooks.NewPostJournalApplyEvent(hooks.PostJournalApplyPayload{
		Entry:    *entry,
		Position: pos,
	}))

	if j.replicator != nil {
		// Fire-and-forget: replication outcomes are observed through the
		// replication manager, never through this operation's result.
		replicated := *entry
		go j.replicator.Replicate(context.Background(), replicated)
	}

	return OperationResult{Success: true, EntryID: entry.EntryID, ContentID: entry.ContentID}, nil
}

// checkAncestorsLocked verifies no ancestor of path is a live file.
func (j *Journal) checkAncestorsLocked(path string) error {
	for p := parentOf(path); ; p = parentOf(p) {
		if _, isFile := j.state.files[p]; isFile {
			return fmt.Errorf("%w: ancestor %s is a file", core.ErrPathConflict, p)
		}
		if p == "/" {
			return nil
		}
	}
}

// failLocked records a failed operation and shapes its result.
func (j *Journal) failLocked(err error) (OperationResult, error) {
	j.failedOps++
	return OperationResult{
		Success:   false,
		ErrorType: core.CodeOf(err),
		Message:   err.Error(),
	}, err
}
