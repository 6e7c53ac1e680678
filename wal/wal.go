package wal

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/INLOpen/nexusvfs/core"
	"github.com/INLOpen/nexusvfs/hooks"
	"github.com/INLOpen/nexusvfs/sys"
)

// WALSyncMode defines how frequently the WAL is synced to disk.
type WALSyncMode string

const (
	SyncAlways   WALSyncMode = "always"   // Sync after every append (highest durability, lowest performance)
	SyncInterval WALSyncMode = "interval" // Sync periodically, driven by the journal's flush timer
	SyncDisabled WALSyncMode = "disabled" // No sync (for testing/benchmarking, high risk of data loss)
)

// WAL is the durable, ordered, append-only store of journal entries. It
// manages a directory of segment files.
type WAL struct {
	dir  string
	mu   sync.Mutex
	opts Options

	activeSegment  *SegmentWriter
	segmentIndexes []uint64

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int

	logger      *slog.Logger
	hookManager hooks.HookManager

	testingOnlyInjectAppendError error
}

// Options holds configuration for the WAL.
type Options struct {
	Dir            string
	SyncMode       WALSyncMode
	MaxSegmentSize int64
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Logger         *slog.Logger
	HookManager    hooks.HookManager
}

// Open creates or opens a WAL directory and prepares it for appending.
// Appends always go to a fresh segment so a torn tail from a crash is never
// extended; recovery of existing entries is the caller's job via ReadFrom.
func Open(opts Options) (*WAL, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "WAL_default")
	} else {
		opts.Logger = opts.Logger.With("component", "WAL")
	}
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = core.DefaultMaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncInterval
	}

	if err := sys.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:                   opts.Dir,
		opts:                  opts,
		logger:                opts.Logger,
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
		hookManager:           opts.HookManager,
	}

	if err := w.loadSegments(); err != nil {
		return nil, fmt.Errorf("failed to load WAL segments: %w", err)
	}

	if err := w.rotateLocked(); err != nil {
		return nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}

	return w, nil
}

// loadSegments scans the WAL directory and populates the segmentIndexes slice.
func (w *WAL) loadSegments() error {
	files, err := sys.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", w.dir, err)
	}

	w.segmentIndexes = make([]uint64, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		index, err := core.ParseSegmentFileName(file.Name())
		if err == nil {
			w.segmentIndexes = append(w.segmentIndexes, index)
		}
	}
	sort.Slice(w.segmentIndexes, func(i, j int) bool {
		return w.segmentIndexes[i] < w.segmentIndexes[j]
	})
	return nil
}

// SetTestingOnlyInjectAppendError sets an error that Append will return.
func (w *WAL) SetTestingOnlyInjectAppendError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectAppendError = err
}

// Append writes a single journal entry as one framed record and returns the
// position it was written at. A failed append never partially writes a
// record visible to readers: the CRC framing makes a torn write detectable.
func (w *WAL) Append(entry *core.JournalEntry) (core.LogPosition, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.testingOnlyInjectAppendError != nil {
		return core.LogPosition{}, core.NewStorageError("wal.append", w.testingOnlyInjectAppendError)
	}
	if w.activeSegment == nil {
		return core.LogPosition{}, core.NewStorageError("wal.append", errors.New("wal is closed or not open for writing"))
	}

	var payload bytes.Buffer
	if err := encodeEntryData(&payload, entry); err != nil {
		return core.LogPosition{}, fmt.Errorf("failed to encode journal entry: %w", err)
	}
	payloadBytes := payload.Bytes()
	newRecordSize := int64(len(payloadBytes) + 8) // +4 length, +4 checksum

	// Rotate if the current segment already contains at least one record and
	// adding this one would exceed the max size. A single oversized record is
	// still allowed into an otherwise empty segment.
	headerSize := int64((&core.FileHeader{}).Size())
	if w.activeSegment.LogicalSize() > headerSize && (w.activeSegment.LogicalSize()+newRecordSize) > w.opts.MaxSegmentSize {
		w.logger.Debug("Rotating WAL segment due to size", "current_size", w.activeSegment.LogicalSize(), "new_record_size", newRecordSize, "max_size", w.opts.MaxSegmentSize)
		if err := w.rotateLocked(); err != nil {
			return core.LogPosition{}, core.NewStorageError("wal.rotate", err)
		}
	}

	if err := w.activeSegment.WriteRecord(payloadBytes); err != nil {
		return core.LogPosition{}, core.NewStorageError("wal.append", err)
	}

	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(newRecordSize)
	}
	if w.metricsEntriesWritten != nil {
		w.metricsEntriesWritten.Add(1)
	}

	if w.opts.SyncMode == SyncAlways {
		if err := w.activeSegment.Sync(); err != nil {
			return core.LogPosition{}, core.NewStorageError("wal.sync", err)
		}
	}

	return core.LogPosition{SegmentIndex: w.activeSegment.Index(), EntryID: entry.EntryID}, nil
}

// Sync flushes buffered data of the active segment to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return nil
	}
	if err := w.activeSegment.Sync(); err != nil {
		return core.NewStorageError("wal.sync", err)
	}
	return nil
}

// Rotate manually triggers a segment rotation.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return nil // Already closed
	}

	closeErr := w.activeSegment.Close()
	w.activeSegment = nil

	if closeErr != nil {
		w.logger.Error("Error during WAL close.", "error", closeErr)
	} else {
		w.logger.Info("WAL closed.")
	}
	return closeErr
}

// Purge deletes segment files with index less than or equal to the given
// index. The active segment is never removed.
func (w *WAL) Purge(upToIndex uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var remainingIndexes []uint64
	var purgedCount int
	for _, index := range w.segmentIndexes {
		if index <= upToIndex {
			if w.activeSegment != nil && w.activeSegment.Index() == index {
				w.logger.Warn("Skipping purge of active WAL segment", "index", index)
				remainingIndexes = append(remainingIndexes, index)
				continue
			}
			path := filepath.Join(w.dir, core.FormatSegmentFileName(index))
			if err := sys.Remove(path); err != nil {
				w.logger.Error("Failed to purge WAL segment", "path", path, "error", err)
			} else {
				purgedCount++
			}
		} else {
			remainingIndexes = append(remainingIndexes, index)
		}
	}
	w.segmentIndexes = remainingIndexes
	if purgedCount > 0 {
		w.logger.Info("Purged WAL segments", "count", purgedCount, "up_to_index", upToIndex)
	}
	return nil
}

// Path returns the directory path of the WAL.
func (w *WAL) Path() string {
	return w.dir
}

// ActiveSegmentIndex returns the index of the current active segment file,
// or 0 if the WAL is closed.
func (w *WAL) ActiveSegmentIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return 0
	}
	return w.activeSegment.Index()
}

// Size returns the total logical size of all live segments.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	var total int64
	for _, index := range w.segmentIndexes {
		if w.activeSegment != nil && w.activeSegment.Index() == index {
			total += w.activeSegment.LogicalSize()
			continue
		}
		path := filepath.Join(w.dir, core.FormatSegmentFileName(index))
		if reader, err := OpenSegmentForRead(path); err == nil {
			if size, err := reader.Size(); err == nil {
				total += size
			}
			reader.Close()
		}
	}
	return total
}

// rotateLocked creates a new segment file for writing. Must be called with
// the lock held.
func (w *WAL) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(w.segmentIndexes) > 0 {
		nextIndex = w.segmentIndexes[len(w.segmentIndexes)-1] + 1
	}

	newSegment, err := CreateSegment(w.dir, nextIndex)
	if err != nil {
		return err
	}

	var oldIndex uint64
	if w.activeSegment != nil {
		oldIndex = w.activeSegment.Index()
		if err := w.activeSegment.Close(); err != nil {
			w.logger.Error("failed to close active segment during rotation", "path", w.activeSegment.path, "error", err)
			// Continue anyway, we need a new segment
		}
	}

	w.activeSegment = newSegment
	w.segmentIndexes = append(w.segmentIndexes, nextIndex)
	w.logger.Info("Rotated to new WAL segment", "index", nextIndex, "path", newSegment.path)

	if w.hookManager != nil && oldIndex > 0 {
		payload := hooks.PostWALRotatePayload{
			OldSegmentIndex: oldIndex,
			NewSegmentIndex: newSegment.Index(),
			NewSegmentPath:  newSegment.path,
		}
		// Background context: internal, non-request-driven event.
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALRotateEvent(payload))
	}
	return nil
}

// segmentsFrom returns a snapshot of segment indexes >= the given index.
func (w *WAL) segmentsFrom(index uint64) []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]uint64, 0, len(w.segmentIndexes))
	for _, segIndex := range w.segmentIndexes {
		if segIndex >= index {
			out = append(out, segIndex)
		}
	}
	return out
}

// flushActive flushes buffered writes so a subsequent reader sees them. It
// does not force an fsync.
func (w *WAL) flushActive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return nil
	}
	return w.activeSegment.Flush()
}
