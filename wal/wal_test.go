package wal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvfs/core"
)

// Helper to create WAL options for testing.
func testWALOptions(t *testing.T, dir string) Options {
	t.Helper()
	return Options{
		Dir:            dir,
		SyncMode:       SyncDisabled, // Use SyncDisabled for performance in tests
		MaxSegmentSize: 4 * 1024,     // 4KB, small for testing rotation
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Helper to create a slice of test journal entries.
func createTestEntries(count int, startID uint64) []*core.JournalEntry {
	entries := make([]*core.JournalEntry, count)
	for i := 0; i < count; i++ {
		id := startID + uint64(i)
		entries[i] = &core.JournalEntry{
			EntryID:   id,
			Op:        core.OpCreateFile,
			Path:      fmt.Sprintf("/files/file-%d.txt", id),
			ContentID: core.ContentID(fmt.Sprintf("content-%d", id)),
			Metadata:  map[string]string{"owner": "tester"},
			Timestamp: int64(1000 + id),
			Status:    core.StatusPending,
		}
	}
	return entries
}

func readAll(t *testing.T, w *WAL, from core.LogPosition) []*core.JournalEntry {
	t.Helper()
	it := w.ReadFrom(from)
	defer it.Close()
	var out []*core.JournalEntry
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, entry)
	}
	require.NoError(t, it.Err())
	return out
}

func TestOpenWAL_New(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err, "Opening a new WAL should not fail")
	require.NotNil(t, w)
	defer w.Close()

	assert.Equal(t, uint64(1), w.ActiveSegmentIndex(), "A new WAL should start with segment index 1")
}

func TestWAL_AppendAndReadBack(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	w, err := Open(opts)
	require.NoError(t, err)

	entries := createTestEntries(5, 1)
	for _, entry := range entries {
		pos, err := w.Append(entry)
		require.NoError(t, err)
		assert.Equal(t, entry.EntryID, pos.EntryID)
	}

	got := readAll(t, w, core.LogPosition{})
	require.Len(t, got, 5)
	for i, entry := range got {
		assert.Equal(t, entries[i].EntryID, entry.EntryID)
		assert.Equal(t, entries[i].Path, entry.Path)
		assert.Equal(t, entries[i].ContentID, entry.ContentID)
		assert.Equal(t, entries[i].Metadata, entry.Metadata)
	}
	require.NoError(t, w.Close())

	// Re-open and read back again: entries survive restart.
	w2, err := Open(opts)
	require.NoError(t, err)
	defer w2.Close()
	got = readAll(t, w2, core.LogPosition{})
	require.Len(t, got, 5)
}

func TestWAL_ReadFromPositionSkipsCoveredEntries(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	for _, entry := range createTestEntries(10, 1) {
		_, err := w.Append(entry)
		require.NoError(t, err)
	}

	got := readAll(t, w, core.LogPosition{SegmentIndex: 1, EntryID: 7})
	require.Len(t, got, 3)
	assert.Equal(t, uint64(8), got[0].EntryID)
	assert.Equal(t, uint64(10), got[2].EntryID)
}

func TestWAL_RotationOnSize(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	opts.MaxSegmentSize = 256
	w, err := Open(opts)
	require.NoError(t, err)
	defer w.Close()

	startIndex := w.ActiveSegmentIndex()
	for _, entry := range createTestEntries(20, 1) {
		_, err := w.Append(entry)
		require.NoError(t, err)
	}
	assert.Greater(t, w.ActiveSegmentIndex(), startIndex, "WAL should have rotated to new segments")

	// Rotation must not lose or reorder entries.
	got := readAll(t, w, core.LogPosition{})
	require.Len(t, got, 20)
	for i, entry := range got {
		assert.Equal(t, uint64(i+1), entry.EntryID)
	}
}

func TestWAL_Purge(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	for _, entry := range createTestEntries(3, 1) {
		_, err := w.Append(entry)
		require.NoError(t, err)
	}
	require.NoError(t, w.Rotate())
	for _, entry := range createTestEntries(3, 4) {
		_, err := w.Append(entry)
		require.NoError(t, err)
	}

	require.NoError(t, w.Purge(1))

	got := readAll(t, w, core.LogPosition{})
	require.Len(t, got, 3, "Entries in the purged segment should be gone")
	assert.Equal(t, uint64(4), got[0].EntryID)
}

func TestWAL_PurgeNeverRemovesActiveSegment(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	for _, entry := range createTestEntries(2, 1) {
		_, err := w.Append(entry)
		require.NoError(t, err)
	}
	active := w.ActiveSegmentIndex()
	require.NoError(t, w.Purge(active))

	got := readAll(t, w, core.LogPosition{})
	require.Len(t, got, 2)
}

func TestWAL_TruncatedTailIsAcceptedOnReopen(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	w, err := Open(opts)
	require.NoError(t, err)
	for _, entry := range createTestEntries(5, 1) {
		_, err := w.Append(entry)
		require.NoError(t, err)
	}
	activeIndex := w.ActiveSegmentIndex()
	require.NoError(t, w.Close())

	// Simulate a torn write: chop bytes off the end of the last segment.
	path := filepath.Join(opts.Dir, core.FormatSegmentFileName(activeIndex))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	w2, err := Open(opts)
	require.NoError(t, err)
	defer w2.Close()

	it := w2.ReadFrom(core.LogPosition{})
	defer it.Close()
	var got []*core.JournalEntry
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, entry)
	}
	require.NoError(t, it.Err(), "A torn tail must not be a fatal error")
	assert.True(t, it.Truncated())
	require.Len(t, got, 4, "The torn final record is dropped")
	assert.Equal(t, uint64(4), it.LastValid().EntryID)
}

func TestWAL_MidLogCorruptionIsFatal(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	w, err := Open(opts)
	require.NoError(t, err)
	for _, entry := range createTestEntries(3, 1) {
		_, err := w.Append(entry)
		require.NoError(t, err)
	}
	firstIndex := w.ActiveSegmentIndex()
	require.NoError(t, w.Rotate())
	for _, entry := range createTestEntries(3, 4) {
		_, err := w.Append(entry)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Damage the first (non-final) segment.
	path := filepath.Join(opts.Dir, core.FormatSegmentFileName(firstIndex))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	w2, err := Open(opts)
	require.NoError(t, err)
	defer w2.Close()

	it := w2.ReadFrom(core.LogPosition{})
	defer it.Close()
	for {
		if _, ok := it.Next(); !ok {
			break
		}
	}
	assert.Error(t, it.Err(), "Corruption followed by valid records must be fatal")
	assert.False(t, it.Truncated())
}

func TestWAL_AppendAfterCloseFails(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Append(createTestEntries(1, 1)[0])
	require.Error(t, err)
	assert.True(t, core.IsStorageError(err))
}

func TestWAL_InjectedAppendError(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	injected := fmt.Errorf("disk on fire")
	w.SetTestingOnlyInjectAppendError(injected)
	_, err = w.Append(createTestEntries(1, 1)[0])
	require.Error(t, err)
	assert.True(t, core.IsStorageError(err))
}
