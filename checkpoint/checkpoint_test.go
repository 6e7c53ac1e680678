package checkpoint

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvfs/compressors"
	"github.com/INLOpen/nexusvfs/core"
)

func testSnapshot() core.FilesystemSnapshot {
	return core.FilesystemSnapshot{
		Position: core.Checkpoint{LastSegmentIndex: 3, LastEntryID: 42},
		Files: map[string]core.ContentID{
			"/docs/a.txt": "cid-a",
			"/docs/b.txt": "cid-b",
		},
		Directories: []string{"/", "/docs"},
		Metadata: map[string]map[string]string{
			"/docs/a.txt": {"owner": "tester"},
		},
		CreatedAt: time.Now().UnixNano(),
	}
}

func TestCheckpoint_WriteReadRoundtrip(t *testing.T) {
	for _, name := range []string{"none", "snappy", "lz4", "zstd"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			compressor, err := compressors.ForName(name)
			require.NoError(t, err)

			want := testSnapshot()
			require.NoError(t, Write(dir, want, compressor))

			got, found, err := Read(dir)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, want.Position, got.Position)
			assert.Equal(t, want.Files, got.Files)
			assert.Equal(t, want.Directories, got.Directories)
			assert.Equal(t, want.Metadata, got.Metadata)
		})
	}
}

func TestCheckpoint_ReadMissingIsNotAnError(t *testing.T) {
	_, found, err := Read(t.TempDir())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCheckpoint_ReadRejectsCorruptPayload(t *testing.T) {
	dir := t.TempDir()
	compressor, err := compressors.ForName("snappy")
	require.NoError(t, err)
	require.NoError(t, Write(dir, testSnapshot(), compressor))

	path := filepath.Join(dir, core.CheckpointFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-6] ^= 0xFF // flip a payload byte, checksum no longer matches
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, found, err := Read(dir)
	assert.True(t, found)
	assert.Error(t, err)
}

func TestCheckpoint_WriteReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	compressor, err := compressors.ForName("none")
	require.NoError(t, err)

	first := testSnapshot()
	require.NoError(t, Write(dir, first, compressor))

	second := testSnapshot()
	second.Position = core.Checkpoint{LastSegmentIndex: 9, LastEntryID: 100}
	require.NoError(t, Write(dir, second, compressor))

	got, found, err := Read(dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second.Position, got.Position)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.CheckpointFileName, entries[0].Name())
}

type fakeSource struct {
	snapshot    core.FilesystemSnapshot
	captureErr  error
	truncated   []core.Checkpoint
	logSize     int64
	truncateErr error
}

func (f *fakeSource) CaptureSnapshot() (core.FilesystemSnapshot, error) {
	return f.snapshot, f.captureErr
}

func (f *fakeSource) TruncateLog(upTo core.Checkpoint) error {
	f.truncated = append(f.truncated, upTo)
	return f.truncateErr
}

func (f *fakeSource) LogSize() int64 { return f.logSize }

func TestManager_CheckpointPersistsAndTruncates(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{snapshot: testSnapshot()}
	m, err := NewManager(source, ManagerOptions{
		Dir:        dir,
		Compressor: compressors.NewSnappyCompressor(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	pos, err := m.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, source.snapshot.Position, pos)
	require.Len(t, source.truncated, 1)
	assert.Equal(t, pos, source.truncated[0])

	got, found, err := Read(dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, pos, got.Position)

	last, ok := m.LastPosition()
	assert.True(t, ok)
	assert.Equal(t, pos, last)
	assert.False(t, m.LastCheckpointTime().IsZero())
}

func TestManager_TruncateFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{snapshot: testSnapshot(), truncateErr: os.ErrPermission}
	m, err := NewManager(source, ManagerOptions{
		Dir:        dir,
		Compressor: compressors.NewSnappyCompressor(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	_, err = m.Checkpoint(context.Background())
	require.NoError(t, err, "a durable checkpoint with failed truncation still succeeds")
}

func TestManager_SeedsBookkeepingFromExistingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	compressor := compressors.NewSnappyCompressor()
	want := testSnapshot()
	require.NoError(t, Write(dir, want, compressor))

	m, err := NewManager(&fakeSource{}, ManagerOptions{
		Dir:        dir,
		Compressor: compressor,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	last, ok := m.LastPosition()
	require.True(t, ok)
	assert.Equal(t, want.Position, last)
}
