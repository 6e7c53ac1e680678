package wal

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/INLOpen/nexusvfs/core"
)

// Iterator lazily walks journal entries at positions strictly greater than a
// starting LogPosition. It is finite and restartable: a fresh Iterator from
// the same position yields the same sequence.
//
// A truncated or corrupt record at the tail of the last segment (a torn
// write from a crash) ends iteration cleanly: Err() returns nil,
// Truncated() reports true, and LastValid() gives the last fully-read
// position. The same damage in the middle of the log is surfaced via Err().
type Iterator struct {
	wal      *WAL
	from     core.LogPosition
	segments []uint64
	segPos   int

	reader    *SegmentReader
	lastValid core.LogPosition
	truncated bool
	err       error
	done      bool

	logger *slog.Logger
}

// ReadFrom creates an Iterator over entries after the given position. It
// flushes buffered writes first so the iterator observes every appended
// record.
func (w *WAL) ReadFrom(pos core.LogPosition) *Iterator {
	if err := w.flushActive(); err != nil {
		w.logger.Warn("Failed to flush active segment before read", "error", err)
	}

	startSegment := pos.SegmentIndex
	if startSegment == 0 {
		startSegment = 1
	}
	return &Iterator{
		wal:       w,
		from:      pos,
		segments:  w.segmentsFrom(startSegment),
		lastValid: pos,
		logger:    w.logger,
	}
}

// Next returns the next entry, or (nil, false) when the sequence is
// exhausted. After false, consult Err() and Truncated().
func (it *Iterator) Next() (*core.JournalEntry, bool) {
	if it.done {
		return nil, false
	}

	for {
		if it.reader == nil {
			if it.segPos >= len(it.segments) {
				it.stop()
				return nil, false
			}
			index := it.segments[it.segPos]
			path := filepath.Join(it.wal.dir, core.FormatSegmentFileName(index))
			reader, err := OpenSegmentForRead(path)
			if err != nil {
				it.err = err
				it.stop()
				return nil, false
			}
			it.reader = reader
		}

		recordData, err := it.reader.ReadRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Clean end of this segment, move to the next.
				it.closeReader()
				it.segPos++
				continue
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorruptRecord) {
				if !it.recordsAfterCurrent() {
					// Torn write at the tail of the log. Accept the loss and
					// stop at the last valid record.
					it.logger.Warn("Truncated record at WAL tail, stopping at last valid position",
						"segment", it.segments[it.segPos], "last_valid_entry", it.lastValid.EntryID, "error", err)
					it.truncated = true
					it.stop()
					return nil, false
				}
				it.err = err
				it.stop()
				return nil, false
			}
			it.err = err
			it.stop()
			return nil, false
		}

		entry, decErr := decodeEntryData(bytes.NewReader(recordData))
		if decErr != nil {
			if !it.recordsAfterCurrent() {
				it.logger.Warn("Undecodable record at WAL tail, stopping at last valid position",
					"segment", it.segments[it.segPos], "error", decErr)
				it.truncated = true
				it.stop()
				return nil, false
			}
			it.err = decErr
			it.stop()
			return nil, false
		}

		it.lastValid = core.LogPosition{SegmentIndex: it.segments[it.segPos], EntryID: entry.EntryID}
		if entry.EntryID <= it.from.EntryID {
			// Already covered by the caller's checkpoint.
			continue
		}
		return entry, true
	}
}

// Err returns the first fatal error encountered, if any. A truncated tail is
// not an error.
func (it *Iterator) Err() error {
	return it.err
}

// Truncated reports whether iteration ended at a torn tail record.
func (it *Iterator) Truncated() bool {
	return it.truncated
}

// LastValid returns the position of the last fully-read record.
func (it *Iterator) LastValid() core.LogPosition {
	return it.lastValid
}

// Close releases the iterator's resources. It is safe to call at any point.
func (it *Iterator) Close() error {
	it.stop()
	return nil
}

// recordsAfterCurrent reports whether any segment after the current one
// contains at least one record. A damaged record followed only by empty
// segments (e.g. the fresh segment created on reopen) is a torn tail, not
// mid-log corruption.
func (it *Iterator) recordsAfterCurrent() bool {
	for _, index := range it.segments[it.segPos+1:] {
		path := filepath.Join(it.wal.dir, core.FormatSegmentFileName(index))
		reader, err := OpenSegmentForRead(path)
		if err != nil {
			return true
		}
		_, err = reader.ReadRecord()
		reader.Close()
		if !errors.Is(err, io.EOF) {
			return true
		}
	}
	return false
}

func (it *Iterator) stop() {
	it.done = true
	it.closeReader()
}

func (it *Iterator) closeReader() {
	if it.reader != nil {
		it.reader.Close()
		it.reader = nil
	}
}
