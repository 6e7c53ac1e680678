package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexusvfs/core"
	"github.com/INLOpen/nexusvfs/sys"
)

const (
	// MaxRecordSize bounds a single framed record. A length prefix beyond
	// this is treated as a torn or corrupt write.
	MaxRecordSize = 16 * 1024 * 1024
)

// ErrCorruptRecord is returned when a record's checksum does not match its
// payload, or its length prefix is implausible.
var ErrCorruptRecord = errors.New("corrupt journal record")

// Segment represents a single journal log segment file.
type Segment struct {
	file  sys.FileHandle
	path  string
	index uint64
}

// SegmentWriter handles writing framed records to a segment. It tracks the
// logical size (header plus framed records, including bytes still buffered)
// so rotation decisions do not depend on flush timing.
type SegmentWriter struct {
	*Segment
	writer      *bufio.Writer
	logicalSize int64
}

// SegmentReader handles reading framed records from a segment.
type SegmentReader struct {
	*Segment
	reader *bufio.Reader
}

// CreateSegment creates a new segment file in the given directory.
func CreateSegment(dir string, index uint64) (*SegmentWriter, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(index))
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	header := core.NewFileHeader(core.JournalMagicNumber, core.CompressionNone)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}

	seg := &Segment{
		file:  file,
		path:  path,
		index: index,
	}
	return &SegmentWriter{
		Segment:     seg,
		writer:      bufio.NewWriter(file),
		logicalSize: int64(header.Size()),
	}, nil
}

// OpenSegmentForRead opens an existing segment file for reading and verifies
// its header.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	file, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file for reading %s: %w", path, err)
	}

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("segment file %s is empty or truncated at header", path)
		}
		return nil, fmt.Errorf("failed to read segment header from %s: %w", path, err)
	}
	if header.Magic != core.JournalMagicNumber {
		file.Close()
		return nil, fmt.Errorf("invalid magic number in segment %s: got %x, want %x", path, header.Magic, core.JournalMagicNumber)
	}

	index, err := core.ParseSegmentFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("could not parse segment index from path %s: %w", path, err)
	}

	seg := &Segment{
		file:  file,
		path:  path,
		index: index,
	}
	return &SegmentReader{
		Segment: seg,
		reader:  bufio.NewReader(file),
	}, nil
}

// WriteRecord writes a single record to the segment.
// Format: length (4 bytes) | data (variable) | checksum (4 bytes)
func (sw *SegmentWriter) WriteRecord(data []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}

	if err := binary.Write(sw.writer, binary.LittleEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := sw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	checksum := crc32.ChecksumIEEE(data)
	if err := binary.Write(sw.writer, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write record checksum: %w", err)
	}
	sw.logicalSize += int64(len(data)) + 8
	return nil
}

// LogicalSize returns the header-plus-records size of the segment, counting
// bytes that may still be buffered.
func (sw *SegmentWriter) LogicalSize() int64 {
	return sw.logicalSize
}

// ReadRecord reads and verifies a single record from the segment.
// It returns io.EOF at a clean end of the segment, io.ErrUnexpectedEOF when
// the final record is truncated, and ErrCorruptRecord on checksum mismatch.
func (sr *SegmentReader) ReadRecord() ([]byte, error) {
	return readRecord(sr.reader)
}

func readRecord(r *bufio.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		// A clean EOF here means the previous record was the last one.
		return nil, err
	}
	if length > MaxRecordSize {
		return nil, fmt.Errorf("%w: record length %d exceeds limit", ErrCorruptRecord, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var storedChecksum uint32
	if err := binary.Read(r, binary.LittleEndian, &storedChecksum); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if crc32.ChecksumIEEE(data) != storedChecksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	return data, nil
}

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *SegmentWriter) Sync() error {
	if sw.file == nil {
		return os.ErrClosed
	}
	if err := sw.writer.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Flush flushes buffered writes to the OS without forcing an fsync.
func (sw *SegmentWriter) Flush() error {
	if sw.file == nil {
		return os.ErrClosed
	}
	return sw.writer.Flush()
}

// Close flushes and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}

// Index returns the segment's index.
func (s *Segment) Index() uint64 {
	return s.index
}

// Size returns the current size of the segment file on disk.
func (s *Segment) Size() (int64, error) {
	if s.file == nil {
		return 0, os.ErrClosed
	}
	stat, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}
