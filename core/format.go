package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and other protocol-level identifiers used across the journal.

// --- Magic Numbers ---
const (
	// JournalMagicNumber identifies a journal log segment file.
	JournalMagicNumber uint32 = 0x4A524E4C // "JRNL"
	// CheckpointMagicNumber identifies a checkpoint file.
	CheckpointMagicNumber uint32 = 0x54504B43 // "CKPT"
)

// --- File Names & Prefixes ---
const (
	// SegmentFileSuffix is the suffix for journal log segment files.
	SegmentFileSuffix = ".wal"
	// CheckpointFileName is the name of the current checkpoint file.
	CheckpointFileName = "CHECKPOINT"
	// LogDirName is the subdirectory holding log segments.
	LogDirName = "log"
	// CheckpointDirName is the subdirectory holding checkpoints.
	CheckpointDirName = "checkpoints"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// --- Default Sizes & Limits ---
const (
	// DefaultMaxSegmentSize is the default maximum size for a log segment file.
	DefaultMaxSegmentSize = 64 * 1024 * 1024 // 64 MB
)

// FormatSegmentFileName creates a segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, SegmentFileSuffix)
}

// ParseSegmentFileName extracts the index from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, SegmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not a journal segment file", name)
	}
	name = strings.TrimSuffix(name, SegmentFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

// FormatTempFilename builds a temporary file name for write-and-rename.
func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}
