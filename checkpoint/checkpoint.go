package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexusvfs/compressors"
	"github.com/INLOpen/nexusvfs/core"
	"github.com/INLOpen/nexusvfs/sys"
)

// Write atomically persists a filesystem snapshot to the checkpoint file in
// the given directory using the write-and-rename strategy, so a crash during
// checkpointing never corrupts the previous checkpoint.
//
// Layout: FileHeader | payload length (4 bytes) | compressed JSON payload | CRC32.
func Write(dir string, snapshot core.FilesystemSnapshot, compressor core.Compressor) error {
	payload, err := json.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint snapshot: %w", err)
	}
	compressed, err := compressor.Compress(payload)
	if err != nil {
		return fmt.Errorf("failed to compress checkpoint payload: %w", err)
	}

	tempPath := filepath.Join(dir, core.FormatTempFilename(core.CheckpointFileName, "tmp"))
	file, err := sys.Create(tempPath)
	if err != nil {
		return core.NewStorageError("checkpoint.write", err)
	}

	header := core.NewFileHeader(core.CheckpointMagicNumber, compressor.Type())
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &header); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode checkpoint header: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(compressed))); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode checkpoint payload length: %w", err)
	}
	buf.Write(compressed)
	if err := binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(compressed)); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode checkpoint checksum: %w", err)
	}

	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		return core.NewStorageError("checkpoint.write", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return core.NewStorageError("checkpoint.sync", err)
	}
	// Close before rename for Windows compatibility.
	if err := file.Close(); err != nil {
		return core.NewStorageError("checkpoint.close", err)
	}

	finalPath := filepath.Join(dir, core.CheckpointFileName)
	if err := sys.Rename(tempPath, finalPath); err != nil {
		return core.NewStorageError("checkpoint.rename", err)
	}
	return nil
}

// Read loads the checkpoint snapshot from the given directory. The boolean
// reports whether a checkpoint file existed; a missing file is not an error.
func Read(dir string) (core.FilesystemSnapshot, bool, error) {
	path := filepath.Join(dir, core.CheckpointFileName)
	file, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.FilesystemSnapshot{}, false, nil
		}
		return core.FilesystemSnapshot{}, false, core.NewStorageError("checkpoint.open", err)
	}
	defer file.Close()

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		return core.FilesystemSnapshot{}, true, fmt.Errorf("failed to read checkpoint header: %w", err)
	}
	if header.Magic != core.CheckpointMagicNumber {
		return core.FilesystemSnapshot{}, true, fmt.Errorf("invalid checkpoint magic number: got %x, want %x", header.Magic, core.CheckpointMagicNumber)
	}

	var payloadLen uint32
	if err := binary.Read(file, binary.LittleEndian, &payloadLen); err != nil {
		return core.FilesystemSnapshot{}, true, fmt.Errorf("failed to read checkpoint payload length: %w", err)
	}
	compressed := make([]byte, payloadLen)
	if _, err := io.ReadFull(file, compressed); err != nil {
		return core.FilesystemSnapshot{}, true, fmt.Errorf("failed to read checkpoint payload: %w", err)
	}
	var storedChecksum uint32
	if err := binary.Read(file, binary.LittleEndian, &storedChecksum); err != nil {
		return core.FilesystemSnapshot{}, true, fmt.Errorf("failed to read checkpoint checksum: %w", err)
	}
	if crc32.ChecksumIEEE(compressed) != storedChecksum {
		return core.FilesystemSnapshot{}, true, fmt.Errorf("checkpoint payload checksum mismatch")
	}

	compressor, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return core.FilesystemSnapshot{}, true, fmt.Errorf("checkpoint uses unsupported compressor: %w", err)
	}
	payload, err := compressor.Decompress(compressed)
	if err != nil {
		return core.FilesystemSnapshot{}, true, fmt.Errorf("failed to decompress checkpoint payload: %w", err)
	}

	var snapshot core.FilesystemSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return core.FilesystemSnapshot{}, true, fmt.Errorf("failed to unmarshal checkpoint snapshot: %w", err)
	}
	return snapshot, true, nil
}
