package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INLOpen/nexusvfs/core"
)

// encodeEntryData serializes a JournalEntry's data part into a writer.
// Strings and the metadata map are uvarint length-framed; fixed-width fields
// are little-endian.
func encodeEntryData(w *bytes.Buffer, entry *core.JournalEntry) error {
	if err := binary.Write(w, binary.LittleEndian, entry.EntryID); err != nil {
		return err
	}
	if err := w.WriteByte(byte(entry.Op)); err != nil {
		return err
	}
	if err := w.WriteByte(byte(entry.Status)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, entry.Timestamp); err != nil {
		return err
	}
	var dirFlag byte
	if entry.IsDirectory {
		dirFlag = 1
	}
	if err := w.WriteByte(dirFlag); err != nil {
		return err
	}

	if err := writeLenPrefixedString(w, entry.Path); err != nil {
		return err
	}
	if err := writeLenPrefixedString(w, entry.TargetPath); err != nil {
		return err
	}
	if err := writeLenPrefixedString(w, string(entry.ContentID)); err != nil {
		return err
	}

	count := uint64(len(entry.Metadata))
	if err := writeUvarint(w, count); err != nil {
		return err
	}
	for k, v := range entry.Metadata {
		if err := writeLenPrefixedString(w, k); err != nil {
			return err
		}
		if err := writeLenPrefixedString(w, v); err != nil {
			return err
		}
	}
	return nil
}

// decodeEntryData deserializes a JournalEntry's data part from a reader.
func decodeEntryData(r *bytes.Reader) (*core.JournalEntry, error) {
	entry := &core.JournalEntry{}
	if err := binary.Read(r, binary.LittleEndian, &entry.EntryID); err != nil {
		return nil, fmt.Errorf("failed to read entry id: %w", err)
	}
	opByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read operation type: %w", err)
	}
	entry.Op = core.OperationType(opByte)
	statusByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry status: %w", err)
	}
	entry.Status = core.EntryStatus(statusByte)
	if err := binary.Read(r, binary.LittleEndian, &entry.Timestamp); err != nil {
		return nil, fmt.Errorf("failed to read timestamp: %w", err)
	}
	dirFlag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read directory flag: %w", err)
	}
	entry.IsDirectory = dirFlag == 1

	if entry.Path, err = readLenPrefixedString(r); err != nil {
		return nil, fmt.Errorf("failed to read path: %w", err)
	}
	if entry.TargetPath, err = readLenPrefixedString(r); err != nil {
		return nil, fmt.Errorf("failed to read target path: %w", err)
	}
	var cid string
	if cid, err = readLenPrefixedString(r); err != nil {
		return nil, fmt.Errorf("failed to read content id: %w", err)
	}
	entry.ContentID = core.ContentID(cid)

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata count: %w", err)
	}
	if count > 0 {
		entry.Metadata = make(map[string]string, count)
		for i := uint64(0); i < count; i++ {
			k, err := readLenPrefixedString(r)
			if err != nil {
				return nil, fmt.Errorf("failed to read metadata key %d: %w", i, err)
			}
			v, err := readLenPrefixedString(r)
			if err != nil {
				return nil, fmt.Errorf("failed to read metadata value %d: %w", i, err)
			}
			entry.Metadata[k] = v
		}
	}
	return entry, nil
}

func writeUvarint(w *bytes.Buffer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func writeLenPrefixedString(w *bytes.Buffer, s string) error {
	if err := writeUvarint(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readLenPrefixedString(r *bytes.Reader) (string, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
