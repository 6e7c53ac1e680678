package core

import "context"

// CompressionType identifies the compression algorithm used for checkpoint
// payloads. The value is stored on disk so readers know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// Compressor defines the interface for compression and decompression algorithms.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Type() CompressionType
}

// ContentStore is the external content-addressed storage capability the
// journal depends on. The journal references content identifiers but never
// implements blob storage itself.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (ContentID, error)
	Get(ctx context.Context, id ContentID) ([]byte, error)
}
