package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusvfs/core"
)

// ForType returns the Compressor implementation for a CompressionType.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", ct)
	}
}

// ForName resolves a compressor from its configuration name.
func ForName(name string) (core.Compressor, error) {
	switch name {
	case "", "none":
		return &NoCompressionCompressor{}, nil
	case "snappy":
		return NewSnappyCompressor(), nil
	case "lz4":
		return NewLz4Compressor(), nil
	case "zstd":
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression name: %q", name)
	}
}
