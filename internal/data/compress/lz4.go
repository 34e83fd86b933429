package compress

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// LZ4 implements the Compressor interface using the LZ4 algorithm.
type LZ4 struct{}

// NewLZ4 creates a new LZ4 compressor.
func NewLZ4() *LZ4 {
	return &LZ4{}
}

// Compress compresses the source byte slice using LZ4.
func (c *LZ4) Compress(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Data is incompressible: return it as is. No flag is set here;
		// callers compare lengths (block.Finalize then records the table as
		// uncompressed).
		return src, nil
	}
	return dst[:n], nil
}

// Decompress decompresses src, sizing the destination buffer generously
// since the original size isn't known to the caller.
func (c *LZ4) Decompress(src []byte) ([]byte, error) {
	return c.DecompressTo(src, 10*len(src))
}

// DecompressTo decompresses src into a buffer of exactly originalSize bytes.
// The block format always stores RawSizeBytes alongside compressed data, so
// callers know the exact size and never need the heuristic Decompress path.
func (c *LZ4) DecompressTo(src []byte, originalSize int) ([]byte, error) {
	dst := make([]byte, originalSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4 decompress: %w", err)
	}
	return dst[:n], nil
}
