// Package compress wraps the LZ4 block format used for entity batches.
package compress

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Compress encodes src as a single LZ4 block.
func Compress(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to compress block: %w", err)
	}
	return dst[:n], nil
}

// Decompress decodes an LZ4 block into at most maxOut bytes. Corrupt input
// and output that would not fit are both errors; no partial result is
// returned.
func Decompress(src []byte, maxOut int) ([]byte, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("failed to decompress block: empty input")
	}
	dst := make([]byte, maxOut)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block: %w", err)
	}
	return dst[:n], nil
}
