package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/fullbrightkay/routeweaver/internal/wire"
)

// compress LZ4-compresses data and prepends the original (uncompressed)
// length as a little-endian uint32, so the assembler can size its
// destination buffer without guessing.
func compress(data []byte) ([]byte, error) {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], uint32(len(data)))

	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, buf)
	if err != nil {
		return nil, fmt.Errorf("segment: lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible per lz4's own judgement; caller already
		// decided via entropy, but guard against a mismatch anyway.
		return nil, fmt.Errorf("segment: lz4 compress: incompressible")
	}
	return append(out[:], buf[:n]...), nil
}

// decompress reverses compress. Returns an error if the size prefix is
// missing, the declared length is absurd, or the block is corrupt —
// any of which means the caller must drop the whole message, not just
// this call.
func decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("segment: compressed payload too short")
	}
	originalLen := binary.LittleEndian.Uint32(data[:4])
	const maxReasonable = uint32(wire.MaxBodiesPerMessage) * uint32(wire.MaxPacketPayloadSize)
	if originalLen > maxReasonable {
		return nil, fmt.Errorf("segment: declared decompressed size %d exceeds bound", originalLen)
	}
	dst := make([]byte, originalLen)
	n, err := lz4.UncompressBlock(data[4:], dst)
	if err != nil {
		return nil, fmt.Errorf("segment: lz4 decompress: %w", err)
	}
	return dst[:n], nil
}
