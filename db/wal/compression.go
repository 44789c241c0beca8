package wal

import (
	"github.com/gogo/protobuf/proto"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

// CompressionType prefixes every record body.
type CompressionType byte

const (
	CompressionNone CompressionType = iota
	CompressionLz4
)

var ErrDecompress = errors.New("wal: error during decompress")

func lz4Compress(input []byte) []byte {
	size := proto.EncodeVarint(uint64(len(input)))
	header := len(size)
	dst := make([]byte, header+lz4.CompressBlockBound(len(input)))
	copy(dst, size)
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(input, dst[header:], ht[:])
	if err != nil || n == 0 {
		return nil
	}
	return dst[:header+n]
}

func isGoodCompressionRatio(compressed, input []byte) bool {
	cl, rl := len(compressed), len(input)
	return cl < rl-(rl/8)
}

// compressBlock returns the type-prefixed body, falling back to the raw
// input when lz4 does not pay off.
func compressBlock(input []byte) []byte {
	compressed := lz4Compress(input)
	if compressed == nil || !isGoodCompressionRatio(compressed, input) {
		return append([]byte{byte(CompressionNone)}, input...)
	}
	return append([]byte{byte(CompressionLz4)}, compressed...)
}

func decompressBlock(block []byte) ([]byte, error) {
	if len(block) == 0 {
		return nil, errors.WithStack(ErrDecompress)
	}
	switch CompressionType(block[0]) {
	case CompressionNone:
		return block[1:], nil
	case CompressionLz4:
		size, header := proto.DecodeVarint(block[1:])
		if header == 0 || size > MaxRecordSize {
			return nil, errors.WithStack(ErrDecompress)
		}
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(block[1+header:], dst)
		if err != nil || uint64(n) != size {
			return nil, errors.Wrap(ErrDecompress, "lz4 block")
		}
		return dst, nil
	}
	return nil, errors.Wrapf(ErrDecompress, "unknown compression type %d", block[0])
}
