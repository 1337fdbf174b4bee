// Package codec implements the pluggable byte-run compressor used by
// blocks: NONE (identity), LZ4, and LZ4HC at a configurable level. The
// compress/decompress contract (minimum compressible size, worst-case
// ratio) is part of the on-disk format and must not vary between
// implementations, or block bodies built by one instance become
// unreadable by another using different thresholds for the same
// Compression kind.
package codec

import (
	"github.com/cockroachdb/errors"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the byte-run compressor used for a store. Its
// values are the on-disk encoding (§6: one byte in the store header).
type Compression uint8

const (
	// None stores block bodies uncompressed.
	None Compression = iota
	// LZ4 compresses with LZ4 at its default (fast) level.
	LZ4
	// LZ4HC compresses with LZ4's high-compression mode at a configurable
	// level.
	LZ4HC
)

// String implements fmt.Stringer.
func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case LZ4HC:
		return "lz4hc"
	default:
		return "unknown"
	}
}

// minCompressibleSize is the smallest input Compress will attempt to
// shrink; below this LZ4's own framing overhead dominates.
const minCompressibleSize = 64

// worstCompressionRatio is the largest compressed_len/uncompressed_len
// ratio considered "worth it". Above this the caller stores the input
// uncompressed instead.
const worstCompressionRatio = 0.95

// DefaultLevel is the LZ4HC level used when a store's settings do not
// specify one explicitly.
const DefaultLevel = 9

// Codec compresses and decompresses a single byte run.
type Codec interface {
	// Kind reports the on-disk Compression this codec implements.
	Kind() Compression

	// Compress returns compressed bytes and true iff compression was
	// worthwhile per the format contract above. When it returns false,
	// the caller must store src uncompressed.
	Compress(src []byte) (dst []byte, ok bool)

	// Decompress decompresses src into a newly allocated buffer of
	// exactly dstLen bytes, or returns an error if the decompressed
	// length does not match dstLen.
	Decompress(src []byte, dstLen int) ([]byte, error)
}

// New constructs the Codec for the given Compression kind. level is only
// consulted for LZ4HC.
func New(kind Compression, level int) (Codec, error) {
	switch kind {
	case None:
		return noneCodec{}, nil
	case LZ4:
		return &lz4Codec{}, nil
	case LZ4HC:
		if level <= 0 {
			level = DefaultLevel
		}
		return &lz4hcCodec{level: lz4.CompressionLevel(level)}, nil
	default:
		return nil, errors.Newf("codec: unknown compression kind %d", kind)
	}
}

type noneCodec struct{}

func (noneCodec) Kind() Compression { return None }

// Compress always reports "not worth it": None blocks are always stored
// uncompressed, per §4.1.
func (noneCodec) Compress([]byte) ([]byte, bool) { return nil, false }

func (noneCodec) Decompress(src []byte, dstLen int) ([]byte, error) {
	if len(src) != dstLen {
		return nil, errors.Newf("codec: none decompress: got %d bytes, want %d", len(src), dstLen)
	}
	dst := make([]byte, dstLen)
	copy(dst, src)
	return dst, nil
}

type lz4Codec struct {
	ht [1 << 16]int
}

func (*lz4Codec) Kind() Compression { return LZ4 }

func (c *lz4Codec) Compress(src []byte) ([]byte, bool) {
	if len(src) < minCompressibleSize {
		return nil, false
	}
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, c.ht[:])
	if err != nil || n == 0 {
		return nil, false
	}
	if float64(n)/float64(len(src)) > worstCompressionRatio {
		return nil, false
	}
	return dst[:n], true
}

func (*lz4Codec) Decompress(src []byte, dstLen int) ([]byte, error) {
	return lz4Decompress(src, dstLen)
}

type lz4hcCodec struct {
	level lz4.CompressionLevel
}

func (*lz4hcCodec) Kind() Compression { return LZ4HC }

func (c *lz4hcCodec) Compress(src []byte) ([]byte, bool) {
	if len(src) < minCompressibleSize {
		return nil, false
	}
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlockHC(src, dst, c.level, nil, nil)
	if err != nil || n == 0 {
		return nil, false
	}
	if float64(n)/float64(len(src)) > worstCompressionRatio {
		return nil, false
	}
	return dst[:n], true
}

func (*lz4hcCodec) Decompress(src []byte, dstLen int) ([]byte, error) {
	return lz4Decompress(src, dstLen)
}

func lz4Decompress(src []byte, dstLen int) ([]byte, error) {
	dst := make([]byte, dstLen)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, errors.Wrapf(err, "codec: lz4 decompress")
	}
	if n != dstLen {
		return nil, errors.Newf("codec: lz4 decompress produced %d bytes, want %d", n, dstLen)
	}
	return dst, nil
}

// ByteValue returns the on-disk header byte for kind (§6).
func ByteValue(kind Compression) byte { return byte(kind) }

// FromByte parses the on-disk header byte into a Compression, failing if
// it is not one of the three recognised values.
func FromByte(b byte) (Compression, error) {
	switch Compression(b) {
	case None, LZ4, LZ4HC:
		return Compression(b), nil
	default:
		return 0, errors.Newf("codec: unknown compression byte %d", b)
	}
}
