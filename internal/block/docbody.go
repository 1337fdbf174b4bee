package block

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// EncodeSmallBlockDoc appends one document's small-block encoding to dst
// (§4.3's per-doc layout: doc_flags, optional empty bitmap, then each
// non-empty field as varint-length-prefixed bytes).
//
// The EMPTY_BITMASK bit is set iff there is at least one empty field and
// the bitmap is smaller than the per-field overhead of listing each empty
// field as a zero-length varint — approximated, per §4.3 and §9, as
// bitmap_bytes < empty_count.
func EncodeSmallBlockDoc(dst []byte, fields [][]byte) []byte {
	numFields := len(fields)
	emptyCount := 0
	for _, f := range fields {
		if len(f) == 0 {
			emptyCount++
		}
	}

	if emptyCount == numFields {
		return append(dst, byte(DocAllEmpty))
	}

	needsBitmask := emptyCount > 0 && BitmapBytes(numFields) < emptyCount

	var flags DocFlags
	if needsBitmask {
		flags |= DocEmptyBitmask
	}
	dst = append(dst, byte(flags))

	if needsBitmask {
		bitmapStart := len(dst)
		dst = append(dst, make([]byte, BitmapBytes(numFields))...)
		for i, f := range fields {
			if len(f) == 0 {
				SetBit(dst[bitmapStart:], i)
			}
		}
	}

	var lenBuf [binary.MaxVarintLen64]byte
	for _, f := range fields {
		if needsBitmask && len(f) == 0 {
			continue
		}
		n := binary.PutUvarint(lenBuf[:], uint64(len(f)))
		dst = append(dst, lenBuf[:n]...)
		dst = append(dst, f...)
	}
	return dst
}

// DecodeSmallBlockDoc parses one document at buf[pos:], returning the
// position just past it. If visit is non-nil, it is invoked once per
// field in registry order with the field's index and its raw bytes (a
// sub-slice of buf: the caller must copy before buf is discarded or
// reused). visit may be nil when the caller only needs to skip past a
// doc it is not interested in.
func DecodeSmallBlockDoc(buf []byte, pos int, numFields int, visit func(fieldIndex int, data []byte)) (int, error) {
	if pos >= len(buf) {
		return 0, errors.Newf("block: small block: truncated doc header")
	}
	flags := DocFlags(buf[pos])
	pos++

	if flags&DocAllEmpty != 0 {
		if visit != nil {
			for i := 0; i < numFields; i++ {
				visit(i, nil)
			}
		}
		return pos, nil
	}

	hasBitmask := flags&DocEmptyBitmask != 0
	var bitmap []byte
	if hasBitmask {
		bitmapLen := BitmapBytes(numFields)
		if pos+bitmapLen > len(buf) {
			return 0, errors.Newf("block: small block: truncated empty-field bitmap")
		}
		bitmap = buf[pos : pos+bitmapLen]
		pos += bitmapLen
	}

	for i := 0; i < numFields; i++ {
		if hasBitmask && GetBit(bitmap, i) {
			if visit != nil {
				visit(i, nil)
			}
			continue
		}
		length, n := binary.Uvarint(buf[pos:])
		if n <= 0 {
			return 0, errors.Newf("block: small block: truncated field length for field %d", i)
		}
		pos += n
		if pos+int(length) > len(buf) {
			return 0, errors.Newf("block: small block: truncated field body for field %d", i)
		}
		if visit != nil {
			visit(i, buf[pos:pos+int(length)])
		}
		pos += int(length)
	}
	return pos, nil
}
