// Package block defines the on-disk block format shared by the builder
// and the reader: block/doc/field flag bits, the small-block empty-field
// bitmap, and the block directory with its delta coding (§4.3, §4.4,
// §6 of the format spec).
package block

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Type distinguishes a small block (many docs, one compressed unit) from
// a big block (one oversized doc, per-field compression).
type Type uint8

const (
	// Small packs multiple docs with consecutive RowIDs into one unit.
	Small Type = 0
	// Big holds exactly one doc whose fields are compressed and stored
	// independently, optionally reordered by stored size.
	Big Type = 1
)

func (t Type) String() string {
	if t == Big {
		return "big"
	}
	return "small"
}

// Flags are the per-block flag bits (the first byte of a block body).
type Flags uint8

const (
	// FlagCompressed indicates the small-block body is stored compressed.
	FlagCompressed Flags = 1 << 0
	// FlagFieldReorder indicates a big block's fields were permuted by
	// ascending stored size, with the permutation stored before the
	// per-field metadata.
	FlagFieldReorder Flags = 1 << 1
)

// DocFlags are the per-document flag bits inside a small block's body.
type DocFlags uint8

const (
	// DocAllEmpty means every field of this doc is empty; no further
	// bytes follow for the doc.
	DocAllEmpty DocFlags = 1 << 0
	// DocEmptyBitmask means an empty-field bitmap follows the flags byte.
	DocEmptyBitmask DocFlags = 1 << 1
)

// FieldFlags are the per-field flag bits inside a big block's header.
type FieldFlags uint8

const (
	// FieldCompressed indicates this field's body is compressed.
	FieldCompressed FieldFlags = 1 << 0
	// FieldEmpty indicates this field has a zero-length value; no
	// metadata beyond the flags byte, and no body bytes, follow.
	FieldEmpty FieldFlags = 1 << 1
)

// BitmapWords returns the number of 32-bit little-endian words needed to
// hold one bit per field, per §9's fixed-width design decision (the
// original's native-word bitmap is a portability hazard; this format
// fixes the word width at 32 bits).
func BitmapWords(numFields int) int {
	return (numFields + 31) / 32
}

// BitmapBytes returns the byte length of the empty-field bitmap for
// numFields fields.
func BitmapBytes(numFields int) int {
	return BitmapWords(numFields) * 4
}

// SetBit sets bit i (0-based) in a bitmap produced by BitmapBytes.
func SetBit(bitmap []byte, i int) {
	word := i / 32
	bit := uint(i % 32)
	binary.LittleEndian.PutUint32(bitmap[word*4:], binary.LittleEndian.Uint32(bitmap[word*4:])|(1<<bit))
}

// GetBit reports whether bit i is set in a bitmap produced by BitmapBytes.
func GetBit(bitmap []byte, i int) bool {
	word := i / 32
	bit := uint(i % 32)
	return binary.LittleEndian.Uint32(bitmap[word*4:])&(1<<bit) != 0
}

// Entry is one block directory entry: the block's first RowID, its type,
// its file offset, its on-disk body size (computed at load time from the
// following entry's offset), and, for big blocks, the header size.
type Entry struct {
	FirstRowID uint32
	Type       Type
	Offset     uint64
	Size       uint64
	HeaderSize uint32
}

// Directory is the in-memory, sorted-by-FirstRowID block index the reader
// loads from the trailing directory. The builder keeps no Directory; it
// appends encoded entries with WriteEntry.
type Directory struct {
	Entries []Entry
}

// Find returns the entry whose range [FirstRowID, next.FirstRowID)
// contains rowID, or false if rowID falls before the first block.
func (d *Directory) Find(rowID uint32) (*Entry, bool) {
	if len(d.Entries) == 0 {
		return nil, false
	}
	// binary search for the first entry with FirstRowID > rowID
	lo, hi := 0, len(d.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if d.Entries[mid].FirstRowID > rowID {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == 0 {
		return nil, false
	}
	return &d.Entries[lo-1], true
}

// WriteEntry appends the delta-coded directory entry for e, given the
// previous entry's RowID and Offset (0, 0 for the first entry).
func WriteEntry(dst []byte, e Entry, prevRowID uint32, prevOffset uint64) []byte {
	var buf [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(buf[:], uint64(e.FirstRowID-prevRowID))
	dst = append(dst, buf[:n]...)

	dst = append(dst, byte(e.Type))

	n = binary.PutUvarint(buf[:], e.Offset-prevOffset)
	dst = append(dst, buf[:n]...)

	if e.Type == Big {
		n = binary.PutUvarint(buf[:], uint64(e.HeaderSize))
		dst = append(dst, buf[:n]...)
	}
	return dst
}

// ReadEntry reads one delta-coded directory entry from src, returning the
// entry, the number of bytes consumed, and any format error.
func ReadEntry(src []byte, prevRowID uint32, prevOffset uint64) (Entry, int, error) {
	var e Entry
	pos := 0

	rowDelta, n := binary.Uvarint(src[pos:])
	if n <= 0 {
		return e, 0, errors.Newf("block: directory: truncated row id delta")
	}
	pos += n

	if pos >= len(src) {
		return e, 0, errors.Newf("block: directory: truncated block type")
	}
	e.Type = Type(src[pos])
	if e.Type != Small && e.Type != Big {
		return e, 0, errors.Newf("block: directory: unknown block type %d", src[pos])
	}
	pos++

	offDelta, n := binary.Uvarint(src[pos:])
	if n <= 0 {
		return e, 0, errors.Newf("block: directory: truncated offset delta")
	}
	pos += n

	e.FirstRowID = prevRowID + uint32(rowDelta)
	e.Offset = prevOffset + offDelta

	if e.Type == Big {
		hdr, n := binary.Uvarint(src[pos:])
		if n <= 0 {
			return e, 0, errors.Newf("block: directory: truncated header size")
		}
		pos += n
		e.HeaderSize = uint32(hdr)
	}

	return e, pos, nil
}

// Finalize fills in each entry's Size from the following entry's Offset
// (or from trailingOffset for the last entry), per §4.4's "each block's
// body length is next.offset - this.offset" rule.
func (d *Directory) Finalize(trailingOffset uint64) {
	for i := 1; i < len(d.Entries); i++ {
		d.Entries[i-1].Size = d.Entries[i].Offset - d.Entries[i-1].Offset
	}
	if len(d.Entries) > 0 {
		last := &d.Entries[len(d.Entries)-1]
		last.Size = trailingOffset - last.Offset
	}
}
