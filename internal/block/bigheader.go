package block

import (
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"
)

// FieldStorage describes how one field of a big-block document is stored
// on disk, indexed by its registry field index.
type FieldStorage struct {
	Empty           bool
	Compressed      bool
	UncompressedLen uint32
	CompressedLen   uint32
}

// storedSize is the number of bytes this field actually occupies on disk.
func (fs FieldStorage) storedSize() uint32 {
	if fs.Compressed {
		return fs.CompressedLen
	}
	return fs.UncompressedLen
}

// ComputeBigBlockOrder decides the file order of fields for a big block.
// Per §4.3 and §9, reordering triggers when any later field is smaller
// (in stored size) than some earlier field — i.e. the natural order is
// not already non-decreasing by stored size — and when triggered, the
// file order is the full ascending sort by stored size, not just a
// swap of the offending pair.
func ComputeBigBlockOrder(storages []FieldStorage) (order []int, reordered bool) {
	n := len(storages)
	order = make([]int, n)
	for i := range order {
		order[i] = i
	}

	maxSoFar := uint32(0)
	for i, fs := range storages {
		size := fs.storedSize()
		if i > 0 && size < maxSoFar {
			reordered = true
		}
		if size > maxSoFar {
			maxSoFar = size
		}
	}
	if !reordered {
		return order, false
	}

	sort.SliceStable(order, func(a, b int) bool {
		return storages[order[a]].storedSize() < storages[order[b]].storedSize()
	})
	return order, true
}

// EncodeBigBlockHeader builds the big-block header bytes (§4.3, §6):
// block_flags, the optional field-reorder permutation, then per-field
// metadata in file order.
func EncodeBigBlockHeader(order []int, storages []FieldStorage, reordered bool) []byte {
	var dst []byte
	var flags Flags
	if reordered {
		flags |= FlagFieldReorder
	}
	dst = append(dst, byte(flags))

	var buf [binary.MaxVarintLen64]byte
	if reordered {
		for _, orig := range order {
			n := binary.PutUvarint(buf[:], uint64(orig))
			dst = append(dst, buf[:n]...)
		}
	}

	for _, orig := range order {
		fs := storages[orig]
		var ff FieldFlags
		if fs.Compressed {
			ff |= FieldCompressed
		}
		if fs.Empty {
			ff |= FieldEmpty
		}
		dst = append(dst, byte(ff))
		if fs.Empty {
			continue
		}
		n := binary.PutUvarint(buf[:], uint64(fs.UncompressedLen))
		dst = append(dst, buf[:n]...)
		if fs.Compressed {
			n = binary.PutUvarint(buf[:], uint64(fs.CompressedLen))
			dst = append(dst, buf[:n]...)
		}
	}
	return dst
}

// DecodeBigBlockHeader parses a big-block header, returning the file
// order (sequence of original field indices) and per-original-index
// field metadata.
func DecodeBigBlockHeader(buf []byte, numFields int) (order []int, storages []FieldStorage, err error) {
	if len(buf) == 0 {
		return nil, nil, errors.Newf("block: big block: empty header")
	}
	pos := 0
	flags := Flags(buf[pos])
	pos++
	reordered := flags&FlagFieldReorder != 0

	order = make([]int, numFields)
	if reordered {
		for i := 0; i < numFields; i++ {
			v, n := binary.Uvarint(buf[pos:])
			if n <= 0 {
				return nil, nil, errors.Newf("block: big block: truncated field reorder map")
			}
			pos += n
			order[i] = int(v)
		}
	} else {
		for i := range order {
			order[i] = i
		}
	}

	storages = make([]FieldStorage, numFields)
	for _, orig := range order {
		if pos >= len(buf) {
			return nil, nil, errors.Newf("block: big block: truncated field flags")
		}
		ff := FieldFlags(buf[pos])
		pos++

		fs := FieldStorage{
			Empty:      ff&FieldEmpty != 0,
			Compressed: ff&FieldCompressed != 0,
		}
		if !fs.Empty {
			v, n := binary.Uvarint(buf[pos:])
			if n <= 0 {
				return nil, nil, errors.Newf("block: big block: truncated uncompressed length")
			}
			pos += n
			fs.UncompressedLen = uint32(v)

			if fs.Compressed {
				v, n := binary.Uvarint(buf[pos:])
				if n <= 0 {
					return nil, nil, errors.Newf("block: big block: truncated compressed length")
				}
				pos += n
				fs.CompressedLen = uint32(v)
			}
		}
		storages[orig] = fs
	}
	return order, storages, nil
}
