// Package packed implements the length-prefixed "packed attribute"
// transport encoding used for a returned field's value when a reader is
// asked for pack=true output (§6). It exists as one shared helper so the
// persistent reader and the in-memory reader don't each grow their own
// copy of the same three-line encoding.
package packed

import "encoding/binary"

// Append appends data to dst as a packed attribute: a varint length
// prefix followed by the raw bytes. It returns the extended slice.
func Append(dst []byte, data []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
	dst = append(dst, lenBuf[:n]...)
	dst = append(dst, data...)
	return dst
}
