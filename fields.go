package docstore

import (
	"encoding/binary"
	"strconv"

	"github.com/cockroachdb/errors"
)

// DataType is the storage type of a field: TEXT (one trailing NUL stripped
// on input, optionally re-appended on output) or BINARY (stored as-is).
type DataType uint8

const (
	// Text fields have their trailing NUL byte stripped on ingest.
	Text DataType = iota
	// Binary fields are stored and returned byte-for-byte.
	Binary
)

func (t DataType) String() string {
	if t == Binary {
		return "binary"
	}
	return "text"
}

// Field is one field descriptor: its name, its type, and its zero-based
// position in the registry.
type Field struct {
	Name  string
	Type  DataType
	Index int
}

// FieldRegistry is the ordered list of field descriptors for a store.
// It is append-only during build and read-only after load; the registry
// serialised into a store's header is exactly the one used to interpret
// every block in that file (§3).
type FieldRegistry struct {
	fields []Field
	byKey  map[string]int
}

// NewFieldRegistry returns an empty registry.
func NewFieldRegistry() *FieldRegistry {
	return &FieldRegistry{byKey: make(map[string]int)}
}

func fieldKey(name string, typ DataType) string {
	return strconv.Itoa(int(typ)) + name
}

// Add appends a field and returns its assigned index. Names are not
// unique across types, so lookup keys on (type, name).
func (r *FieldRegistry) Add(name string, typ DataType) int {
	idx := len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Type: typ, Index: idx})
	r.byKey[fieldKey(name, typ)] = idx
	return idx
}

// Lookup returns the field index for (name, type), or -1 if not found.
func (r *FieldRegistry) Lookup(name string, typ DataType) int {
	idx, ok := r.byKey[fieldKey(name, typ)]
	if !ok {
		return -1
	}
	return idx
}

// Len returns the number of registered fields.
func (r *FieldRegistry) Len() int { return len(r.fields) }

// Field returns the descriptor for field index i.
func (r *FieldRegistry) Field(i int) Field { return r.fields[i] }

// Fields returns the registered fields in registry order. The returned
// slice must not be mutated.
func (r *FieldRegistry) Fields() []Field { return r.fields }

// Serialize appends the registry's on-disk encoding to dst (§4.2, §6):
// u32 count, then count x (u8 type, length-prefixed name).
func (r *FieldRegistry) Serialize(dst []byte) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(r.fields)))
	dst = append(dst, tmp[:]...)
	for _, f := range r.fields {
		dst = append(dst, byte(f.Type))
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(f.Name)))
		dst = append(dst, tmp[:]...)
		dst = append(dst, f.Name...)
	}
	return dst
}

// Deserialize parses a registry from src, returning the number of bytes
// consumed. The registry must be empty beforehand.
func (r *FieldRegistry) Deserialize(src []byte) (int, error) {
	if len(r.fields) != 0 {
		return 0, errors.AssertionFailedf("docstore: Deserialize called on a non-empty field registry")
	}
	if len(src) < 4 {
		return 0, errors.Newf("docstore: field registry: truncated count")
	}
	count := binary.LittleEndian.Uint32(src)
	pos := 4
	for i := uint32(0); i < count; i++ {
		if pos+1 > len(src) {
			return 0, errors.Newf("docstore: field registry: truncated field %d", i)
		}
		typ := DataType(src[pos])
		pos++
		if pos+4 > len(src) {
			return 0, errors.Newf("docstore: field registry: truncated name length for field %d", i)
		}
		nameLen := binary.LittleEndian.Uint32(src[pos:])
		pos += 4
		if pos+int(nameLen) > len(src) {
			return 0, errors.Newf("docstore: field registry: truncated name for field %d", i)
		}
		name := string(src[pos : pos+int(nameLen)])
		pos += int(nameLen)
		r.Add(name, typ)
	}
	return pos, nil
}
