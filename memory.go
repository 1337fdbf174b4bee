package docstore

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// MemStore is the in-memory store variant used for newly ingested,
// not-yet-persisted rows (§4.7). Each row is a single allocation holding,
// per field, a varint length followed by the field's raw bytes; there is
// no block structure, no compression, and no shared cache — the whole
// point of this variant is that it is cheap to append to and cheap to
// scan for the handful of rows a session has not yet flushed to a
// persistent store.
type MemStore struct {
	fields *FieldRegistry
	docs   [][]byte
}

// NewMemStore returns an empty in-memory store using the given field
// registry. The registry is shared, not copied: it must already contain
// every field this store's docs will provide values for.
func NewMemStore(fields *FieldRegistry) *MemStore {
	return &MemStore{fields: fields}
}

func encodeMemDoc(fields *FieldRegistry, doc Doc) []byte {
	var out []byte
	var lenBuf [binary.MaxVarintLen64]byte
	for i, f := range doc.Fields {
		if fields.Field(i).Type == Text && len(f) > 0 && f[len(f)-1] == 0 {
			f = f[:len(f)-1]
		}
		n := binary.PutUvarint(lenBuf[:], uint64(len(f)))
		out = append(out, lenBuf[:n]...)
		out = append(out, f...)
	}
	return out
}

// AddDoc appends doc as rowID's value. rowID must equal the number of
// docs already stored (§4.7's dense, append-only row array); a mismatch
// or a field-count mismatch is a precondition violation and panics.
func (m *MemStore) AddDoc(rowID uint32, doc Doc) {
	if len(doc.Fields) != m.fields.Len() {
		panic(errors.AssertionFailedf("docstore: MemStore.AddDoc: doc has %d fields, registry has %d", len(doc.Fields), m.fields.Len()))
	}
	if int(rowID) != len(m.docs) {
		panic(errors.AssertionFailedf("docstore: MemStore.AddDoc: expected row id %d, got %d", len(m.docs), rowID))
	}
	m.docs = append(m.docs, encodeMemDoc(m.fields, doc))
}

// AddPackedDoc takes ownership of an already-encoded blob (in the same
// varint-length-prefixed-fields layout AddDoc produces) without
// reformatting it, mirroring the original's DocstoreRT_c::AddPackedDoc
// (§12.4).
func (m *MemStore) AddPackedDoc(rowID uint32, packedDoc []byte) {
	if int(rowID) != len(m.docs) {
		panic(errors.AssertionFailedf("docstore: MemStore.AddPackedDoc: expected row id %d, got %d", len(m.docs), rowID))
	}
	m.docs = append(m.docs, packedDoc)
}

// LeakPackedDoc returns rowID's raw encoded blob and clears the slot,
// transferring sole ownership of the backing bytes to the caller (§12.4).
// A subsequent GetDoc for rowID returns nothing.
func (m *MemStore) LeakPackedDoc(rowID uint32) []byte {
	if int(rowID) >= len(m.docs) {
		return nil
	}
	blob := m.docs[rowID]
	m.docs[rowID] = nil
	return blob
}

// GetDoc materialises a subset of one row's fields, in the same
// (fieldIDs, pack) contract as Reader.GetDoc. An out-of-range rowID or a
// leaked (nil) slot returns nil.
func (m *MemStore) GetDoc(rowID uint32, fieldIDs []int, pack bool) [][]byte {
	if int(rowID) >= len(m.docs) || m.docs[rowID] == nil {
		return nil
	}
	blob := m.docs[rowID]

	rset, numOut := m.buildFieldMapping(fieldIDs)
	result := make([][]byte, numOut)

	pos := 0
	for i := 0; i < m.fields.Len(); i++ {
		length, n := binary.Uvarint(blob[pos:])
		pos += n
		data := blob[pos : pos+int(length)]
		pos += int(length)

		if slot := rset[i]; slot >= 0 {
			result[slot] = encodeField(m.fields.Field(i).Type, data, pack)
		}
	}
	return result
}

func (m *MemStore) buildFieldMapping(fieldIDs []int) (rset []int, numOut int) {
	numFields := m.fields.Len()
	rset = make([]int, numFields)

	if fieldIDs == nil {
		for i := range rset {
			rset[i] = i
		}
		return rset, numFields
	}

	for i := range rset {
		rset[i] = -1
	}
	for slot, fid := range fieldIDs {
		if fid < 0 || fid >= numFields {
			panic(errors.AssertionFailedf("docstore: MemStore.GetDoc: field id %d out of range [0,%d)", fid, numFields))
		}
		if slot > 0 && fid <= fieldIDs[slot-1] {
			panic(errors.AssertionFailedf("docstore: MemStore.GetDoc: field ids not strictly ascending at position %d", slot))
		}
		rset[fid] = slot
	}
	return rset, len(fieldIDs)
}

// AllocatedBytes reports the heap bytes held by this store's row blobs,
// for accounting purposes (§4.7).
func (m *MemStore) AllocatedBytes() int64 {
	var total int64
	for _, d := range m.docs {
		total += int64(len(d))
	}
	return total
}

// Save serialises the whole row array as a varint count, then for each row a
// varint byte length followed by its raw encoded blob (§4.7). A leaked
// (nil) row is saved as a zero-length blob.
func (m *MemStore) Save() []byte {
	var out []byte
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], uint64(len(m.docs)))
	out = append(out, tmp[:n]...)

	for _, d := range m.docs {
		n := binary.PutUvarint(tmp[:], uint64(len(d)))
		out = append(out, tmp[:n]...)
		out = append(out, d...)
	}
	return out
}

// Load replaces this store's row array with the contents of src, as
// produced by Save. The store's field registry is left untouched: it
// must already match the registry the blobs were encoded against.
func (m *MemStore) Load(src []byte) error {
	count, n := binary.Uvarint(src)
	if n <= 0 {
		return errors.Newf("docstore: MemStore.Load: truncated row count")
	}
	pos := n

	docs := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		length, n := binary.Uvarint(src[pos:])
		if n <= 0 {
			return errors.Newf("docstore: MemStore.Load: truncated length for row %d", i)
		}
		pos += n
		if pos+int(length) > len(src) {
			return errors.Newf("docstore: MemStore.Load: truncated body for row %d", i)
		}
		blob := make([]byte, length)
		copy(blob, src[pos:pos+int(length)])
		pos += int(length)
		docs = append(docs, blob)
	}

	m.docs = docs
	return nil
}
