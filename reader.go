package docstore

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/manticoresoftware/docstore/internal/block"
	"github.com/manticoresoftware/docstore/internal/codec"
	"github.com/manticoresoftware/docstore/internal/packed"
	"github.com/manticoresoftware/docstore/internal/vfs"
)

// Reader is an immutable, concurrency-safe handle on a persisted store. It
// is opened once via Open and supports concurrent GetDoc calls from
// multiple goroutines; the only mutable state it touches per call is the
// shared block cache and reader cache in its Context, both already safe
// for concurrent use (§4.4, §5).
type Reader struct {
	ctx      *Context
	uid      uint32
	file     vfs.File
	filename string
	settings Settings
	fields   *FieldRegistry
	dir      block.Directory
	codec    codec.Codec
}

func readAt(f vfs.File, off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// Open loads a persisted store's header, field registry, and block
// directory (§4.4's Init) and returns a ready-to-use Reader. The
// underlying file remains open for positional reads until Close.
func Open(ctx *Context, fs vfs.FS, filename string) (*Reader, error) {
	f, err := fs.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "docstore: open %q", filename)
	}

	r := &Reader{
		ctx:      ctx,
		uid:      ctx.nextStoreUID(),
		file:     f,
		filename: filename,
		fields:   NewFieldRegistry(),
	}

	if err := r.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readHeader() error {
	var pos int64

	buf, err := readAt(r.file, pos, 4)
	if err != nil {
		return errors.Wrapf(err, "docstore: %q: reading storage version", r.filename)
	}
	version := binary.LittleEndian.Uint32(buf)
	if version > storageVersion {
		return errors.Newf("docstore: %q: storage version %d is newer than the supported version %d", r.filename, version, storageVersion)
	}
	pos += 4

	buf, err = readAt(r.file, pos, 4)
	if err != nil {
		return errors.Wrapf(err, "docstore: %q: reading block size", r.filename)
	}
	r.settings.BlockSize = binary.LittleEndian.Uint32(buf)
	pos += 4

	buf, err = readAt(r.file, pos, 1)
	if err != nil {
		return errors.Wrapf(err, "docstore: %q: reading compression byte", r.filename)
	}
	compression, err := codec.FromByte(buf[0])
	if err != nil {
		return errors.Wrapf(err, "docstore: %q", r.filename)
	}
	r.settings.Compression = compression
	pos += 1

	r.codec, err = codec.New(compression, 0)
	if err != nil {
		return errors.Wrapf(err, "docstore: %q", r.filename)
	}

	// The field registry's on-disk span is variable-length, so read
	// everything from here to end of file once and let Deserialize report
	// how much of it the registry actually consumed; the block count and
	// directory offset immediately follow.
	size, err := r.file.Size()
	if err != nil {
		return errors.Wrapf(err, "docstore: %q: stat", r.filename)
	}
	tail, err := readAt(r.file, pos, int(size-pos))
	if err != nil {
		return errors.Wrapf(err, "docstore: %q: reading field registry", r.filename)
	}
	n, err := r.fields.Deserialize(tail)
	if err != nil {
		return errors.Wrapf(err, "docstore: %q: field registry", r.filename)
	}

	if len(tail)-n < 4+8 {
		return errors.Newf("docstore: %q: truncated trailer after field registry", r.filename)
	}
	numBlocks := binary.LittleEndian.Uint32(tail[n:])
	directoryOffset := binary.LittleEndian.Uint64(tail[n+4:])

	return r.readDirectory(directoryOffset, numBlocks)
}

func (r *Reader) readDirectory(directoryOffset uint64, numBlocks uint32) error {
	if numBlocks == 0 {
		r.dir.Finalize(directoryOffset)
		return nil
	}

	size, err := r.file.Size()
	if err != nil {
		return errors.Wrapf(err, "docstore: %q: stat", r.filename)
	}
	tail := size - int64(directoryOffset)
	if tail < 0 {
		return errors.Newf("docstore: %q: directory offset %d beyond end of file (size %d)", r.filename, directoryOffset, size)
	}
	buf, err := readAt(r.file, int64(directoryOffset), int(tail))
	if err != nil {
		return errors.Wrapf(err, "docstore: %q: reading block directory", r.filename)
	}

	r.dir.Entries = make([]block.Entry, 0, numBlocks)
	var prevRowID uint32
	var prevOffset uint64
	pos := 0
	for i := uint32(0); i < numBlocks; i++ {
		e, n, err := block.ReadEntry(buf[pos:], prevRowID, prevOffset)
		if err != nil {
			return errors.Wrapf(err, "docstore: %q: directory entry %d", r.filename, i)
		}
		pos += n
		prevRowID, prevOffset = e.FirstRowID, e.Offset
		r.dir.Entries = append(r.dir.Entries, e)
	}
	r.dir.Finalize(directoryOffset)
	return nil
}

// Settings returns the block size and compression kind read from the
// store header. CompressionLevel is not stored in the file and is always
// 0 here. The bool is always true for a persistent reader (§12.1:
// MemStore has none).
func (r *Reader) Settings() (Settings, bool) { return r.settings, true }

// GetFieldID returns the index of (name, typ), or -1 if not registered.
func (r *Reader) GetFieldID(name string, typ DataType) int {
	return r.fields.Lookup(name, typ)
}

// CreateReader lazily creates a buffered file reader for session, sized
// relative to the store's block size (§4.4, §4.6). It is a no-op if the
// buffer would not exceed a single block or the global budget is full.
func (r *Reader) CreateReader(session *Session) {
	r.ctx.readerTable.CreateReader(session.ID(), r.uid, r.file, r.settings.BlockSize)
}

// Close evicts this store's entries from the shared block cache and
// reader cache (§5's shared-resource teardown policy), then closes the
// underlying file. The Reader must not be used afterward.
func (r *Reader) Close() error {
	r.ctx.blockCache.EvictAll(r.uid)
	r.ctx.readerTable.DeleteStore(r.uid)
	return r.file.Close()
}

// readFromFile fills a length-byte buffer starting at offset, using
// session's buffered reader if one exists for this store, else issuing a
// direct positional read (§4.4).
func (r *Reader) readFromFile(session *Session, offset uint64, length int) ([]byte, error) {
	if session != nil {
		if rdr, ok := r.ctx.readerTable.Get(session.ID(), r.uid); ok {
			buf := make([]byte, length)
			if err := rdr.ReadAt(buf, int64(offset)); err != nil {
				return nil, errors.Wrapf(err, "docstore: %q: buffered read at %d", r.filename, offset)
			}
			return buf, nil
		}
	}
	buf, err := readAt(r.file, int64(offset), length)
	if err != nil {
		return nil, errors.Wrapf(err, "docstore: %q: read at %d", r.filename, offset)
	}
	return buf, nil
}

// buildFieldMapping translates an optional ascending field-id subset into
// a per-registry-index destination slot, or -1 if that field was not
// requested (§4.4's field_in_rset). fieldIDs == nil requests every field
// in registry order.
func (r *Reader) buildFieldMapping(fieldIDs []int) (rset []int, numOut int) {
	numFields := r.fields.Len()
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
			panic(errors.AssertionFailedf("docstore: GetDoc: field id %d out of range [0,%d)", fid, numFields))
		}
		if slot > 0 && fid <= fieldIDs[slot-1] {
			panic(errors.AssertionFailedf("docstore: GetDoc: field ids not strictly ascending at position %d", slot))
		}
		rset[fid] = slot
	}
	return rset, len(fieldIDs)
}

func encodeField(typ DataType, data []byte, pack bool) []byte {
	if pack {
		return packed.Append(nil, data)
	}
	if typ == Text {
		out := make([]byte, len(data)+1)
		copy(out, data)
		return out
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// GetDoc materialises a subset of one document's fields (§4.4). fieldIDs,
// if non-nil, must be a strictly ascending sequence of registry field
// indices; nil requests every field in registry order. session may be nil
// to force direct positional reads. An unknown rowID returns (nil, nil).
func (r *Reader) GetDoc(rowID uint32, fieldIDs []int, session *Session, pack bool) ([][]byte, error) {
	entry, ok := r.dir.Find(rowID)
	if !ok {
		return nil, nil
	}
	if entry.Type == block.Big && rowID != entry.FirstRowID {
		return nil, nil
	}

	rset, numOut := r.buildFieldMapping(fieldIDs)
	result := make([][]byte, numOut)

	if entry.Type == block.Small {
		found, err := r.getDocFromSmallBlock(entry, rowID, rset, result, session, pack)
		if err == nil && !found {
			return nil, nil
		}
		return result, err
	}
	return result, r.getDocFromBigBlock(entry, rset, result, session, pack)
}

func (r *Reader) smallBlockBody(entry *block.Entry, session *Session) ([]byte, func(), error) {
	if h, ok := r.ctx.blockCache.Find(r.uid, entry.Offset); ok {
		return h.Data(), h.Release, nil
	}

	raw, err := r.readFromFile(session, entry.Offset, int(entry.Size))
	if err != nil {
		return nil, nil, err
	}

	pos := 0
	flags := block.Flags(raw[pos])
	pos++
	numDocs64, n := binary.Uvarint(raw[pos:])
	if n <= 0 {
		return nil, nil, errors.Newf("docstore: %q: small block at %d: truncated doc count", r.filename, entry.Offset)
	}
	pos += n
	uncompressedLen, n := binary.Uvarint(raw[pos:])
	if n <= 0 {
		return nil, nil, errors.Newf("docstore: %q: small block at %d: truncated uncompressed length", r.filename, entry.Offset)
	}
	pos += n
	_ = numDocs64

	var body []byte
	if flags&block.FlagCompressed != 0 {
		compressedLen, n := binary.Uvarint(raw[pos:])
		if n <= 0 {
			return nil, nil, errors.Newf("docstore: %q: small block at %d: truncated compressed length", r.filename, entry.Offset)
		}
		pos += n
		payload := raw[pos : pos+int(compressedLen)]
		body, err = r.codec.Decompress(payload, int(uncompressedLen))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "docstore: %q: small block at %d", r.filename, entry.Offset)
		}
	} else {
		payload := raw[pos : pos+int(uncompressedLen)]
		body = append([]byte(nil), payload...)
	}

	if h, ok := r.ctx.blockCache.Add(r.uid, entry.Offset, body); ok {
		return h.Data(), h.Release, nil
	}
	return body, func() {}, nil
}

func (r *Reader) getDocFromSmallBlock(entry *block.Entry, rowID uint32, rset []int, result [][]byte, session *Session, pack bool) (bool, error) {
	body, release, err := r.smallBlockBody(entry, session)
	if err != nil {
		return false, err
	}
	defer release()

	targetIndex := int(rowID - entry.FirstRowID)
	numFields := r.fields.Len()

	pos := 0
	for i := 0; ; i++ {
		if pos >= len(body) {
			// rowID lies past the last doc stored in this block.
			return false, nil
		}
		if i == targetIndex {
			pos, err = block.DecodeSmallBlockDoc(body, pos, numFields, func(fieldIndex int, data []byte) {
				if slot := rset[fieldIndex]; slot >= 0 {
					result[slot] = encodeField(r.fields.Field(fieldIndex).Type, data, pack)
				}
			})
			return true, err
		}
		pos, err = block.DecodeSmallBlockDoc(body, pos, numFields, nil)
		if err != nil {
			return false, err
		}
	}
}

func (r *Reader) getDocFromBigBlock(entry *block.Entry, rset []int, result [][]byte, session *Session, pack bool) error {
	hdrBuf, err := r.readFromFile(session, entry.Offset, int(entry.HeaderSize))
	if err != nil {
		return err
	}

	numFields := r.fields.Len()
	order, storages, err := block.DecodeBigBlockHeader(hdrBuf, numFields)
	if err != nil {
		return errors.Wrapf(err, "docstore: %q: big block at %d", r.filename, entry.Offset)
	}

	cursor := entry.Offset + uint64(entry.HeaderSize)
	for _, orig := range order {
		fs := storages[orig]
		typ := r.fields.Field(orig).Type
		slot := rset[orig]

		if fs.Empty {
			if slot >= 0 {
				result[slot] = encodeField(typ, nil, pack)
			}
			continue
		}

		size := fs.CompressedLen
		if !fs.Compressed {
			size = fs.UncompressedLen
		}

		if slot < 0 {
			cursor += uint64(size)
			continue
		}

		data, release, err := r.readBigField(cursor, fs, session)
		if err != nil {
			return err
		}
		result[slot] = encodeField(typ, data, pack)
		defer release()
		cursor += uint64(size)
	}
	return nil
}

func (r *Reader) readBigField(offset uint64, fs block.FieldStorage, session *Session) ([]byte, func(), error) {
	if h, ok := r.ctx.blockCache.Find(r.uid, offset); ok {
		return h.Data(), h.Release, nil
	}

	size := fs.CompressedLen
	if !fs.Compressed {
		size = fs.UncompressedLen
	}
	raw, err := r.readFromFile(session, offset, int(size))
	if err != nil {
		return nil, nil, err
	}

	var body []byte
	if fs.Compressed {
		body, err = r.codec.Decompress(raw, int(fs.UncompressedLen))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "docstore: %q: big block field at %d", r.filename, offset)
		}
	} else {
		body = raw
	}

	if h, ok := r.ctx.blockCache.Add(r.uid, offset, body); ok {
		return h.Data(), h.Release, nil
	}
	return body, func() {}, nil
}
