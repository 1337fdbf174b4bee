package docstore

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/manticoresoftware/docstore/internal/block"
	"github.com/manticoresoftware/docstore/internal/codec"
	"github.com/manticoresoftware/docstore/internal/vfs"
)

const storageVersion = 1

// pendingDoc is one document buffered in memory until the next flush.
type pendingDoc struct {
	rowID  uint32
	fields [][]byte
}

// Builder accepts (RowID, Doc) pairs in strictly ascending, contiguous
// RowID order, groups them into size-bounded blocks, and appends a
// trailing block directory on Finalize (§4.3).
type Builder struct {
	settings Settings
	fields   *FieldRegistry
	codec    codec.Codec
	file     vfs.File

	pending    []pendingDoc
	pendingLen uint32
	nextRowID  uint32

	numBlocks       uint32
	prevBlockRowID  uint32
	prevBlockOffset uint64
	pos             uint64
	headerOffset    uint64
	dirBuf          []byte

	headerWritten bool
	finalized     bool

	// scratch reused across writeSmallBlock calls to avoid reallocating
	// the uncompressed scratch buffer for every block.
	scratch []byte
}

// NewBuilder creates a Builder that writes to filename on fs.
func NewBuilder(fs vfs.FS, filename string, settings Settings) (*Builder, error) {
	c, err := codec.New(settings.Compression, settings.CompressionLevel)
	if err != nil {
		return nil, err
	}
	f, err := fs.Create(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "docstore: create %q", filename)
	}
	return &Builder{
		settings: settings,
		fields:   NewFieldRegistry(),
		codec:    c,
		file:     f,
	}, nil
}

// AddField registers a field, returning its index. Fields must be added
// before any AddDoc call.
func (b *Builder) AddField(name string, typ DataType) int {
	if b.finalized {
		panic(errors.AssertionFailedf("docstore: AddField called after Finalize"))
	}
	return b.fields.Add(name, typ)
}

// GetFieldID returns the index of (name, typ), or -1 if not registered.
func (b *Builder) GetFieldID(name string, typ DataType) int {
	return b.fields.Lookup(name, typ)
}

func (b *Builder) writeAndAdvance(p []byte) error {
	n, err := b.file.Write(p)
	b.pos += uint64(n)
	if err != nil {
		return errors.Wrapf(err, "docstore: write")
	}
	return nil
}

func (b *Builder) writeInitialHeader() error {
	var hdr []byte
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], storageVersion)
	hdr = append(hdr, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], b.settings.BlockSize)
	hdr = append(hdr, tmp[:]...)
	hdr = append(hdr, codec.ByteValue(b.settings.Compression))
	hdr = b.fields.Serialize(hdr)

	if err := b.writeAndAdvance(hdr); err != nil {
		return err
	}

	b.headerOffset = b.pos

	// Reserve space for block count (u32) and directory offset (u64),
	// patched in during Finalize.
	var reserved [4 + 8]byte
	if err := b.writeAndAdvance(reserved[:]); err != nil {
		return err
	}
	b.headerWritten = true
	return nil
}

// AddDoc appends one document. row_id must equal the number of documents
// already added (RowIDs are dense and contiguous within a build); a
// mismatched RowID or a field-count mismatch is a precondition violation
// and panics, per §7 and SPEC_FULL.md §12.5.
func (b *Builder) AddDoc(rowID uint32, doc Doc) error {
	if len(doc.Fields) != b.fields.Len() {
		panic(errors.AssertionFailedf("docstore: AddDoc: doc has %d fields, registry has %d", len(doc.Fields), b.fields.Len()))
	}
	if rowID != b.nextRowID {
		panic(errors.AssertionFailedf("docstore: AddDoc: expected row id %d, got %d", b.nextRowID, rowID))
	}

	var rawLen uint32
	for _, f := range doc.Fields {
		rawLen += uint32(len(f))
	}

	if b.pendingLen+rawLen > b.settings.BlockSize {
		if err := b.flush(); err != nil {
			return err
		}
	}

	stored := make([][]byte, len(doc.Fields))
	for i, f := range doc.Fields {
		if b.fields.Field(i).Type == Text && len(f) > 0 && f[len(f)-1] == 0 {
			f = f[:len(f)-1]
		}
		cp := make([]byte, len(f))
		copy(cp, f)
		stored[i] = cp
	}

	b.pending = append(b.pending, pendingDoc{rowID: rowID, fields: stored})
	b.pendingLen += rawLen
	b.nextRowID++
	return nil
}

// flush is WriteBlock in the original: write the initial header on first
// use (even if there is nothing else to flush yet), then, if there are
// pending docs, choose SMALL vs BIG and write the block body.
func (b *Builder) flush() error {
	if !b.headerWritten {
		if err := b.writeInitialHeader(); err != nil {
			return err
		}
	}
	if len(b.pending) == 0 {
		return nil
	}

	// A block is BIG iff there is exactly one pending doc and its raw
	// length is >= block_size; the threshold was tested before the last
	// AddDoc, so two or more docs always yield a small block (§4.3).
	big := len(b.pending) == 1 && b.pendingLen >= b.settings.BlockSize

	var err error
	if big {
		err = b.writeBigBlock()
	} else {
		err = b.writeSmallBlock()
	}
	if err != nil {
		return err
	}

	b.numBlocks++
	b.pending = b.pending[:0]
	b.pendingLen = 0
	return nil
}

func (b *Builder) appendDirectoryEntry(e block.Entry) {
	b.dirBuf = block.WriteEntry(b.dirBuf, e, b.prevBlockRowID, b.prevBlockOffset)
	b.prevBlockRowID = e.FirstRowID
	b.prevBlockOffset = e.Offset
}

func (b *Builder) writeSmallBlock() error {
	numFields := b.fields.Len()
	b.scratch = b.scratch[:0]
	for _, doc := range b.pending {
		b.scratch = block.EncodeSmallBlockDoc(b.scratch, doc.fields[:numFields])
	}

	compressed, ok := b.codec.Compress(b.scratch)

	blockOffset := b.pos
	b.appendDirectoryEntry(block.Entry{
		FirstRowID: b.pending[0].rowID,
		Type:       block.Small,
		Offset:     blockOffset,
	})

	var hdr []byte
	var flags block.Flags
	if ok {
		flags |= block.FlagCompressed
	}
	hdr = append(hdr, byte(flags))

	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(b.pending)))
	hdr = append(hdr, tmp[:n]...)
	n = binary.PutUvarint(tmp[:], uint64(len(b.scratch)))
	hdr = append(hdr, tmp[:n]...)
	if ok {
		n = binary.PutUvarint(tmp[:], uint64(len(compressed)))
		hdr = append(hdr, tmp[:n]...)
	}

	if err := b.writeAndAdvance(hdr); err != nil {
		return err
	}
	if ok {
		return b.writeAndAdvance(compressed)
	}
	return b.writeAndAdvance(b.scratch)
}

func (b *Builder) writeBigBlock() error {
	doc := b.pending[0]
	numFields := b.fields.Len()

	storages := make([]block.FieldStorage, numFields)
	bodies := make([][]byte, numFields)

	for i := 0; i < numFields; i++ {
		f := doc.fields[i]
		if len(f) == 0 {
			storages[i] = block.FieldStorage{Empty: true}
			continue
		}
		compressed, ok := b.codec.Compress(f)
		if ok {
			storages[i] = block.FieldStorage{
				Compressed:      true,
				UncompressedLen: uint32(len(f)),
				CompressedLen:   uint32(len(compressed)),
			}
			bodies[i] = compressed
		} else {
			storages[i] = block.FieldStorage{
				UncompressedLen: uint32(len(f)),
			}
			bodies[i] = f
		}
	}

	order, reordered := block.ComputeBigBlockOrder(storages)
	hdr := block.EncodeBigBlockHeader(order, storages, reordered)

	blockOffset := b.pos
	b.appendDirectoryEntry(block.Entry{
		FirstRowID: doc.rowID,
		Type:       block.Big,
		Offset:     blockOffset,
		HeaderSize: uint32(len(hdr)),
	})

	if err := b.writeAndAdvance(hdr); err != nil {
		return err
	}
	for _, orig := range order {
		if storages[orig].Empty {
			continue
		}
		if err := b.writeAndAdvance(bodies[orig]); err != nil {
			return err
		}
	}
	return nil
}

// Finalize flushes any remaining pending docs, appends the trailing
// block directory, rewrites the reserved header slots with the final
// block count and directory offset, and closes the file. The Builder
// must not be used afterward.
func (b *Builder) Finalize() error {
	if b.finalized {
		panic(errors.AssertionFailedf("docstore: Finalize called twice"))
	}
	if err := b.flush(); err != nil {
		return err
	}

	directoryOffset := b.pos
	if err := b.writeAndAdvance(b.dirBuf); err != nil {
		return err
	}

	var patch [4 + 8]byte
	binary.LittleEndian.PutUint32(patch[0:4], b.numBlocks)
	binary.LittleEndian.PutUint64(patch[4:12], directoryOffset)
	if _, err := b.file.WriteAt(patch[:], int64(b.headerOffset)); err != nil {
		return errors.Wrapf(err, "docstore: patching trailing header")
	}

	if err := b.file.Sync(); err != nil {
		return errors.Wrapf(err, "docstore: sync")
	}
	b.finalized = true
	return b.file.Close()
}
