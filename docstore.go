// Package docstore implements the document store core of a full-text
// search engine: a persistent, block-structured, compressed
// row-oriented store mapping a dense RowID to a vector of per-field byte
// payloads, used to return original field contents after a search
// matches a row.
//
// The build side is AddField*, AddDoc* (ascending RowID), Finalize. The
// read side is Open, then per session Context.NewSession and
// Reader.CreateReader, then GetDoc(rowID, fieldIDs?)*. The block cache and
// reader cache are owned by a Context created once via NewContext and
// shared by every store opened with it; Context.Close does not release
// them.
package docstore

import (
	"sync/atomic"

	"github.com/manticoresoftware/docstore/internal/base"
	"github.com/manticoresoftware/docstore/internal/blockcache"
	"github.com/manticoresoftware/docstore/internal/codec"
	"github.com/manticoresoftware/docstore/internal/readercache"
)

// Settings configures a store's block layout and compression. It is a
// plain struct passed to NewBuilder and returned by Reader.Settings,
// following the teacher's Options-struct convention rather than a
// functional-options generator (§10.3 of SPEC_FULL.md).
type Settings struct {
	// BlockSize is the target uncompressed byte size of a small block,
	// and the threshold above which a single document becomes its own
	// big block.
	BlockSize uint32
	// Compression selects the block/field codec.
	Compression codec.Compression
	// CompressionLevel is only consulted for LZ4HC.
	CompressionLevel int
}

// DefaultSettings returns reasonable defaults: an 8 KiB block size and
// LZ4 compression at LZ4's own default level.
func DefaultSettings() Settings {
	return Settings{
		BlockSize:   8 * 1024,
		Compression: codec.LZ4,
	}
}

// Doc is the logical value of one document: an ordered vector of
// per-field byte payloads, one entry per registered field.
type Doc struct {
	Fields [][]byte
}

// Context is the process-wide handle threaded through every builder and
// reader: it owns the block cache, the reader cache, and the store/
// session UID generators (§9's "model as a DocstoreContext handle").
// It replaces the original's file-scoped singletons with an explicit,
// non-global value so a process can run more than one independent
// docstore universe (e.g. in tests) without cross-contaminating caches.
type Context struct {
	blockCache   *blockcache.Cache
	readerTable  *readercache.Table
	log          base.Logger
	storeUIDGen  atomic.Uint32
	sessionIDGen atomic.Uint64
}

// NewContext creates a Context with a block cache of the given byte
// capacity (0 disables block caching) and the given logger (nil uses a
// no-op logger). This is the Go analogue of InitDocstore: construct one
// Context at process startup and pass it to every Open/NewBuilder call.
func NewContext(cacheSize int64, log base.Logger) *Context {
	if log == nil {
		log = base.NoopLogger{}
	}
	return &Context{
		blockCache:  blockcache.New(cacheSize, log),
		readerTable: readercache.New(),
		log:         log,
	}
}

// Close is the Go analogue of ShutdownDocstore, but it does no work: it
// neither evicts block cache entries nor removes session readers. It does
// not validate that every store/session was closed first; callers that need
// that guarantee should check BlockCacheStats/ReaderCacheStats before
// calling Close.
func (c *Context) Close() {}

// BlockCacheStats reports block cache occupancy and hit/miss counters
// (§12.2 of SPEC_FULL.md).
func (c *Context) BlockCacheStats() blockcache.Stats { return c.blockCache.Stats() }

// ReaderCacheStats reports session reader table occupancy.
func (c *Context) ReaderCacheStats() readercache.Stats { return c.readerTable.Stats() }

func (c *Context) nextStoreUID() uint32 {
	return c.storeUIDGen.Add(1)
}

// Session scopes buffered file readers created via CreateReader. Closing
// a session evicts only its own readers from the shared reader cache.
type Session struct {
	ctx *Context
	id  uint64
}

// NewSession creates a process-unique session bound to ctx.
func (c *Context) NewSession() *Session {
	return &Session{ctx: c, id: c.sessionIDGen.Add(1)}
}

// ID returns the session's process-unique identifier.
func (s *Session) ID() uint64 { return s.id }

// Close evicts every buffered reader this session created.
func (s *Session) Close() {
	s.ctx.readerTable.DeleteSession(s.id)
}
