// Package readercache implements the per-(session, store) buffered file
// reader table used to amortise sequential scan I/O (§4.6). It is a
// single process-wide table; sessions and stores each evict their own
// slice of it independently.
package readercache

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/manticoresoftware/docstore/internal/vfs"
)

const (
	// MinBufferSize is the smallest buffer a session reader will use.
	MinBufferSize = 256 * 1024
	// MaxBufferSize is the largest buffer a session reader will use.
	MaxBufferSize = 1024 * 1024
	// TotalBudget bounds the sum of every session reader's buffer size.
	TotalBudget = 8 * 1024 * 1024
)

// Key identifies one buffered reader slot.
type Key struct {
	SessionID uint64
	StoreUID  uint32
}

// Reader is a single-consumer buffered positional reader. Per §5, it
// must not be used concurrently from multiple threads within the same
// session — the table itself is safe for concurrent access, but a
// *Reader handed out by Get is not.
type Reader struct {
	file     vfs.File
	buf      []byte
	bufStart int64
	bufLen   int
}

func newReader(file vfs.File, bufSize int) *Reader {
	return &Reader{file: file, buf: make([]byte, bufSize)}
}

// BufferSize reports the capacity of this reader's buffer, in bytes.
func (r *Reader) BufferSize() int { return len(r.buf) }

// ReadAt fills dst from offset, refilling the internal buffer on a miss.
// Reads larger than the buffer bypass buffering entirely and go straight
// to the file.
func (r *Reader) ReadAt(dst []byte, offset int64) error {
	if len(dst) > len(r.buf) {
		_, err := r.file.ReadAt(dst, offset)
		return err
	}
	if offset >= r.bufStart && offset+int64(len(dst)) <= r.bufStart+int64(r.bufLen) {
		copy(dst, r.buf[offset-r.bufStart:])
		return nil
	}
	n, err := r.file.ReadAt(r.buf, offset)
	if n < len(dst) {
		if err != nil {
			return errors.Wrapf(err, "readercache: refill at offset %d", offset)
		}
		return errors.Newf("readercache: short read at offset %d: wanted %d, got %d", offset, len(dst), n)
	}
	r.bufStart = offset
	r.bufLen = n
	copy(dst, r.buf[:len(dst)])
	return nil
}

// Table is the process-wide buffered reader table.
type Table struct {
	mu    sync.Mutex
	m     map[Key]*Reader
	bytes int
}

// New creates an empty reader table.
func New() *Table {
	return &Table{m: make(map[Key]*Reader)}
}

func clampBufferSize(blockSize uint32) int {
	size := int(blockSize) * 8
	if size < MinBufferSize {
		size = MinBufferSize
	}
	if size > MaxBufferSize {
		size = MaxBufferSize
	}
	return size
}

// CreateReader creates a buffered reader for (sessionID, storeUID) over
// file, sized relative to blockSize, iff the chosen buffer is strictly
// larger than a single block and the global budget has room. Otherwise
// it does nothing; ReadFromFile falls back to an unbuffered positional
// read in that case (§4.4).
func (t *Table) CreateReader(sessionID uint64, storeUID uint32, file vfs.File, blockSize uint32) {
	if t == nil {
		return
	}
	bufSize := clampBufferSize(blockSize)
	if bufSize <= int(blockSize) {
		return
	}

	k := Key{SessionID: sessionID, StoreUID: storeUID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.m[k]; exists {
		return
	}
	if t.bytes+bufSize > TotalBudget {
		return
	}

	t.m[k] = newReader(file, bufSize)
	t.bytes += bufSize
}

// Get returns the existing reader for (sessionID, storeUID), if any.
func (t *Table) Get(sessionID uint64, storeUID uint32) (*Reader, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.m[Key{SessionID: sessionID, StoreUID: storeUID}]
	return r, ok
}

func (t *Table) delete(k Key, r *Reader) {
	t.bytes -= r.BufferSize()
	delete(t.m, k)
}

// DeleteSession evicts every reader belonging to sessionID.
func (t *Table) DeleteSession(sessionID uint64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, r := range t.m {
		if k.SessionID == sessionID {
			t.delete(k, r)
		}
	}
}

// DeleteStore evicts every reader belonging to storeUID.
func (t *Table) DeleteStore(storeUID uint32) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, r := range t.m {
		if k.StoreUID == storeUID {
			t.delete(k, r)
		}
	}
}

// Stats reports the number of live readers and their total buffer bytes.
type Stats struct {
	Count int
	Bytes int
}

// Stats returns a snapshot of the table's occupancy.
func (t *Table) Stats() Stats {
	if t == nil {
		return Stats{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Count: len(t.m), Bytes: t.bytes}
}
