package vfs

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// MemFS is a memory-backed FS implementation, used by tests to exercise
// the on-disk format without touching disk.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFile
}

// NewMem returns a new memory-backed FS.
func NewMem() *MemFS {
	return &MemFS{files: make(map[string]*memFile)}
}

// Create implements FS.
func (fs *MemFS) Create(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := &memFile{}
	fs.files[name] = f
	return f, nil
}

// Open implements FS.
func (fs *MemFS) Open(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[name]
	if !ok {
		return nil, errors.Newf("vfs: %q: no such file", name)
	}
	return &memFile{data: f.snapshot()}, nil
}

type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) snapshot() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out
}

// Write implements File.
func (f *memFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, p...)
	return len(p), nil
}

// WriteAt implements File.
func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], p)
	return len(p), nil
}

// ReadAt implements File.
func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 || off > int64(len(f.data)) {
		return 0, errors.Newf("vfs: ReadAt offset %d out of range (len %d)", off, len(f.data))
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, errors.Newf("vfs: ReadAt short read at offset %d: wanted %d, got %d", off, len(p), n)
	}
	return n, nil
}

// Sync implements File.
func (f *memFile) Sync() error { return nil }

// Size implements File.
func (f *memFile) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

// Close implements File.
func (f *memFile) Close() error { return nil }
