// Package vfs provides the minimal file-system seam the docstore builder
// and reader need: positional reads for the read path (see the "pread"
// contract in the on-disk reader design) and sequential writes for the
// builder. It exists so tests can exercise the on-disk format against an
// in-memory filesystem instead of touching disk.
package vfs

import (
	"io"
	"os"
)

// File is a readable, writable sequence of bytes. Typically it is an
// *os.File, but MemFS substitutes an in-memory implementation for tests.
type File interface {
	io.Closer
	io.ReaderAt
	io.Writer
	io.WriterAt
	Sync() error
	// Size returns the current length of the file, needed by the reader
	// to bound its read of the trailing block directory.
	Size() (int64, error)
}

// FS is a namespace for files.
type FS interface {
	// Create creates the named file for writing, truncating it if it
	// already exists.
	Create(name string) (File, error)
	// Open opens the named file for reading.
	Open(name string) (File, error)
}

// Default is the FS backed by the real operating system.
var Default FS = osFS{}

type osFS struct{}

func (osFS) Create(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (osFS) Open(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

// osFile adds Size to *os.File via Stat, since os.File itself has no
// direct Size method.
type osFile struct {
	*os.File
}

func (f osFile) Size() (int64, error) {
	fi, err := f.File.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
