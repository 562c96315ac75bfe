// Package fsutil provides the filesystem abstraction, atomic-write helper,
// and advisory file locker the storage engine builds its durability
// guarantees on.
//
// Adapted from the teacher's pkg/fs (FS/File/Real/AtomicWriter) and
// internal/fs (Locker), generalized from a ticket-tracker's document
// directory to the directory backend's super-block/session/emap/block
// layout.
package fsutil

import (
	"io"
	"os"
)

// File is an open OS-backed file descriptor. Satisfied by [os.File].
type File interface {
	io.ReadWriteCloser
	io.Seeker

	Fd() uintptr
	Stat() (os.FileInfo, error)
	Sync() error
	Chmod(mode os.FileMode) error
}

// FS is the filesystem surface the storage engine depends on. Paths use OS
// semantics, not slash-separated io/fs paths.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	Open(path string) (File, error)
	Create(path string) (File, error)
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	ReadDir(path string) ([]os.DirEntry, error)
	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	Exists(path string) (bool, error)
	Remove(path string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error
}

var _ File = (*os.File)(nil)
