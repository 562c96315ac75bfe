package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrAtomicWriteDirSync indicates the parent directory could not be synced
// after rename: the new file is in place but durability is not guaranteed.
var ErrAtomicWriteDirSync = errors.New("dir sync")

// AtomicWriter writes files durably using temp-file-in-same-dir + fsync +
// rename + fsync-of-parent-dir, the dance spec §4.4 requires for platforms
// without atomic rename and that this implementation applies unconditionally
// for simplicity.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter creates an AtomicWriter over fs. Panics if fs is nil.
func NewAtomicWriter(fs FS) *AtomicWriter {
	if fs == nil {
		panic("fsutil: fs is nil")
	}

	return &AtomicWriter{fs: fs}
}

// AtomicWriteOptions configures [AtomicWriter.Write].
type AtomicWriteOptions struct {
	// SyncDir controls whether the parent directory is synced after rename.
	SyncDir bool

	// Perm specifies the file permissions. Must be non-zero.
	Perm os.FileMode
}

// Write writes data from r to path atomically and durably.
func (w *AtomicWriter) Write(path string, r io.Reader, opts AtomicWriteOptions) error {
	if r == nil {
		panic("fsutil: reader is nil")
	}

	if path == "" {
		return errors.New("fsutil: path is empty")
	}

	if opts.Perm == 0 {
		return errors.New("fsutil: opts.Perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == string(os.PathSeparator) || base == "." {
		return fmt.Errorf("fsutil: path is invalid: %q", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmpFile, tmpPath, err := createAtomicTempFile(w.fs, dir, base, opts.Perm)
	if err != nil {
		return err
	}

	cleanup := func() error {
		closeErr := closeTmpFile(tmpPath, tmpFile)
		removeErr := removeTempFile(w.fs, tmpPath)

		return errors.Join(closeErr, removeErr)
	}

	if err := tmpFile.Chmod(opts.Perm); err != nil {
		return errors.Join(fmt.Errorf("fsutil: chmod temp file %q: %w", tmpPath, err), cleanup())
	}

	if err := writeAndSyncTempFile(tmpFile, tmpPath, r); err != nil {
		return errors.Join(err, cleanup())
	}

	if err := w.fs.Rename(tmpPath, path); err != nil {
		return errors.Join(fmt.Errorf("fsutil: rename: %w", err), cleanup())
	}

	cleanupErr := cleanup()

	if opts.SyncDir {
		if err := fsyncDir(w.fs, dir); err != nil {
			return errors.Join(err, cleanupErr)
		}
	}

	return nil
}

// WriteWithDefaults writes content atomically using default options
// (SyncDir: true, Perm: 0o600).
func (w *AtomicWriter) WriteWithDefaults(path string, r io.Reader) error {
	return w.Write(path, r, w.DefaultOptions())
}

// DefaultOptions returns the default atomic write options.
func (*AtomicWriter) DefaultOptions() AtomicWriteOptions {
	return AtomicWriteOptions{SyncDir: true, Perm: 0o600}
}

func writeAndSyncTempFile(file File, path string, r io.Reader) error {
	if _, err := io.Copy(file, r); err != nil {
		return fmt.Errorf("fsutil: write temp file %q: %w", path, err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("fsutil: sync temp file %q: %w", path, err)
	}

	return nil
}

const atomicWriteMaxAttempts = 10000

var atomicWriteCounter atomic.Uint64

func createAtomicTempFile(fs FS, dir, base string, perm os.FileMode) (File, string, error) {
	for range atomicWriteMaxAttempts {
		seq := atomicWriteCounter.Add(1)
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, seq))

		file, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return file, path, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, "", fmt.Errorf("fsutil: create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("fsutil: exhausted temp file attempts in %q", dir)
}

func fsyncDir(fs FS, dirPath string) error {
	dirFd, err := fs.Open(dirPath)
	if err != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("fsutil: open dir %q: %w", dirPath, err))
	}

	syncErr := dirFd.Sync()
	if syncErr == nil {
		return closeDir(dirPath, dirFd)
	}

	return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("fsutil: %q: %w", dirPath, syncErr), closeDir(dirPath, dirFd))
}

func closeDir(dir string, file File) error {
	if err := file.Close(); err != nil {
		return fmt.Errorf("fsutil: close dir %q: %w", dir, err)
	}

	return nil
}

func closeTmpFile(path string, file File) error {
	if err := file.Close(); err != nil {
		return fmt.Errorf("fsutil: close temp file %q: %w", path, err)
	}

	return nil
}

func removeTempFile(fs FS, path string) error {
	err := fs.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsutil: remove temp file %q: %w", path, err)
	}

	return nil
}
