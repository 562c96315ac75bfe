package fsutil

import (
	"errors"
	"io"
	gofs "io/fs"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosConfig controls fault injection probabilities for [Chaos]. Each rate
// is a float64 from 0.0 (never) to 1.0 (always). The zero value disables all
// injection.
type ChaosConfig struct {
	WriteFailRate    float64
	PartialWriteRate float64
	ShortWriteRate   float64
	SyncFailRate     float64
	CloseFailRate    float64
	RenameFailRate   float64
	OpenFailRate     float64
}

// ChaosMode controls how [Chaos] behaves.
type ChaosMode uint8

const (
	// ChaosModeActive injects faults according to [ChaosConfig]. Default.
	ChaosModeActive ChaosMode = iota

	// ChaosModeNoOp passes every operation straight through.
	ChaosModeNoOp
)

// ChaosStats counts faults injected so far.
type ChaosStats struct {
	OpenFails     int64
	WriteFails    int64
	PartialWrites int64
	SyncFails     int64
	CloseFails    int64
	RenameFails   int64
}

// ChaosError marks an error as intentionally injected by [Chaos]. It wraps
// the underlying error so errors.Is/As keep working.
type ChaosError struct {
	Err error
}

func (e *ChaosError) Error() string { return "chaos: " + e.Err.Error() }
func (e *ChaosError) Unwrap() error { return e.Err }

// IsChaosErr reports whether err was injected by [Chaos].
func IsChaosErr(err error) bool {
	var injected *ChaosError
	return errors.As(err, &injected)
}

// Chaos wraps an [FS] and injects write/rename/sync/close/open failures,
// for exercising AtomicWriter's durability dance and the storage backends'
// crash-recovery paths against a misbehaving filesystem.
//
// Adapted from the teacher's internal/fs.Chaos, trimmed to the failure
// modes this module's write path (AtomicWriter, dirbackend session files)
// actually exercises: read-path fault injection (PartialReadRate etc.)
// is dropped since nothing here does partial-failure-tolerant reads.
type Chaos struct {
	fs     FS
	rng    *rand.Rand
	config ChaosConfig
	mode   atomic.Uint32
	rngMu  sync.Mutex

	openFails     atomic.Int64
	writeFails    atomic.Int64
	partialWrites atomic.Int64
	syncFails     atomic.Int64
	closeFails    atomic.Int64
	renameFails   atomic.Int64
}

// NewChaos wraps fs with fault injection driven by seed. Panics if fs is nil.
func NewChaos(fs FS, seed int64, config ChaosConfig) *Chaos {
	if fs == nil {
		panic("fsutil: fs is nil")
	}

	return &Chaos{fs: fs, rng: rand.New(rand.NewSource(seed)), config: config}
}

// SetMode updates Chaos behavior; safe for concurrent use.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// Stats returns the current fault counts.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		OpenFails:     c.openFails.Load(),
		WriteFails:    c.writeFails.Load(),
		PartialWrites: c.partialWrites.Load(),
		SyncFails:     c.syncFails.Load(),
		CloseFails:    c.closeFails.Load(),
		RenameFails:   c.renameFails.Load(),
	}
}

func (c *Chaos) currentMode() ChaosMode { return ChaosMode(c.mode.Load()) }

func (c *Chaos) should(mode ChaosMode, rate float64) bool {
	if mode != ChaosModeActive {
		return false
	}

	c.rngMu.Lock()
	f := c.rng.Float64()
	c.rngMu.Unlock()

	return f < rate
}

func (c *Chaos) randIntn(n int) int {
	c.rngMu.Lock()
	v := c.rng.Intn(n)
	c.rngMu.Unlock()

	return v
}

func pathError(op, path string, errno syscall.Errno) error {
	return &ChaosError{Err: &gofs.PathError{Op: op, Path: path, Err: errno}}
}

func linkError(op, oldpath, newpath string, errno syscall.Errno) error {
	return &ChaosError{Err: &os.LinkError{Op: op, Old: oldpath, New: newpath, Err: errno}}
}

func (c *Chaos) Open(path string) (File, error) { return c.openWithChaos(path, func() (File, error) { return c.fs.Open(path) }) }

func (c *Chaos) Create(path string) (File, error) {
	return c.openWithChaos(path, func() (File, error) { return c.fs.Create(path) })
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return c.openWithChaos(path, func() (File, error) { return c.fs.OpenFile(path, flag, perm) })
}

func (c *Chaos) openWithChaos(path string, openFn func() (File, error)) (File, error) {
	mode := c.currentMode()
	if mode != ChaosModeNoOp && c.should(mode, c.config.OpenFailRate) {
		c.openFails.Add(1)
		return nil, pathError("open", path, syscall.EMFILE)
	}

	f, err := openFn()
	if err != nil {
		return nil, err
	}

	return &chaosFile{f: f, chaos: c, path: path}, nil
}

func (c *Chaos) ReadFile(path string) ([]byte, error) { return c.fs.ReadFile(path) }

func (c *Chaos) WriteFile(path string, data []byte, perm os.FileMode) error {
	return c.fs.WriteFile(path, data, perm)
}

func (c *Chaos) ReadDir(path string) ([]os.DirEntry, error) { return c.fs.ReadDir(path) }

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error { return c.fs.MkdirAll(path, perm) }

func (c *Chaos) Stat(path string) (os.FileInfo, error) { return c.fs.Stat(path) }

func (c *Chaos) Exists(path string) (bool, error) { return c.fs.Exists(path) }

func (c *Chaos) Remove(path string) error { return c.fs.Remove(path) }

func (c *Chaos) RemoveAll(path string) error { return c.fs.RemoveAll(path) }

func (c *Chaos) Rename(oldpath, newpath string) error {
	mode := c.currentMode()
	if mode != ChaosModeNoOp && c.should(mode, c.config.RenameFailRate) {
		c.renameFails.Add(1)
		return linkError("rename", oldpath, newpath, syscall.EIO)
	}

	return c.fs.Rename(oldpath, newpath)
}

var _ FS = (*Chaos)(nil)

type chaosFile struct {
	f     File
	chaos *Chaos
	path  string
}

var _ File = (*chaosFile)(nil)

func (cf *chaosFile) Read(p []byte) (int, error) { return cf.f.Read(p) }

func (cf *chaosFile) Write(p []byte) (int, error) {
	mode := cf.chaos.currentMode()
	if mode == ChaosModeNoOp {
		return cf.f.Write(p)
	}

	if cf.chaos.should(mode, cf.chaos.config.WriteFailRate) {
		cf.chaos.writeFails.Add(1)
		return 0, pathError("write", cf.path, syscall.EIO)
	}

	if cf.chaos.should(mode, cf.chaos.config.PartialWriteRate) && len(p) > 1 {
		cf.chaos.partialWrites.Add(1)
		cutoff := cf.chaos.randIntn(len(p)-1) + 1

		n, err := cf.f.Write(p[:cutoff])
		if err != nil {
			return n, err
		}

		if cf.chaos.should(mode, cf.chaos.config.ShortWriteRate) {
			return n, &ChaosError{Err: io.ErrShortWrite}
		}

		return n, pathError("write", cf.path, syscall.EIO)
	}

	return cf.f.Write(p)
}

func (cf *chaosFile) Close() error {
	mode := cf.chaos.currentMode()

	err := cf.f.Close()
	if err != nil {
		return err
	}

	if mode != ChaosModeNoOp && cf.chaos.should(mode, cf.chaos.config.CloseFailRate) {
		cf.chaos.closeFails.Add(1)
		return pathError("close", cf.path, syscall.EIO)
	}

	return nil
}

func (cf *chaosFile) Seek(offset int64, whence int) (int64, error) { return cf.f.Seek(offset, whence) }

func (cf *chaosFile) Fd() uintptr { return cf.f.Fd() }

func (cf *chaosFile) Stat() (os.FileInfo, error) { return cf.f.Stat() }

func (cf *chaosFile) Chmod(mode os.FileMode) error { return cf.f.Chmod(mode) }

func (cf *chaosFile) Sync() error {
	m := cf.chaos.currentMode()
	if m != ChaosModeNoOp && cf.chaos.should(m, cf.chaos.config.SyncFailRate) {
		cf.chaos.syncFails.Add(1)
		return pathError("sync", cf.path, syscall.EIO)
	}

	return cf.f.Sync()
}
