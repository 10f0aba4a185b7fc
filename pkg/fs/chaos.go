package fs

import (
	"errors"
	"io/fs"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables all fault injection.
type ChaosConfig struct {
	// OpenFailRate controls how often FS.OpenFile fails. Returns EACCES, EIO,
	// EMFILE, ENFILE or ENOTDIR. Lock files are opened through OpenFile too.
	OpenFailRate float64

	// WriteFailRate controls how often FS.WriteFileAtomic fails. The target
	// is left untouched. Returns EIO, ENOSPC, EDQUOT or EROFS.
	WriteFailRate float64

	// RemoveFailRate controls how often FS.Remove fails. Returns EACCES,
	// EPERM, EBUSY, EIO or EROFS.
	RemoveFailRate float64

	// StatFailRate controls how often FS.Stat and FS.Exists fail on a path.
	// Returns EACCES or EIO.
	StatFailRate float64

	// MkdirAllFailRate controls how often FS.MkdirAll fails. Returns EACCES,
	// EIO, ENOSPC, EDQUOT, EROFS or ENOTDIR.
	MkdirAllFailRate float64

	// FileStatFailRate controls how often File.Stat fails on an open handle.
	FileStatFailRate float64

	// TruncateFailRate controls how often File.Truncate fails.
	TruncateFailRate float64

	// CloseFailRate controls how often File.Close reports an error. The
	// descriptor is always closed.
	CloseFailRate float64
}

// ChaosMode controls how [Chaos] behaves.
type ChaosMode uint8

const (
	// ChaosModeActive enables fault-rate injection.
	// This is the default mode for a new [Chaos].
	ChaosModeActive ChaosMode = iota

	// ChaosModeNoOp passes every operation directly to the underlying FS.
	ChaosModeNoOp
)

// ChaosStats contains counts of injected faults.
type ChaosStats struct {
	OpenFails     int64
	WriteFails    int64
	RemoveFails   int64
	StatFails     int64
	MkdirAllFails int64
	FileStatFails int64
	TruncateFails int64
	CloseFails    int64
}

// Total returns the sum of all counters.
func (s ChaosStats) Total() int64 {
	return s.OpenFails + s.WriteFails + s.RemoveFails + s.StatFails +
		s.MkdirAllFails + s.FileStatFails + s.TruncateFails + s.CloseFails
}

// chaosError marks an error as injected by [Chaos]. It wraps an
// [*fs.PathError] carrying a real [syscall.Errno], so errors.Is and
// os.IsPermission keep working.
type chaosError struct {
	Err error
}

func (e *chaosError) Error() string { return "chaos: " + e.Err.Error() }

func (e *chaosError) Unwrap() error { return e.Err }

// IsChaosErr reports whether err (or any wrapped error) was injected by [Chaos].
func IsChaosErr(err error) bool {
	var injected *chaosError

	return errors.As(err, &injected)
}

// Chaos wraps an [FS] and injects random failures for testing.
//
// Chaos never injects ENOENT: a missing file always comes from the wrapped
// FS. Each call decides independently whether to inject; there is no sticky
// per-path state. Files returned by OpenFile keep their real descriptor, so
// flock and mmap work on them.
type Chaos struct {
	fs     FS
	config ChaosConfig
	mode   atomic.Uint32

	rngMu sync.Mutex
	rng   *rand.Rand

	openFails     atomic.Int64
	writeFails    atomic.Int64
	removeFails   atomic.Int64
	statFails     atomic.Int64
	mkdirAllFails atomic.Int64
	fileStatFails atomic.Int64
	truncateFails atomic.Int64
	closeFails    atomic.Int64
}

// Interface compliance.
var _ FS = (*Chaos)(nil)

// NewChaos creates a new [Chaos] filesystem wrapping the given [FS].
// The seed controls random fault injection for reproducibility.
// Panics if underlying is nil.
func NewChaos(underlying FS, seed int64, config ChaosConfig) *Chaos {
	if underlying == nil {
		panic("underlying fs is nil")
	}

	return &Chaos{
		fs:     underlying,
		config: config,
		rng:    rand.New(rand.NewPCG(uint64(seed), uint64(seed))), //nolint:gosec // deterministic test faults
	}
}

// SetMode switches between injecting and pass-through. Safe to call
// concurrently with filesystem operations.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// Stats returns the current fault injection counts.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		OpenFails:     c.openFails.Load(),
		WriteFails:    c.writeFails.Load(),
		RemoveFails:   c.removeFails.Load(),
		StatFails:     c.statFails.Load(),
		MkdirAllFails: c.mkdirAllFails.Load(),
		FileStatFails: c.fileStatFails.Load(),
		TruncateFails: c.truncateFails.Load(),
		CloseFails:    c.closeFails.Load(),
	}
}

var (
	openErrnos   = []syscall.Errno{syscall.EACCES, syscall.EIO, syscall.EMFILE, syscall.ENFILE, syscall.ENOTDIR}
	writeErrnos  = []syscall.Errno{syscall.EIO, syscall.ENOSPC, syscall.EDQUOT, syscall.EROFS}
	removeErrnos = []syscall.Errno{syscall.EACCES, syscall.EPERM, syscall.EBUSY, syscall.EIO, syscall.EROFS}
	statErrnos   = []syscall.Errno{syscall.EACCES, syscall.EIO}
	mkdirErrnos  = []syscall.Errno{syscall.EACCES, syscall.EIO, syscall.ENOSPC, syscall.EDQUOT, syscall.EROFS, syscall.ENOTDIR}
	fdErrnos     = []syscall.Errno{syscall.EIO}
)

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	err := c.inject("open", path, c.config.OpenFailRate, &c.openFails, openErrnos)
	if err != nil {
		return nil, err
	}

	f, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{File: f, chaos: c, path: path}, nil
}

func (c *Chaos) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	err := c.inject("write", path, c.config.WriteFailRate, &c.writeFails, writeErrnos)
	if err != nil {
		return err
	}

	return c.fs.WriteFileAtomic(path, data, perm)
}

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	err := c.inject("mkdirall", path, c.config.MkdirAllFailRate, &c.mkdirAllFails, mkdirErrnos)
	if err != nil {
		return err
	}

	return c.fs.MkdirAll(path, perm)
}

func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	err := c.inject("stat", path, c.config.StatFailRate, &c.statFails, statErrnos)
	if err != nil {
		return nil, err
	}

	return c.fs.Stat(path)
}

func (c *Chaos) Exists(path string) (bool, error) {
	err := c.inject("stat", path, c.config.StatFailRate, &c.statFails, statErrnos)
	if err != nil {
		return false, err
	}

	return c.fs.Exists(path)
}

func (c *Chaos) Remove(path string) error {
	err := c.inject("remove", path, c.config.RemoveFailRate, &c.removeFails, removeErrnos)
	if err != nil {
		return err
	}

	return c.fs.Remove(path)
}

// inject returns an injected error with probability rate, nil otherwise.
func (c *Chaos) inject(op, path string, rate float64, counter *atomic.Int64, errnos []syscall.Errno) error {
	if ChaosMode(c.mode.Load()) != ChaosModeActive || rate <= 0 {
		return nil
	}

	c.rngMu.Lock()
	hit := c.rng.Float64() < rate
	errno := errnos[c.rng.IntN(len(errnos))]
	c.rngMu.Unlock()

	if !hit {
		return nil
	}

	counter.Add(1)

	return pathError(op, path, errno)
}

// pathError creates an injected [*fs.PathError] wrapped in [chaosError].
func pathError(op, path string, errno syscall.Errno) error {
	return &chaosError{Err: &fs.PathError{Op: op, Path: path, Err: errno}}
}

// chaosFile injects faults on the metadata calls of an open file. Reads,
// writes and Fd pass through.
type chaosFile struct {
	File

	chaos *Chaos
	path  string
}

func (cf *chaosFile) Stat() (os.FileInfo, error) {
	c := cf.chaos

	err := c.inject("stat", cf.path, c.config.FileStatFailRate, &c.fileStatFails, fdErrnos)
	if err != nil {
		return nil, err
	}

	return cf.File.Stat()
}

func (cf *chaosFile) Truncate(size int64) error {
	c := cf.chaos

	err := c.inject("truncate", cf.path, c.config.TruncateFailRate, &c.truncateFails, writeErrnos)
	if err != nil {
		return err
	}

	return cf.File.Truncate(size)
}

// Close always closes the underlying descriptor, even when it reports an
// injected error.
func (cf *chaosFile) Close() error {
	c := cf.chaos

	injected := c.inject("close", cf.path, c.config.CloseFailRate, &c.closeFails, fdErrnos)

	err := cf.File.Close()
	if err != nil {
		return err
	}

	return injected
}
