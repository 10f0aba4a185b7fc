package region

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/shmcache/pkg/fs"
)

// Store is a handle to one memory mapped backing file.
//
// Raw region methods on Store do not take the named lock. Sequences that
// read and then write shared state must run inside [Store.WithLock] so that
// handles in other processes cannot interleave.
//
// Store is safe for concurrent use by multiple goroutines. A Store must be
// obtained via [Open]; the zero value is not usable.
type Store struct {
	_ [0]func() // prevent external construction

	// mu guards isClosed and the mapping itself: operations hold RLock for
	// their whole duration so Close cannot unmap underneath them.
	mu sync.RWMutex

	fsys   fs.FS
	locker *fs.Locker
	file   fs.File
	data   []byte // mmap'd file data

	layout      Layout
	path        string
	lockPath    string
	lockTimeout time.Duration
	writeback   WritebackMode
	log         zerolog.Logger

	isClosed bool
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Layout returns the layout the store was opened with.
func (s *Store) Layout() Layout { return s.layout }

// Capacity returns the per-region capacity.
func (s *Store) Capacity() int { return s.layout.Capacity }

// Size returns the mapping length.
func (s *Store) Size() int { return s.layout.Size() }

// WithLock runs fn inside the named exclusive lock. Mutations made through
// tx are flushed according to the store's [WritebackMode] before the lock is
// released.
//
// Possible errors: [ErrClosed], [ErrLockTimeout], [ErrIO], and whatever fn
// returns.
func (s *Store) WithLock(fn func(tx *Tx) error) error {
	return s.locked(true, fn)
}

// WithRLock runs fn inside the named shared lock. tx is read-only.
func (s *Store) WithRLock(fn func(tx *Tx) error) error {
	return s.locked(false, fn)
}

func (s *Store) locked(exclusive bool, fn func(tx *Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isClosed {
		return ErrClosed
	}

	lk, err := s.lock(exclusive)
	if err != nil {
		return err
	}
	defer s.unlock(lk)

	tx := s.tx(exclusive)

	err = fn(tx)

	// Flush whatever was written even when fn failed part way; the bytes are
	// already visible to other processes.
	return errors.Join(err, tx.commit())
}

// ReadRegion returns a copy of length bytes at offset.
func (s *Store) ReadRegion(offset, length int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isClosed {
		return nil, ErrClosed
	}

	return s.tx(false).ReadRegion(offset, length)
}

// WriteRegion writes data at offset without blanking first.
func (s *Store) WriteRegion(offset int, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isClosed {
		return ErrClosed
	}

	tx := s.tx(true)

	return errors.Join(tx.WriteRegion(offset, data), tx.commit())
}

// ClientCount reads the client counter.
func (s *Store) ClientCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isClosed {
		return 0, ErrClosed
	}

	return s.tx(false).ClientCount()
}

// SetClientCount overwrites the client counter.
func (s *Store) SetClientCount(n int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isClosed {
		return ErrClosed
	}

	tx := s.tx(true)

	return errors.Join(tx.SetClientCount(n), tx.commit())
}

// Sync flushes the whole mapping to the backing file.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isClosed {
		return ErrClosed
	}

	return msyncRange(s.data, 0, len(s.data))
}

// Close detaches from the backing file.
//
// Inside the named lock the client counter is decremented; when it drops to
// zero the backing file and its lock file are removed. A file that another
// process already removed is not an error.
//
// If the named lock cannot be acquired the handle stays open and Close can
// be retried. Once the lock is held the mapping is unmapped and the
// descriptor closed regardless of how the counter update went.
//
// Close is idempotent; subsequent calls after a successful detach are no-ops
// and do not decrement the counter again.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return nil
	}

	lk, err := s.lock(true)
	if err != nil {
		return fmt.Errorf("detach: %w", err)
	}

	s.isClosed = true

	detachErr := s.detach()

	s.unlock(lk)

	return errors.Join(detachErr, s.unmap())
}

// detach decrements the counter and removes the files when it reaches zero.
// The caller holds the named lock.
func (s *Store) detach() error {
	tx := s.tx(true)

	n, err := tx.ClientCount()
	if err != nil {
		// The mapping is inconsistent; leave the file for inspection.
		return fmt.Errorf("detach: %w", err)
	}

	remaining := max(n-1, 0)

	err = tx.SetClientCount(remaining)
	if err != nil {
		return fmt.Errorf("detach: %w", err)
	}

	err = tx.commit()
	if err != nil {
		return err
	}

	if remaining > 0 {
		s.log.Debug().Int("clients", remaining).Msg("detached")

		return nil
	}

	err = s.removeIfExists(s.path)
	if err != nil {
		return err
	}

	// The lock file goes last, while we still hold it; waiters notice the
	// unlink and retry on a fresh inode.
	err = s.removeIfExists(s.lockPath)
	if err != nil {
		return err
	}

	s.log.Debug().Msg("last client detached, removed backing file")

	return nil
}

func (s *Store) removeIfExists(path string) error {
	err := s.fsys.Remove(path)
	if err == nil {
		return nil
	}

	if errors.Is(err, os.ErrNotExist) {
		s.log.Debug().Str("file", path).Msg("already removed by another client")

		return nil
	}

	return fmt.Errorf("%w: remove %s: %w", ErrIO, path, err)
}

// unmap releases the mapping and the descriptor.
func (s *Store) unmap() error {
	var unmapErr, closeErr error

	if s.data != nil {
		err := unix.Munmap(s.data)
		if err != nil {
			unmapErr = fmt.Errorf("%w: munmap: %w", ErrMap, err)
		}

		s.data = nil
	}

	if s.file != nil {
		err := s.file.Close()
		if err != nil {
			closeErr = fmt.Errorf("%w: close: %w", ErrIO, err)
		}

		s.file = nil
	}

	return errors.Join(unmapErr, closeErr)
}

func (s *Store) tx(writable bool) *Tx {
	return &Tx{s: s, writable: writable, dirtyLo: -1}
}

// Tx gives access to the mapping while a lock is held. It is only valid
// inside the function passed to [Store.WithLock] or [Store.WithRLock].
type Tx struct {
	s        *Store
	writable bool

	// dirty byte range, for msync under WritebackSync
	dirtyLo int
	dirtyHi int
}

// Layout returns the store's layout.
func (tx *Tx) Layout() Layout { return tx.s.layout }

// ReadRegion returns a copy of exactly length bytes at offset.
func (tx *Tx) ReadRegion(offset, length int) ([]byte, error) {
	err := tx.checkRange(offset, length)
	if err != nil {
		return nil, err
	}

	return bytes.Clone(tx.s.data[offset : offset+length]), nil
}

// WriteRegion copies data to offset. The caller is responsible for blanking
// the destination first when a shorter payload replaces a longer one.
func (tx *Tx) WriteRegion(offset int, data []byte) error {
	if !tx.writable {
		return fmt.Errorf("write in read-only section: %w", ErrInvalidInput)
	}

	err := tx.checkRange(offset, len(data))
	if err != nil {
		return err
	}

	copy(tx.s.data[offset:], data)
	tx.markDirty(offset, len(data))

	return nil
}

// Blank overwrites document region i with the empty placeholder.
func (tx *Tx) Blank(i int) error {
	r, err := tx.s.layout.Region(i)
	if err != nil {
		return err
	}

	return tx.WriteRegion(r.Offset, tx.s.layout.blank())
}

// StoreDocument replaces the content of region i with payload: the region is
// blanked, then payload is written at its start. A payload longer than the
// region fails with [ErrCapacityExceeded] and leaves the region untouched.
func (tx *Tx) StoreDocument(i int, payload []byte) error {
	r, err := tx.s.layout.Region(i)
	if err != nil {
		return err
	}

	if len(payload) > r.Capacity {
		return fmt.Errorf("payload of %d bytes does not fit region %d of %d bytes: %w",
			len(payload), i, r.Capacity, ErrCapacityExceeded)
	}

	err = tx.Blank(i)
	if err != nil {
		return err
	}

	return tx.WriteRegion(r.Offset, payload)
}

// LoadDocument returns the content of region i with trailing padding removed.
func (tx *Tx) LoadDocument(i int) ([]byte, error) {
	r, err := tx.s.layout.Region(i)
	if err != nil {
		return nil, err
	}

	raw, err := tx.ReadRegion(r.Offset, r.Capacity)
	if err != nil {
		return nil, err
	}

	return bytes.TrimRight(raw, string(padding)), nil
}

// ClientCount parses the client counter.
func (tx *Tx) ClientCount() (int, error) {
	raw, err := tx.ReadRegion(tx.s.layout.CounterOffset(), CounterWidth)
	if err != nil {
		return 0, err
	}

	return parseCounter(raw)
}

// SetClientCount writes n as the client counter.
func (tx *Tx) SetClientCount(n int) error {
	if n < 0 {
		return fmt.Errorf("client count must be >= 0, got %d: %w", n, ErrInvalidInput)
	}

	if n > MaxClients {
		return fmt.Errorf("client count %d exceeds %d: %w", n, MaxClients, ErrClientLimit)
	}

	return tx.WriteRegion(tx.s.layout.CounterOffset(), formatCounter(n))
}

func (tx *Tx) checkRange(offset, length int) error {
	if offset < 0 || length < 0 || offset > len(tx.s.data)-length {
		return fmt.Errorf("range [%d, %d+%d) outside mapping of %d bytes: %w",
			offset, offset, length, len(tx.s.data), ErrRange)
	}

	return nil
}

func (tx *Tx) markDirty(offset, length int) {
	if length == 0 {
		return
	}

	if tx.dirtyLo < 0 {
		tx.dirtyLo, tx.dirtyHi = offset, offset+length

		return
	}

	tx.dirtyLo = min(tx.dirtyLo, offset)
	tx.dirtyHi = max(tx.dirtyHi, offset+length)
}

// commit flushes the dirty range under WritebackSync.
func (tx *Tx) commit() error {
	if tx.dirtyLo < 0 || tx.s.writeback != WritebackSync {
		return nil
	}

	lo, hi := tx.dirtyLo, tx.dirtyHi
	tx.dirtyLo = -1

	return msyncRange(tx.s.data, lo, hi-lo)
}
