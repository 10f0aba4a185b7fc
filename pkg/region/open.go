package region

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/shmcache/pkg/fs"
)

// WritebackMode controls whether mutations are flushed to the backing file.
type WritebackMode int

const (
	// WritebackNone leaves flushing to the kernel.
	//
	// Changes are visible to other processes immediately through the shared
	// mapping. This is the default.
	WritebackNone WritebackMode = iota

	// WritebackSync msyncs the dirty range before a locked section returns.
	WritebackSync
)

// DefaultLockTimeout bounds how long an operation waits for the named lock.
const DefaultLockTimeout = 5 * time.Second

const (
	filePerm = 0o600
	dirPerm  = 0o750
)

// Options configures opening or creating a backing file.
type Options struct {
	// Path is the filesystem path to the backing file.
	//
	// Required. A lock file is created at Path+".lock" and removed together
	// with the backing file.
	Path string

	// Layout fixes the region capacity and count. A file created with one
	// layout cannot be attached with another (see [ErrFormat]).
	Layout Layout

	// ForceReset reinitializes every document region and the client counter
	// even if the file already exists. Handles attached before the reset are
	// no longer counted.
	ForceReset bool

	// Writeback controls durability of mutations. Default is [WritebackNone].
	Writeback WritebackMode

	// LockTimeout bounds acquisition of the named lock.
	//
	// Default is [DefaultLockTimeout].
	LockTimeout time.Duration

	// Logger receives debug events for lifecycle transitions. Nil disables
	// logging.
	Logger *zerolog.Logger

	// FS overrides the filesystem. Nil uses [fs.Real].
	FS fs.FS
}

// Open attaches to the backing file at opts.Path, creating it if missing.
//
// Creation, reset, validation and the client counter increment all happen
// inside the named lock, so concurrent openers never observe a half
// initialized file and never race on the counter.
//
// The returned Store must be closed with [Store.Close].
//
// Possible errors:
//   - [ErrInvalidInput]: invalid options
//   - [ErrLockTimeout]: lock contention
//   - [ErrIO]: the file cannot be created, opened or resized
//   - [ErrFormat]: existing file has a different size or a corrupt counter
//   - [ErrMap]: mmap failed
//   - [ErrClientLimit]: counter already at [MaxClients]
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	err := opts.Layout.Validate()
	if err != nil {
		return nil, err
	}

	switch opts.Writeback {
	case WritebackNone, WritebackSync:
		// ok
	default:
		return nil, fmt.Errorf("unknown writeback mode %d: %w", opts.Writeback, ErrInvalidInput)
	}

	if opts.LockTimeout < 0 {
		return nil, fmt.Errorf("lock_timeout must be >= 0, got %s: %w", opts.LockTimeout, ErrInvalidInput)
	}

	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultLockTimeout
	}

	if opts.FS == nil {
		opts.FS = fs.NewReal()
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &Store{
		fsys:        opts.FS,
		locker:      fs.NewLocker(opts.FS),
		layout:      opts.Layout,
		path:        opts.Path,
		lockPath:    opts.Path + ".lock",
		lockTimeout: opts.LockTimeout,
		writeback:   opts.Writeback,
		log:         logger.With().Str("path", opts.Path).Logger(),
	}

	err = opts.FS.MkdirAll(filepath.Dir(opts.Path), dirPerm)
	if err != nil {
		return nil, fmt.Errorf("%w: create directory: %w", ErrIO, err)
	}

	lk, err := s.lock(true)
	if err != nil {
		return nil, err
	}
	defer s.unlock(lk)

	err = s.attach(opts.ForceReset)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// attach runs with the named lock held. On error every resource acquired so
// far is released.
func (s *Store) attach(forceReset bool) error {
	created, err := s.createIfMissing()
	if err != nil {
		return err
	}

	file, err := s.fsys.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrIO, s.path, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return fmt.Errorf("%w: stat %s: %w", ErrIO, s.path, err)
	}

	want := int64(s.layout.Size())
	sizeMatches := info.Size() == want

	if !sizeMatches {
		if !forceReset {
			_ = file.Close()

			return fmt.Errorf("file size %d does not match layout size %d (capacity %d, regions %d): %w",
				info.Size(), want, s.layout.Capacity, s.layout.Regions, ErrFormat)
		}

		err = rewriteImage(file, s.layout)
		if err != nil {
			_ = file.Close()

			return err
		}

		s.log.Debug().Int64("old_size", info.Size()).Msg("rewrote backing file with new layout")
	}

	data, err := unix.Mmap(int(file.Fd()), 0, s.layout.Size(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()

		return fmt.Errorf("%w: %s: %w", ErrMap, s.path, err)
	}

	s.file = file
	s.data = data

	tx := s.tx(true)

	if forceReset && sizeMatches && !created {
		err = s.reset(tx)
		if err != nil {
			s.unmap()

			return err
		}
	}

	n, err := tx.ClientCount()
	if err != nil {
		s.unmap()

		return fmt.Errorf("attach: %w", err)
	}

	err = tx.SetClientCount(n + 1)
	if err != nil {
		s.unmap()

		return fmt.Errorf("attach: %w", err)
	}

	err = tx.commit()
	if err != nil {
		s.unmap()

		return err
	}

	s.log.Debug().
		Bool("created", created).
		Bool("reset", forceReset).
		Int("clients", n+1).
		Int("capacity", s.layout.Capacity).
		Msg("attached")

	return nil
}

// createIfMissing writes the initial image atomically when no backing file
// exists. Reports whether it created the file.
func (s *Store) createIfMissing() (bool, error) {
	exists, err := s.fsys.Exists(s.path)
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %w", ErrIO, s.path, err)
	}

	if exists {
		return false, nil
	}

	err = s.fsys.WriteFileAtomic(s.path, s.layout.image(0), filePerm)
	if err != nil {
		return false, fmt.Errorf("%w: create %s: %w", ErrIO, s.path, err)
	}

	return true, nil
}

// reset blanks every document region of an attached file and writes the
// counter as zero, the same image a fresh file gets. Handles still attached
// from before the reset are no longer counted.
func (s *Store) reset(tx *Tx) error {
	for i := range s.layout.Regions {
		err := tx.Blank(i)
		if err != nil {
			return err
		}
	}

	n, err := tx.ClientCount()
	if err != nil {
		s.log.Warn().Err(err).Msg("client counter unreadable during reset")
	} else if n > 0 {
		s.log.Warn().Int("clients", n).Msg("reset while other clients are attached, counter zeroed")
	}

	return tx.SetClientCount(0)
}

// rewriteImage resizes file in place and writes a fresh image with a zero
// counter. The inode is kept so the lock file and any path based lookups stay
// valid.
func rewriteImage(file fs.File, layout Layout) error {
	err := file.Truncate(int64(layout.Size()))
	if err != nil {
		return fmt.Errorf("%w: truncate: %w", ErrIO, err)
	}

	_, err = file.WriteAt(layout.image(0), 0)
	if err != nil {
		return fmt.Errorf("%w: write image: %w", ErrIO, err)
	}

	return nil
}

// lock acquires the named lock, exclusive or shared.
func (s *Store) lock(exclusive bool) (*fs.Lock, error) {
	var (
		lk  *fs.Lock
		err error
	)

	if exclusive {
		lk, err = s.locker.LockWithTimeout(s.lockPath, s.lockTimeout)
	} else {
		lk, err = s.locker.RLockWithTimeout(s.lockPath, s.lockTimeout)
	}

	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, s.lockPath, err)
		}

		return nil, fmt.Errorf("%w: lock %s: %w", ErrIO, s.lockPath, err)
	}

	return lk, nil
}

// unlock releases lk. Release failures cannot be acted on, so they are
// logged.
func (s *Store) unlock(lk *fs.Lock) {
	err := lk.Close()
	if err != nil {
		s.log.Warn().Err(err).Msg("releasing lock")
	}
}
