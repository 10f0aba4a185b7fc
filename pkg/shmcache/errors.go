package shmcache

import "github.com/calvinalkan/shmcache/pkg/region"

// Sentinel errors returned by cache operations. They are the same values as
// the [region] errors, so errors.Is works with either package's names.
//
//	if errors.Is(err, shmcache.ErrFormat) {
//	    // shared mapping is inconsistent; reopen with ForceReset
//	}
var (
	// ErrIO indicates the backing file could not be created, opened or
	// deleted.
	ErrIO = region.ErrIO

	// ErrMap indicates the memory mapping could not be established.
	ErrMap = region.ErrMap

	// ErrRange indicates a region access outside the mapping.
	ErrRange = region.ErrRange

	// ErrCapacityExceeded indicates an encoded document larger than its
	// region. The stored content is left unchanged.
	//
	// Recovery: store less, or recreate the cache with a larger Capacity.
	ErrCapacityExceeded = region.ErrCapacityExceeded

	// ErrFormat indicates a region that does not decode, a corrupt client
	// counter, or a backing file created with a different Capacity.
	//
	// Corruption is never treated as an empty cache.
	ErrFormat = region.ErrFormat

	// ErrClosed indicates the handle has already been closed.
	ErrClosed = region.ErrClosed

	// ErrInvalidInput indicates invalid options or arguments.
	ErrInvalidInput = region.ErrInvalidInput

	// ErrClientLimit indicates more than region.MaxClients attached handles.
	ErrClientLimit = region.ErrClientLimit

	// ErrLockTimeout indicates the named lock was not acquired in time.
	ErrLockTimeout = region.ErrLockTimeout
)
