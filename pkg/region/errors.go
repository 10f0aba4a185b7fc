package region

import "errors"

// Sentinel errors returned by region operations.
//
// Callers should use [errors.Is] to check error types. Errors that originate
// in the OS wrap both the sentinel and the underlying error:
//
//	if errors.Is(err, region.ErrIO) && errors.Is(err, fs.ErrPermission) {
//	    // backing directory is not writable
//	}
var (
	// ErrIO indicates the backing file could not be created, opened, resized,
	// written or deleted.
	ErrIO = errors.New("region: io")

	// ErrMap indicates the memory mapping could not be established or torn
	// down.
	ErrMap = errors.New("region: mmap")

	// ErrRange indicates a byte range outside the mapping.
	//
	// This is a programming error.
	ErrRange = errors.New("region: out of range")

	// ErrCapacityExceeded indicates an encoded payload larger than the region
	// it was meant for. Nothing is written when it is returned.
	ErrCapacityExceeded = errors.New("region: capacity exceeded")

	// ErrFormat indicates mapping content that does not have the expected
	// shape: a client counter that is not five ASCII digits, a backing file
	// whose size does not match the layout, or a region that does not decode.
	//
	// The shared mapping is inconsistent; retrying will not help. Recover by
	// reopening with ForceReset.
	ErrFormat = errors.New("region: bad format")

	// ErrClosed indicates the [Store] has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("region: closed")

	// ErrInvalidInput indicates invalid options or arguments.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("region: invalid input")

	// ErrClientLimit indicates the client counter would exceed [MaxClients].
	ErrClientLimit = errors.New("region: too many clients")

	// ErrLockTimeout indicates the named lock could not be acquired within
	// Options.LockTimeout.
	//
	// Recovery: retry after a short delay.
	ErrLockTimeout = errors.New("region: lock timeout")
)
