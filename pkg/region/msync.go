package region

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pageSize is used to align msync ranges; macOS rejects unaligned ones.
var pageSize = unix.Getpagesize()

// msyncRange synchronously flushes data[offset:offset+length], widened to
// page boundaries and clamped to the mapping.
func msyncRange(data []byte, offset, length int) error {
	if length <= 0 || offset < 0 || offset >= len(data) {
		return fmt.Errorf("msync range [%d, %d+%d) of %d bytes: %w", offset, offset, length, len(data), ErrRange)
	}

	end := min(offset+length, len(data))
	alignedStart := (offset / pageSize) * pageSize
	alignedEnd := min(((end+pageSize-1)/pageSize)*pageSize, len(data))

	err := unix.Msync(data[alignedStart:alignedEnd], unix.MS_SYNC)
	if err != nil {
		return fmt.Errorf("%w: msync: %w", ErrIO, err)
	}

	return nil
}
