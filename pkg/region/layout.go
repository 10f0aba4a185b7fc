package region

import (
	"bytes"
	"fmt"
)

const (
	// CounterWidth is the size in bytes of the client counter.
	CounterWidth = 5

	// MaxClients is the largest value the counter can represent.
	MaxClients = 99999

	// DefaultCapacity is the per-region capacity used when none is given.
	DefaultCapacity = 8192

	// minCapacity must fit the empty document placeholder.
	minCapacity = len(emptyDocument)

	// maxCapacity keeps the mapping length comfortably inside an int.
	maxCapacity = 1 << 30

	// maxRegions bounds the number of document regions in one mapping.
	maxRegions = 8
)

// emptyDocument is written at the start of every blanked region.
const emptyDocument = "{}"

// padding fills the remainder of a region after the document.
const padding = ' '

// Layout describes how a backing file is carved into regions.
//
// Regions document regions of Capacity bytes each are laid out back to back
// starting at offset 0, followed by the [CounterWidth]-byte client counter:
//
//	[0, cap)          region 0 (data)
//	[cap, 2*cap)      region 1 (expirations, when Regions == 2)
//	[n*cap, n*cap+5)  client counter, zero padded ASCII decimal
type Layout struct {
	Capacity int
	Regions  int
}

// Region is a fixed (offset, capacity) span of the mapping.
type Region struct {
	Index    int
	Offset   int
	Capacity int
}

// Validate reports whether the layout is usable.
func (l Layout) Validate() error {
	if l.Capacity < minCapacity {
		return fmt.Errorf("capacity must be >= %d, got %d: %w", minCapacity, l.Capacity, ErrInvalidInput)
	}

	if l.Capacity > maxCapacity {
		return fmt.Errorf("capacity %d exceeds max %d: %w", l.Capacity, maxCapacity, ErrInvalidInput)
	}

	if l.Regions < 1 || l.Regions > maxRegions {
		return fmt.Errorf("regions must be in [1, %d], got %d: %w", maxRegions, l.Regions, ErrInvalidInput)
	}

	return nil
}

// Size returns the total mapping length in bytes.
func (l Layout) Size() int {
	return l.Regions*l.Capacity + CounterWidth
}

// CounterOffset returns the offset of the client counter.
func (l Layout) CounterOffset() int {
	return l.Regions * l.Capacity
}

// Region returns the span of document region i.
func (l Layout) Region(i int) (Region, error) {
	if i < 0 || i >= l.Regions {
		return Region{}, fmt.Errorf("region index %d not in [0, %d): %w", i, l.Regions, ErrRange)
	}

	return Region{Index: i, Offset: i * l.Capacity, Capacity: l.Capacity}, nil
}

// blank returns the placeholder for one region: an empty document padded
// with spaces to the full capacity.
func (l Layout) blank() []byte {
	buf := bytes.Repeat([]byte{padding}, l.Capacity)
	copy(buf, emptyDocument)

	return buf
}

// image returns the initial contents of a backing file with the counter set
// to clients.
func (l Layout) image(clients int) []byte {
	buf := make([]byte, 0, l.Size())

	blank := l.blank()
	for range l.Regions {
		buf = append(buf, blank...)
	}

	return append(buf, formatCounter(clients)...)
}

// formatCounter renders n as a zero padded decimal of [CounterWidth] digits.
// n must already be within [0, MaxClients].
func formatCounter(n int) []byte {
	return fmt.Appendf(nil, "%0*d", CounterWidth, n)
}

// parseCounter parses exactly [CounterWidth] ASCII digits.
func parseCounter(b []byte) (int, error) {
	if len(b) != CounterWidth {
		return 0, fmt.Errorf("client counter is %d bytes, want %d: %w", len(b), CounterWidth, ErrFormat)
	}

	n := 0

	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("client counter %q is not a decimal: %w", b, ErrFormat)
		}

		n = n*10 + int(c-'0')
	}

	return n, nil
}
