package shmcache

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/calvinalkan/shmcache/pkg/region"
)

// DefaultCapacity is the number of bytes reserved per region when
// Options.Capacity is zero.
const DefaultCapacity = region.DefaultCapacity

// filePrefix is prepended to the cache name to form the backing file name.
const filePrefix = "mmap_"

// Options configures opening a cache.
type Options struct {
	// Name identifies the mapping. Every process that opens the same Name in
	// the same Dir shares the same data.
	//
	// Empty picks a random ten digit name, which is only useful when the
	// name is then handed to other processes (see [Cache.Name]).
	Name string

	// Dir is where the backing file lives. Default is [os.TempDir].
	Dir string

	// Capacity is the number of bytes reserved for each region. The encoded
	// key/value document must fit in it. Fixed at creation time.
	//
	// Default is [DefaultCapacity].
	Capacity int

	// DefaultTTL is applied to every [Cache.Set] that does not pass
	// [WithTTL]. Zero means entries do not expire by default.
	DefaultTTL time.Duration

	// ForceReset clears all entries and expirations on open, even if the
	// backing file already exists, and writes the client counter as zero
	// before counting this handle. Handles attached before the reset are no
	// longer counted.
	ForceReset bool

	// Codec encodes the region documents and the values in them.
	//
	// Default is [JSONCodec]. All cooperating processes must use the same
	// codec.
	Codec Codec

	// Writeback controls durability of mutations. Default is
	// region.WritebackNone.
	Writeback region.WritebackMode

	// LockTimeout bounds how long an operation waits for the named lock.
	// Default is region.DefaultLockTimeout.
	LockTimeout time.Duration

	// Logger receives debug events (attach, evictions, removal). Nil
	// disables logging.
	Logger *zerolog.Logger

	// Metrics receives hit/miss/eviction events. Default is [NoopMetrics].
	Metrics Metrics

	// Clock returns the current time. Default is [time.Now].
	Clock func() time.Time
}

// Path returns the backing file path for name in dir, applying the same
// defaults as [Open].
func Path(dir, name string) string {
	if dir == "" {
		dir = os.TempDir()
	}

	return filepath.Join(dir, filePrefix+name)
}

// randomName returns a zero padded ten digit decimal string.
func randomName() string {
	return fmt.Sprintf("%010d", rand.Int64N(10_000_000_000))
}

func (o Options) withDefaults() (Options, error) {
	if o.Name == "" {
		o.Name = randomName()
	}

	if strings.ContainsRune(o.Name, os.PathSeparator) || o.Name == "." || o.Name == ".." {
		return o, fmt.Errorf("name %q must not contain a path separator: %w", o.Name, ErrInvalidInput)
	}

	if o.Dir == "" {
		o.Dir = os.TempDir()
	}

	if o.Capacity == 0 {
		o.Capacity = DefaultCapacity
	}

	if o.DefaultTTL < 0 {
		return o, fmt.Errorf("default_ttl must be >= 0, got %s: %w", o.DefaultTTL, ErrInvalidInput)
	}

	if o.Codec == nil {
		o.Codec = JSONCodec{}
	}

	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}

	if o.Clock == nil {
		o.Clock = time.Now
	}

	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}

	return o, nil
}
