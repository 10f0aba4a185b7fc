package shmcache

import (
	"fmt"
	"time"
)

// Cache is a handle to a shared key-value cache with per-key expiration.
//
// The backing file holds a data region, an expiration region and the client
// counter. Expired entries are removed lazily: every operation that loads the
// data region first drops the entries whose expiry has passed and writes both
// regions back. Nothing runs in the background.
//
// All methods are safe for concurrent use by multiple goroutines and by other
// processes that opened the same name. A Cache must be obtained via [Open];
// the zero value is not usable. After [Cache.Close] every method returns
// [ErrClosed].
type Cache struct {
	_ [0]func() // prevent external construction

	h *handle
}

// Open attaches to the named cache, creating its backing file on first use.
//
// The returned Cache must be closed with [Cache.Close]; the last handle to
// close removes the backing file.
//
// Possible errors: [ErrInvalidInput], [ErrIO], [ErrMap], [ErrFormat],
// [ErrClientLimit], [ErrLockTimeout].
func Open(opts Options) (*Cache, error) {
	h, err := open(opts, true)
	if err != nil {
		return nil, err
	}

	return &Cache{h: h}, nil
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.h.name }

// Path returns the backing file path.
func (c *Cache) Path() string { return c.h.st.Path() }

// Get decodes the value stored under key into dst and reports whether the
// key was present. dst is left untouched when it was not, so a caller can
// pre-fill it with a default. A nil dst only checks presence.
func (c *Cache) Get(key string, dst any) (bool, error) {
	return c.h.get(key, dst)
}

// Set stores value under key.
//
// With [WithTTL], or with Options.DefaultTTL set, the key expires after the
// TTL (rounded up to whole seconds). Without either, any expiration left
// from an earlier Set is cleared, unless [KeepTTL] is passed.
//
// Possible errors: [ErrCapacityExceeded] (nothing is written), [ErrFormat],
// [ErrInvalidInput], [ErrClosed].
func (c *Cache) Set(key string, value any, opts ...SetOption) error {
	o := applySetOptions(opts)

	ttl := o.ttl
	if ttl == nil && c.h.defaultTTL > 0 {
		ttl = &c.h.defaultTTL
	}

	if ttl != nil && *ttl < 0 {
		return fmt.Errorf("ttl must be >= 0, got %s: %w", *ttl, ErrInvalidInput)
	}

	return c.h.set(key, value, ttl, o.keepTTL)
}

// Delete removes key and its expiration. It reports whether key was present;
// deleting a missing key is not an error.
func (c *Cache) Delete(key string) (bool, error) {
	return c.h.delete(key)
}

// Pop decodes the value under key into dst and removes the key, in one
// locked step.
func (c *Cache) Pop(key string, dst any) (bool, error) {
	return c.h.pop(key, dst)
}

// Contains reports whether key is present and not expired.
func (c *Cache) Contains(key string) (bool, error) {
	return c.h.get(key, nil)
}

// Keys returns the live keys in sorted order.
func (c *Cache) Keys() ([]string, error) {
	return c.h.keys()
}

// Len returns the number of live keys.
func (c *Cache) Len() (int, error) {
	keys, err := c.h.keys()

	return len(keys), err
}

// Items returns a snapshot of every live entry. Values are decoded without a
// target type (with [JSONCodec]: maps, slices, strings, bools, nil and
// json.Number).
func (c *Cache) Items() (map[string]any, error) {
	return c.h.items()
}

// Clear removes every entry and expiration.
func (c *Cache) Clear() error {
	return c.h.clear()
}

// GetExpiration returns the absolute expiry of key. An expiry that has passed
// but was not yet evicted is still reported.
func (c *Cache) GetExpiration(key string) (time.Time, bool, error) {
	at, ok, err := c.h.expiration(key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}

	return time.Unix(at, 0), true, nil
}

// TTL returns the time left until key expires, clamped at zero.
func (c *Cache) TTL(key string) (time.Duration, bool, error) {
	at, ok, err := c.GetExpiration(key)
	if err != nil || !ok {
		return 0, false, err
	}

	return max(at.Sub(c.h.now()), 0), true, nil
}

// SetExpiration makes key expire ttl from now, independently of its value.
// The key does not have to exist.
func (c *Cache) SetExpiration(key string, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("ttl must be >= 0, got %s: %w", ttl, ErrInvalidInput)
	}

	return c.h.setExpiration(key, &ttl)
}

// ClearExpiration removes any expiration for key. It is idempotent.
func (c *Cache) ClearExpiration(key string) error {
	return c.h.setExpiration(key, nil)
}

// ClientCount returns the number of handles attached to the backing file
// across all processes.
func (c *Cache) ClientCount() (int, error) {
	return c.h.clientCount()
}

// Describe returns a summary of the cache.
func (c *Cache) Describe() (Info, error) {
	return c.h.describe()
}

// Close detaches this handle. The last handle to close removes the backing
// file. Close is idempotent.
func (c *Cache) Close() error {
	return c.h.close()
}
