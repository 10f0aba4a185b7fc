package shmcache

import "fmt"

// Dict is a shared key-value map without expiration. Its backing file holds
// only the data region and the client counter, so a Dict and a [Cache] must
// not be opened on the same name.
//
// Dict has the same concurrency and lifecycle rules as [Cache].
type Dict struct {
	_ [0]func() // prevent external construction

	h *handle
}

// OpenDict attaches to the named map, creating its backing file on first use.
// Options.DefaultTTL must be zero.
func OpenDict(opts Options) (*Dict, error) {
	if opts.DefaultTTL != 0 {
		return nil, fmt.Errorf("default_ttl is not supported without expiration: %w", ErrInvalidInput)
	}

	h, err := open(opts, false)
	if err != nil {
		return nil, err
	}

	return &Dict{h: h}, nil
}

// Name returns the map name.
func (d *Dict) Name() string { return d.h.name }

// Path returns the backing file path.
func (d *Dict) Path() string { return d.h.st.Path() }

// Get decodes the value under key into dst. See [Cache.Get].
func (d *Dict) Get(key string, dst any) (bool, error) {
	return d.h.get(key, dst)
}

// Set stores value under key.
func (d *Dict) Set(key string, value any) error {
	return d.h.set(key, value, nil, false)
}

// Delete removes key and reports whether it was present.
func (d *Dict) Delete(key string) (bool, error) {
	return d.h.delete(key)
}

// Pop decodes the value under key into dst and removes the key.
func (d *Dict) Pop(key string, dst any) (bool, error) {
	return d.h.pop(key, dst)
}

// Contains reports whether key is present.
func (d *Dict) Contains(key string) (bool, error) {
	return d.h.get(key, nil)
}

// Keys returns the keys in sorted order.
func (d *Dict) Keys() ([]string, error) {
	return d.h.keys()
}

// Len returns the number of keys.
func (d *Dict) Len() (int, error) {
	keys, err := d.h.keys()

	return len(keys), err
}

// Items returns a snapshot of every entry. See [Cache.Items].
func (d *Dict) Items() (map[string]any, error) {
	return d.h.items()
}

// Clear removes every entry.
func (d *Dict) Clear() error {
	return d.h.clear()
}

// ClientCount returns the number of attached handles across all processes.
func (d *Dict) ClientCount() (int, error) {
	return d.h.clientCount()
}

// Describe returns a summary of the map.
func (d *Dict) Describe() (Info, error) {
	return d.h.describe()
}

// Close detaches this handle. See [Cache.Close].
func (d *Dict) Close() error {
	return d.h.close()
}
