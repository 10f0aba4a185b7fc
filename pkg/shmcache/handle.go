package shmcache

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/calvinalkan/shmcache/pkg/region"
)

// Region indexes within the mapping.
const (
	dataRegion       = 0
	expirationRegion = 1
)

// document is the decoded data region.
type document map[string]any

// expirations maps keys to absolute expiry times in unix seconds.
type expirations map[string]int64

// handle is the shared implementation behind [Cache] and [Dict].
//
// Every public operation runs inside one locked section of the store: the
// regions are decoded, mutated in memory and written back before the lock is
// released. Each write re-encodes the whole document, so the cost of every
// mutation grows with the total size of the cache. That is acceptable for
// the small fixed capacities this package targets and is not meant to scale.
type handle struct {
	st       *region.Store
	name     string
	expiring bool

	codec      Codec
	metrics    Metrics
	log        zerolog.Logger
	now        func() time.Time
	defaultTTL time.Duration
}

func open(opts Options, expiring bool) (*handle, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	regions := 1
	if expiring {
		regions = 2
	}

	logger := opts.Logger.With().Str("cache", opts.Name).Logger()

	st, err := region.Open(region.Options{
		Path:        Path(opts.Dir, opts.Name),
		Layout:      region.Layout{Capacity: opts.Capacity, Regions: regions},
		ForceReset:  opts.ForceReset,
		Writeback:   opts.Writeback,
		LockTimeout: opts.LockTimeout,
		Logger:      &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache %q: %w", opts.Name, err)
	}

	return &handle{
		st:         st,
		name:       opts.Name,
		expiring:   expiring,
		codec:      opts.Codec,
		metrics:    opts.Metrics,
		log:        logger,
		now:        opts.Clock,
		defaultTTL: opts.DefaultTTL,
	}, nil
}

// load decodes the data region and, for expiring caches, evicts every entry
// whose expiry is due. Evictions are written back immediately (data region
// first, then expirations) when tx is writable.
func (h *handle) load(tx *region.Tx) (document, expirations, error) {
	doc, err := h.decodeData(tx)
	if err != nil {
		return nil, nil, err
	}

	if !h.expiring {
		return doc, nil, nil
	}

	exp, err := h.decodeExpirations(tx)
	if err != nil {
		return nil, nil, err
	}

	now := h.now().Unix()
	evicted := 0

	for key := range doc {
		at, ok := exp[key]
		if ok && now >= at {
			delete(doc, key)
			delete(exp, key)

			evicted++
		}
	}

	if evicted == 0 {
		return doc, exp, nil
	}

	err = h.storeData(tx, doc)
	if err != nil {
		return nil, nil, err
	}

	err = h.storeExpirations(tx, exp)
	if err != nil {
		return nil, nil, err
	}

	h.metrics.Evict(evicted)
	h.log.Debug().Int("evicted", evicted).Msg("evicted expired entries")

	return doc, exp, nil
}

func (h *handle) decodeData(tx *region.Tx) (document, error) {
	raw, err := tx.LoadDocument(dataRegion)
	if err != nil {
		return nil, err
	}

	var doc document

	err = h.codec.Unmarshal(raw, &doc)
	if err != nil {
		return nil, fmt.Errorf("decode data region: %w: %w", ErrFormat, err)
	}

	if doc == nil {
		return nil, fmt.Errorf("decode data region: not an object: %w", ErrFormat)
	}

	return doc, nil
}

func (h *handle) decodeExpirations(tx *region.Tx) (expirations, error) {
	raw, err := tx.LoadDocument(expirationRegion)
	if err != nil {
		return nil, err
	}

	var exp expirations

	err = h.codec.Unmarshal(raw, &exp)
	if err != nil {
		return nil, fmt.Errorf("decode expiration region: %w: %w", ErrFormat, err)
	}

	if exp == nil {
		return nil, fmt.Errorf("decode expiration region: not an object: %w", ErrFormat)
	}

	return exp, nil
}

func (h *handle) encode(v any) ([]byte, error) {
	payload, err := h.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	return payload, nil
}

// fits reports ErrCapacityExceeded before anything is written, so a
// mutation that touches both regions either writes both or neither.
func (h *handle) fits(payloads ...[]byte) error {
	capacity := h.st.Capacity()

	for _, p := range payloads {
		if len(p) > capacity {
			return fmt.Errorf("encoded document is %d bytes, capacity is %d: %w", len(p), capacity, ErrCapacityExceeded)
		}
	}

	return nil
}

func (h *handle) storeData(tx *region.Tx, doc document) error {
	payload, err := h.encode(doc)
	if err != nil {
		return err
	}

	return h.writeData(tx, doc, payload)
}

func (h *handle) writeData(tx *region.Tx, doc document, payload []byte) error {
	err := tx.StoreDocument(dataRegion, payload)
	if err != nil {
		return err
	}

	h.metrics.Size(len(doc), len(payload))

	return nil
}

func (h *handle) storeExpirations(tx *region.Tx, exp expirations) error {
	payload, err := h.encode(exp)
	if err != nil {
		return err
	}

	return tx.StoreDocument(expirationRegion, payload)
}

// decodeValue converts a stored value into dst by re-encoding it. A nil dst
// only checks presence.
func (h *handle) decodeValue(key string, v any, dst any) error {
	if dst == nil {
		return nil
	}

	raw, err := h.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("value %q: %w", key, err)
	}

	err = h.codec.Unmarshal(raw, dst)
	if err != nil {
		return fmt.Errorf("value %q: %w", key, err)
	}

	return nil
}

// update runs fn with the evicted documents inside the exclusive lock.
func (h *handle) update(fn func(tx *region.Tx, doc document, exp expirations) error) error {
	return h.st.WithLock(func(tx *region.Tx) error {
		doc, exp, err := h.load(tx)
		if err != nil {
			return err
		}

		return fn(tx, doc, exp)
	})
}

func (h *handle) get(key string, dst any) (bool, error) {
	var found bool

	err := h.update(func(_ *region.Tx, doc document, _ expirations) error {
		v, ok := doc[key]
		if !ok {
			h.metrics.Miss()

			return nil
		}

		h.metrics.Hit()

		found = true

		return h.decodeValue(key, v, dst)
	})

	return found, err
}

// set stores key. ttl is nil when no expiration applies; keepTTL leaves an
// existing expiration in place in that case.
func (h *handle) set(key string, value any, ttl *time.Duration, keepTTL bool) error {
	return h.update(func(tx *region.Tx, doc document, exp expirations) error {
		doc[key] = value

		data, err := h.encode(doc)
		if err != nil {
			return err
		}

		if !h.expiring {
			err = h.fits(data)
			if err != nil {
				return err
			}

			return h.writeData(tx, doc, data)
		}

		expChanged := false

		switch {
		case ttl != nil:
			exp[key] = expiresAt(h.now(), *ttl)
			expChanged = true
		case !keepTTL:
			if _, ok := exp[key]; ok {
				delete(exp, key)

				expChanged = true
			}
		}

		var expPayload []byte

		if expChanged {
			expPayload, err = h.encode(exp)
			if err != nil {
				return err
			}
		}

		err = h.fits(data, expPayload)
		if err != nil {
			return err
		}

		err = h.writeData(tx, doc, data)
		if err != nil {
			return err
		}

		if !expChanged {
			return nil
		}

		return tx.StoreDocument(expirationRegion, expPayload)
	})
}

// remove deletes key from both documents and writes back whatever changed.
func (h *handle) remove(tx *region.Tx, doc document, exp expirations, key string) (bool, error) {
	_, existed := doc[key]
	if existed {
		delete(doc, key)

		err := h.storeData(tx, doc)
		if err != nil {
			return false, err
		}
	}

	if _, ok := exp[key]; ok {
		delete(exp, key)

		err := h.storeExpirations(tx, exp)
		if err != nil {
			return existed, err
		}
	}

	return existed, nil
}

func (h *handle) delete(key string) (bool, error) {
	var existed bool

	err := h.update(func(tx *region.Tx, doc document, exp expirations) error {
		var err error

		existed, err = h.remove(tx, doc, exp, key)

		return err
	})

	return existed, err
}

// pop reads key into dst and removes it.
func (h *handle) pop(key string, dst any) (bool, error) {
	var found bool

	err := h.update(func(tx *region.Tx, doc document, exp expirations) error {
		v, ok := doc[key]
		if !ok {
			h.metrics.Miss()

			return nil
		}

		h.metrics.Hit()

		err := h.decodeValue(key, v, dst)
		if err != nil {
			return err
		}

		found, err = h.remove(tx, doc, exp, key)

		return err
	})

	return found, err
}

func (h *handle) keys() ([]string, error) {
	var keys []string

	err := h.update(func(_ *region.Tx, doc document, _ expirations) error {
		keys = slices.Sorted(maps.Keys(doc))

		return nil
	})

	return keys, err
}

func (h *handle) items() (map[string]any, error) {
	var items map[string]any

	err := h.update(func(_ *region.Tx, doc document, _ expirations) error {
		items = doc

		return nil
	})

	return items, err
}

// clear blanks every region.
func (h *handle) clear() error {
	return h.st.WithLock(func(tx *region.Tx) error {
		for i := range h.st.Layout().Regions {
			err := tx.Blank(i)
			if err != nil {
				return err
			}
		}

		h.metrics.Size(0, len(emptyDocument))

		return nil
	})
}

const emptyDocument = "{}"

func (h *handle) describe() (Info, error) {
	info := Info{
		Name:     h.name,
		Path:     h.st.Path(),
		Capacity: h.st.Capacity(),
		Expiring: h.expiring,
	}

	err := h.update(func(tx *region.Tx, doc document, exp expirations) error {
		clients, err := tx.ClientCount()
		if err != nil {
			return err
		}

		info.Clients = clients
		info.Keys = len(doc)

		raw, err := tx.LoadDocument(dataRegion)
		if err != nil {
			return err
		}

		info.DataBytes = len(raw)

		if h.expiring {
			info.Expirations = len(exp)

			raw, err = tx.LoadDocument(expirationRegion)
			if err != nil {
				return err
			}

			info.ExpirationBytes = len(raw)
		}

		return nil
	})

	return info, err
}

// expiration reads the stored expiry for key under the shared lock. It does
// not evict.
func (h *handle) expiration(key string) (int64, bool, error) {
	var (
		at    int64
		found bool
	)

	err := h.st.WithRLock(func(tx *region.Tx) error {
		exp, err := h.decodeExpirations(tx)
		if err != nil {
			return err
		}

		at, found = exp[key]

		return nil
	})

	return at, found, err
}

// setExpiration sets or, with a nil ttl, removes the expiry of key.
func (h *handle) setExpiration(key string, ttl *time.Duration) error {
	return h.update(func(tx *region.Tx, _ document, exp expirations) error {
		if ttl == nil {
			if _, ok := exp[key]; !ok {
				return nil
			}

			delete(exp, key)
		} else {
			exp[key] = expiresAt(h.now(), *ttl)
		}

		payload, err := h.encode(exp)
		if err != nil {
			return err
		}

		err = h.fits(payload)
		if err != nil {
			return err
		}

		return tx.StoreDocument(expirationRegion, payload)
	})
}

func (h *handle) clientCount() (int, error) {
	var n int

	err := h.st.WithRLock(func(tx *region.Tx) error {
		var err error

		n, err = tx.ClientCount()

		return err
	})

	return n, err
}

func (h *handle) close() error {
	err := h.st.Close()
	if err != nil {
		return fmt.Errorf("close cache %q: %w", h.name, err)
	}

	return nil
}

// expiresAt returns now+ttl in unix seconds, rounding partial seconds up so a
// positive TTL never expires early. Saturates at math.MaxInt64.
func expiresAt(now time.Time, ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}

	base := now.Unix()
	if secs > math.MaxInt64-base {
		return math.MaxInt64
	}

	return base + secs
}
