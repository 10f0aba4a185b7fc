package shmcache

import "time"

// SetOption customizes a single [Cache.Set].
type SetOption func(*setOptions)

type setOptions struct {
	ttl     *time.Duration
	keepTTL bool
}

// WithTTL makes the key expire ttl from now, overriding Options.DefaultTTL.
// A zero ttl expires the key at the next access.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = &ttl
	}
}

// KeepTTL leaves an existing expiration of the key untouched when no TTL
// applies to the Set.
func KeepTTL() SetOption {
	return func(o *setOptions) {
		o.keepTTL = true
	}
}

func applySetOptions(opts []SetOption) setOptions {
	var o setOptions

	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	return o
}
