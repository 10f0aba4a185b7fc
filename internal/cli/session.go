package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
	"github.com/calvinalkan/shmcache/pkg/shmcache/prom"
)

var errNoExpiration = errors.New("opened with --base: expiration is not supported")

// kv is the part of the API shared by [shmcache.Cache] and [shmcache.Dict].
type kv interface {
	Name() string
	Get(key string, dst any) (bool, error)
	Delete(key string) (bool, error)
	Pop(key string, dst any) (bool, error)
	Keys() ([]string, error)
	Len() (int, error)
	Items() (map[string]any, error)
	Clear() error
	Describe() (shmcache.Info, error)
	ClientCount() (int, error)
	Close() error
}

var (
	_ kv = (*shmcache.Cache)(nil)
	_ kv = (*shmcache.Dict)(nil)
)

// session is one open cache plus what the commands need around it.
type session struct {
	kv

	opts shmcache.Options
	base bool
	reg  *prometheus.Registry
	log  zerolog.Logger
}

func openSession(name string, cfg Config, reset bool, logger *zerolog.Logger) (*session, error) {
	reg := prometheus.NewRegistry()

	opts := cacheOptions(name, cfg, reset, logger)
	opts.Metrics = prom.New(reg, "shmcache", "", prometheus.Labels{"cache": name})

	log := logger.With().Str("cache", name).Logger()

	s := &session{opts: opts, base: cfg.Base, reg: reg, log: log}

	h, err := s.open()
	if err != nil {
		return nil, err
	}

	s.kv = h

	// Further handles (bench workers) attach to what this one set up.
	s.opts.ForceReset = false

	log.Debug().Str("path", shmcache.Path(opts.Dir, h.Name())).Msg("session opened")

	return s, nil
}

// open attaches a new handle with the session's options.
func (s *session) open() (kv, error) {
	if s.base {
		d, err := shmcache.OpenDict(s.opts)
		if err != nil {
			return nil, err
		}

		return d, nil
	}

	c, err := shmcache.Open(s.opts)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// set stores value with an optional TTL on h.
func set(h kv, key string, value any, ttl *time.Duration) error {
	switch c := h.(type) {
	case *shmcache.Cache:
		if ttl != nil {
			return c.Set(key, value, shmcache.WithTTL(*ttl))
		}

		return c.Set(key, value)
	case *shmcache.Dict:
		if ttl != nil {
			return errNoExpiration
		}

		return c.Set(key, value)
	default:
		return fmt.Errorf("unsupported handle %T", h)
	}
}

// expiring returns the session's handle as a Cache, or errNoExpiration.
func (s *session) expiring() (*shmcache.Cache, error) {
	c, ok := s.kv.(*shmcache.Cache)
	if !ok {
		return nil, errNoExpiration
	}

	return c, nil
}
