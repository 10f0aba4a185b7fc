// Package prom exports [shmcache.Metrics] events as Prometheus metrics.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

// Adapter implements shmcache.Metrics with Prometheus counters and gauges.
// Safe for concurrent use.
//
// The gauges describe the cache as last written by this process; other
// processes sharing the same file update their own adapters.
type Adapter struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	entries   prometheus.Gauge
	bytes     prometheus.Gauge
}

// New constructs an adapter and registers its metrics with reg
// (nil means prometheus.DefaultRegisterer). constLabels may be nil; use it
// to tell several caches apart, e.g. prometheus.Labels{"cache": name}.
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Lookups that found the key",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Lookups that did not find the key",
			ConstLabels: constLabels,
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "expired_total",
			Help:        "Entries removed because their TTL passed",
			ConstLabels: constLabels,
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "entries",
			Help:        "Entries in the data region after the last write",
			ConstLabels: constLabels,
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "data_bytes",
			Help:        "Encoded size of the data region after the last write",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(a.hits, a.misses, a.evictions, a.entries, a.bytes)

	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict adds n to the expiration counter.
func (a *Adapter) Evict(n int) { a.evictions.Add(float64(n)) }

// Size updates the entry and byte gauges.
func (a *Adapter) Size(entries, bytes int) {
	a.entries.Set(float64(entries))
	a.bytes.Set(float64(bytes))
}

var _ shmcache.Metrics = (*Adapter)(nil)
