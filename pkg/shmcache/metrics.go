package shmcache

// Metrics receives cache events. Implementations must be safe for concurrent
// use. See package prom for a Prometheus adapter.
type Metrics interface {
	// Hit is called when Get or Pop finds the key.
	Hit()

	// Miss is called when Get or Pop does not find the key.
	Miss()

	// Evict is called with the number of entries removed by one lazy
	// eviction pass.
	Evict(n int)

	// Size is called after every write of the data region with the number
	// of entries and the encoded size of the data document.
	Size(entries int, bytes int)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()          {}
func (NoopMetrics) Miss()         {}
func (NoopMetrics) Evict(int)     {}
func (NoopMetrics) Size(int, int) {}

var _ Metrics = NoopMetrics{}
