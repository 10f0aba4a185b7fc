package shmcache_test

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

func Test_OpenDict_Creates_Single_Region_File(t *testing.T) {
	t.Parallel()

	d, err := shmcache.OpenDict(newTestOptions(t))
	require.NoError(t, err)

	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Set("k", []int{1, 2}))

	got, err := os.ReadFile(d.Path())
	require.NoError(t, err)

	want := region(`{"k":[1,2]}`, testCapacity) + "00001"

	if diff := cmp.Diff(want, string(got)); diff != "" {
		t.Fatalf("backing file mismatch (-want +got):\n%s", diff)
	}

	var values []int

	ok, err := d.Get("k", &values)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []int{1, 2}, values)

	ok, err = d.Pop("k", nil)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := d.Len()
	require.NoError(t, err)
	require.Zero(t, n)

	info, err := d.Describe()
	require.NoError(t, err)
	require.False(t, info.Expiring)
	require.Zero(t, info.ExpirationBytes)
}

func Test_OpenDict_Returns_ErrInvalidInput_When_DefaultTTL_Set(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	opts.DefaultTTL = time.Second

	_, err := shmcache.OpenDict(opts)
	if !errors.Is(err, shmcache.ErrInvalidInput) {
		t.Fatalf("OpenDict(DefaultTTL=1s): err=%v, want %v", err, shmcache.ErrInvalidInput)
	}
}

func Test_OpenDict_Returns_ErrFormat_When_Name_Holds_Cache_Layout(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	_ = mustOpen(t, opts)

	_, err := shmcache.OpenDict(opts)
	if !errors.Is(err, shmcache.ErrFormat) {
		t.Fatalf("OpenDict() on cache file: err=%v, want %v", err, shmcache.ErrFormat)
	}
}

type recordingMetrics struct {
	mu      sync.Mutex
	hits    int
	misses  int
	evicted int
	entries int
	bytes   int
}

func (m *recordingMetrics) Hit() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hits++
}

func (m *recordingMetrics) Miss() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.misses++
}

func (m *recordingMetrics) Evict(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evicted += n
}

func (m *recordingMetrics) Size(entries, bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries, m.bytes = entries, bytes
}

func Test_Cache_Reports_Hits_Misses_And_Evictions_To_Metrics(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	metrics := &recordingMetrics{}

	opts := newTestOptions(t)
	opts.Clock = clock.Now
	opts.Metrics = metrics

	c := mustOpen(t, opts)

	mustSet(t, c, "a", 1, shmcache.WithTTL(time.Second))
	mustSet(t, c, "b", 2)

	_, _ = c.Get("a", nil)
	_, _ = c.Get("missing", nil)

	clock.Advance(time.Second)

	_, _ = c.Get("a", nil)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()

	require.Equal(t, 1, metrics.hits)
	require.Equal(t, 2, metrics.misses)
	require.Equal(t, 1, metrics.evicted)
	require.Equal(t, 1, metrics.entries)
	require.Equal(t, len(`{"b":2}`), metrics.bytes)
}

func Test_JSONCodec_Unmarshal_Rejects_Trailing_Data(t *testing.T) {
	t.Parallel()

	var v map[string]any

	err := shmcache.JSONCodec{}.Unmarshal([]byte(`{"a":1} {}`), &v)
	if err == nil {
		t.Fatal("Unmarshal(two values): err=nil, want error")
	}

	err = shmcache.JSONCodec{}.Unmarshal([]byte(`{"a":12345678901234567890}`), &v)
	require.NoError(t, err)
	require.Equal(t, "12345678901234567890", v["a"].(interface{ String() string }).String())
}

func Test_Path_Uses_Prefix_And_TempDir_Default(t *testing.T) {
	t.Parallel()

	require.True(t, strings.HasSuffix(shmcache.Path("", "abc"), "/mmap_abc"))
	require.Equal(t, "/var/run/mmap_abc", shmcache.Path("/var/run", "abc"))
}
