package region_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/shmcache/pkg/fs"
	"github.com/calvinalkan/shmcache/pkg/region"
)

const testCapacity = 64

func newTestOptions(t *testing.T) region.Options {
	t.Helper()

	return region.Options{
		Path:   filepath.Join(t.TempDir(), "mmap_test"),
		Layout: region.Layout{Capacity: testCapacity, Regions: 2},
	}
}

func mustOpen(t *testing.T, opts region.Options) *region.Store {
	t.Helper()

	st, err := region.Open(opts)
	if err != nil {
		t.Fatalf("Open(%q): %v", opts.Path, err)
	}

	t.Cleanup(func() { _ = st.Close() })

	return st
}

func clientCount(t *testing.T, st *region.Store) int {
	t.Helper()

	n, err := st.ClientCount()
	if err != nil {
		t.Fatalf("ClientCount(): %v", err)
	}

	return n
}

func Test_Open_Creates_File_With_Blank_Regions_And_Counter_When_Missing(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	_ = mustOpen(t, opts)

	got, err := os.ReadFile(opts.Path)
	if err != nil {
		t.Fatalf("ReadFile(%q): %v", opts.Path, err)
	}

	blank := "{}" + strings.Repeat(" ", testCapacity-2)
	want := blank + blank + "00001"

	if diff := cmp.Diff(want, string(got)); diff != "" {
		t.Fatalf("backing file mismatch (-want +got):\n%s", diff)
	}
}

func Test_Open_Uses_Single_Region_Layout_When_Regions_Is_One(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	opts.Layout.Regions = 1

	st := mustOpen(t, opts)

	if st.Size() != testCapacity+region.CounterWidth {
		t.Fatalf("Size()=%d, want %d", st.Size(), testCapacity+region.CounterWidth)
	}

	raw, err := st.ReadRegion(testCapacity, region.CounterWidth)
	if err != nil {
		t.Fatalf("ReadRegion(counter): %v", err)
	}

	if string(raw) != "00001" {
		t.Fatalf("counter=%q, want %q", raw, "00001")
	}
}

func Test_Open_Returns_ErrInvalidInput_When_Options_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	testCases := []struct {
		name string
		opts region.Options
	}{
		{name: "EmptyPath", opts: region.Options{Layout: region.Layout{Capacity: 64, Regions: 1}}},
		{name: "CapacityTooSmall", opts: region.Options{Path: filepath.Join(dir, "a"), Layout: region.Layout{Capacity: 1, Regions: 1}}},
		{name: "ZeroRegions", opts: region.Options{Path: filepath.Join(dir, "b"), Layout: region.Layout{Capacity: 64}}},
		{name: "UnknownWriteback", opts: region.Options{Path: filepath.Join(dir, "c"), Layout: region.Layout{Capacity: 64, Regions: 1}, Writeback: 7}},
		{name: "NegativeLockTimeout", opts: region.Options{Path: filepath.Join(dir, "d"), Layout: region.Layout{Capacity: 64, Regions: 1}, LockTimeout: -1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			st, err := region.Open(tc.opts)
			if err == nil {
				_ = st.Close()

				t.Fatal("Open: want error, got nil")
			}

			if !errors.Is(err, region.ErrInvalidInput) {
				t.Fatalf("Open: err=%v, want %v", err, region.ErrInvalidInput)
			}
		})
	}
}

func Test_Close_Keeps_File_Until_Last_Client_Detaches(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)

	first, err := region.Open(opts)
	if err != nil {
		t.Fatalf("Open first: %v", err)
	}

	second, err := region.Open(opts)
	if err != nil {
		t.Fatalf("Open second: %v", err)
	}

	if n := clientCount(t, second); n != 2 {
		t.Fatalf("ClientCount() after two opens = %d, want 2", n)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("first.Close(): %v", err)
	}

	if _, err := os.Stat(opts.Path); err != nil {
		t.Fatalf("backing file must survive while a client is attached: %v", err)
	}

	if n := clientCount(t, second); n != 1 {
		t.Fatalf("ClientCount() after one close = %d, want 1", n)
	}

	if err := second.Close(); err != nil {
		t.Fatalf("second.Close(): %v", err)
	}

	if _, err := os.Stat(opts.Path); !os.IsNotExist(err) {
		t.Fatalf("backing file must be removed after last close; stat err=%v", err)
	}

	if _, err := os.Stat(opts.Path + ".lock"); !os.IsNotExist(err) {
		t.Fatalf("lock file must be removed after last close; stat err=%v", err)
	}
}

func Test_Close_Is_Idempotent_And_Does_Not_Double_Decrement(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)

	first, err := region.Open(opts)
	if err != nil {
		t.Fatalf("Open first: %v", err)
	}

	second := mustOpen(t, opts)
	third := mustOpen(t, opts)

	for i := range 3 {
		if err := first.Close(); err != nil {
			t.Fatalf("Close() #%d: %v", i+1, err)
		}
	}

	if n := clientCount(t, second); n != 2 {
		t.Fatalf("ClientCount() = %d, want 2", n)
	}

	_ = third
}

func Test_Open_Creates_Fresh_Mapping_When_Previous_One_Was_Removed(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)

	st, err := region.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	err = st.WithLock(func(tx *region.Tx) error {
		return tx.StoreDocument(0, []byte(`{"a":1}`))
	})
	if err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}

	reopened := mustOpen(t, opts)

	var doc []byte

	err = reopened.WithRLock(func(tx *region.Tx) error {
		doc, err = tx.LoadDocument(0)

		return err
	})
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}

	if string(doc) != "{}" {
		t.Fatalf("LoadDocument(0) after recreate = %q, want %q", doc, "{}")
	}

	if n := clientCount(t, reopened); n != 1 {
		t.Fatalf("ClientCount() = %d, want 1", n)
	}
}

func Test_Methods_Return_ErrClosed_After_Close(t *testing.T) {
	t.Parallel()

	st, err := region.Open(newTestOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}

	checks := map[string]error{}

	_, checks["ReadRegion"] = st.ReadRegion(0, 1)
	checks["WriteRegion"] = st.WriteRegion(0, []byte("x"))
	_, checks["ClientCount"] = st.ClientCount()
	checks["SetClientCount"] = st.SetClientCount(1)
	checks["Sync"] = st.Sync()
	checks["WithLock"] = st.WithLock(func(*region.Tx) error { return nil })
	checks["WithRLock"] = st.WithRLock(func(*region.Tx) error { return nil })

	for name, err := range checks {
		if !errors.Is(err, region.ErrClosed) {
			t.Errorf("%s after Close: err=%v, want %v", name, err, region.ErrClosed)
		}
	}
}

func Test_ReadRegion_Returns_ErrRange_When_Out_Of_Bounds(t *testing.T) {
	t.Parallel()

	st := mustOpen(t, newTestOptions(t))
	size := st.Size()

	testCases := []struct {
		name           string
		offset, length int
	}{
		{name: "PastEnd", offset: size, length: 1},
		{name: "Straddles", offset: size - 2, length: 3},
		{name: "NegativeOffset", offset: -1, length: 1},
		{name: "NegativeLength", offset: 0, length: -1},
	}

	for _, tc := range testCases {
		_, err := st.ReadRegion(tc.offset, tc.length)
		if !errors.Is(err, region.ErrRange) {
			t.Errorf("%s: ReadRegion(%d, %d): err=%v, want %v", tc.name, tc.offset, tc.length, err, region.ErrRange)
		}
	}

	raw, err := st.ReadRegion(size-region.CounterWidth, region.CounterWidth)
	if err != nil {
		t.Fatalf("ReadRegion(last %d bytes): %v", region.CounterWidth, err)
	}

	if len(raw) != region.CounterWidth {
		t.Fatalf("ReadRegion returned %d bytes, want %d", len(raw), region.CounterWidth)
	}

	if err := st.WriteRegion(size, []byte("x")); !errors.Is(err, region.ErrRange) {
		t.Fatalf("WriteRegion(%d): err=%v, want %v", size, err, region.ErrRange)
	}
}

func Test_StoreDocument_Enforces_Capacity_And_Leaves_Previous_Content_On_Failure(t *testing.T) {
	t.Parallel()

	st := mustOpen(t, newTestOptions(t))

	payload := func(n int) []byte {
		return []byte(`"` + strings.Repeat("x", n-2) + `"`)
	}

	testCases := []struct {
		name    string
		size    int
		wantErr error
	}{
		{name: "CapacityMinusOne", size: testCapacity - 1},
		{name: "ExactlyCapacity", size: testCapacity},
		{name: "CapacityPlusOne", size: testCapacity + 1, wantErr: region.ErrCapacityExceeded},
	}

	previous := []byte(`{"keep":true}`)

	for _, tc := range testCases {
		err := st.WithLock(func(tx *region.Tx) error {
			if err := tx.StoreDocument(1, previous); err != nil {
				return err
			}

			return tx.StoreDocument(1, payload(tc.size))
		})

		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: StoreDocument(%d bytes): err=%v, want %v", tc.name, tc.size, err, tc.wantErr)
		}

		var got []byte

		err = st.WithRLock(func(tx *region.Tx) error {
			var loadErr error
			got, loadErr = tx.LoadDocument(1)

			return loadErr
		})
		if err != nil {
			t.Fatalf("%s: LoadDocument: %v", tc.name, err)
		}

		want := payload(tc.size)
		if tc.wantErr != nil {
			want = previous
		}

		if !bytes.Equal(got, want) {
			t.Fatalf("%s: LoadDocument(1)=%q, want %q", tc.name, got, want)
		}
	}
}

func Test_StoreDocument_Leaves_No_Remnant_When_Shorter_Payload_Replaces_Longer(t *testing.T) {
	t.Parallel()

	st := mustOpen(t, newTestOptions(t))

	long := []byte(`{"aaaaaaaaaa":"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}`)
	short := []byte(`{"a":1}`)

	err := st.WithLock(func(tx *region.Tx) error {
		if err := tx.StoreDocument(0, long); err != nil {
			return err
		}

		return tx.StoreDocument(0, short)
	})
	if err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}

	raw, err := st.ReadRegion(0, testCapacity)
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}

	want := string(short) + strings.Repeat(" ", testCapacity-len(short))
	if diff := cmp.Diff(want, string(raw)); diff != "" {
		t.Fatalf("region 0 mismatch (-want +got):\n%s", diff)
	}
}

func Test_WithRLock_Rejects_Writes(t *testing.T) {
	t.Parallel()

	st := mustOpen(t, newTestOptions(t))

	err := st.WithRLock(func(tx *region.Tx) error {
		return tx.StoreDocument(0, []byte(`{}`))
	})
	if !errors.Is(err, region.ErrInvalidInput) {
		t.Fatalf("StoreDocument in WithRLock: err=%v, want %v", err, region.ErrInvalidInput)
	}
}

func Test_Open_Returns_ErrFormat_When_File_Size_Does_Not_Match_Layout(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	_ = mustOpen(t, opts)

	other := opts
	other.Layout.Capacity = testCapacity * 2

	st, err := region.Open(other)
	if err == nil {
		_ = st.Close()

		t.Fatal("Open with different capacity: want error, got nil")
	}

	if !errors.Is(err, region.ErrFormat) {
		t.Fatalf("Open with different capacity: err=%v, want %v", err, region.ErrFormat)
	}
}

func Test_Open_Rewrites_File_When_ForceReset_And_Size_Mismatch(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)

	err := os.WriteFile(opts.Path, []byte("garbage"), 0o600)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts.ForceReset = true
	st := mustOpen(t, opts)

	if n := clientCount(t, st); n != 1 {
		t.Fatalf("ClientCount() = %d, want 1", n)
	}

	info, err := os.Stat(opts.Path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if info.Size() != int64(st.Size()) {
		t.Fatalf("file size = %d, want %d", info.Size(), st.Size())
	}
}

func Test_Open_With_ForceReset_Blanks_Regions_And_Zeroes_Counter(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	first := mustOpen(t, opts)

	err := first.WithLock(func(tx *region.Tx) error {
		if err := tx.StoreDocument(0, []byte(`{"a":1}`)); err != nil {
			return err
		}

		return tx.StoreDocument(1, []byte(`{"a":99}`))
	})
	if err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}

	reset := opts
	reset.ForceReset = true
	second := mustOpen(t, reset)

	if n := clientCount(t, second); n != 1 {
		t.Fatalf("ClientCount() after reset = %d, want 1", n)
	}

	err = first.WithRLock(func(tx *region.Tx) error {
		for i := range 2 {
			doc, err := tx.LoadDocument(i)
			if err != nil {
				return err
			}

			if string(doc) != "{}" {
				t.Errorf("LoadDocument(%d) after reset = %q, want {}", i, doc)
			}
		}

		return nil
	})
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
}

func Test_Counter_Corruption_Is_Reported_As_ErrFormat(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	st, err := region.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	counterOffset := opts.Layout.CounterOffset()

	if err := st.WriteRegion(counterOffset, []byte("12a45")); err != nil {
		t.Fatalf("WriteRegion(counter): %v", err)
	}

	if _, err := st.ClientCount(); !errors.Is(err, region.ErrFormat) {
		t.Fatalf("ClientCount(): err=%v, want %v", err, region.ErrFormat)
	}

	other, err := region.Open(opts)
	if err == nil {
		_ = other.Close()

		t.Fatal("Open with corrupt counter: want error, got nil")
	}

	if !errors.Is(err, region.ErrFormat) {
		t.Fatalf("Open with corrupt counter: err=%v, want %v", err, region.ErrFormat)
	}

	if err := st.Close(); !errors.Is(err, region.ErrFormat) {
		t.Fatalf("Close() with corrupt counter: err=%v, want %v", err, region.ErrFormat)
	}

	if _, err := os.Stat(opts.Path); err != nil {
		t.Fatalf("corrupt file must be left in place: %v", err)
	}

	// A reset recovers the mapping.
	opts.ForceReset = true
	recovered := mustOpen(t, opts)

	if n := clientCount(t, recovered); n != 1 {
		t.Fatalf("ClientCount() after reset = %d, want 1", n)
	}
}

func Test_SetClientCount_Rejects_Values_Outside_Counter_Width(t *testing.T) {
	t.Parallel()

	st := mustOpen(t, newTestOptions(t))

	if err := st.SetClientCount(region.MaxClients + 1); !errors.Is(err, region.ErrClientLimit) {
		t.Fatalf("SetClientCount(%d): err=%v, want %v", region.MaxClients+1, err, region.ErrClientLimit)
	}

	if err := st.SetClientCount(-1); !errors.Is(err, region.ErrInvalidInput) {
		t.Fatalf("SetClientCount(-1): err=%v, want %v", err, region.ErrInvalidInput)
	}

	if err := st.SetClientCount(region.MaxClients); err != nil {
		t.Fatalf("SetClientCount(%d): %v", region.MaxClients, err)
	}

	if n := clientCount(t, st); n != region.MaxClients {
		t.Fatalf("ClientCount() = %d, want %d", n, region.MaxClients)
	}

	opts := region.Options{Path: st.Path(), Layout: st.Layout()}

	other, err := region.Open(opts)
	if err == nil {
		_ = other.Close()

		t.Fatal("Open at MaxClients: want error, got nil")
	}

	if !errors.Is(err, region.ErrClientLimit) {
		t.Fatalf("Open at MaxClients: err=%v, want %v", err, region.ErrClientLimit)
	}

	// Let the cleanup close drop the file.
	if err := st.SetClientCount(1); err != nil {
		t.Fatalf("SetClientCount(1): %v", err)
	}
}

func Test_WritebackSync_Persists_Document_To_File(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	opts.Writeback = region.WritebackSync

	st := mustOpen(t, opts)

	err := st.WithLock(func(tx *region.Tx) error {
		return tx.StoreDocument(1, []byte(`{"k":"v"}`))
	})
	if err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}

	if err := st.Sync(); err != nil {
		t.Fatalf("Sync(): %v", err)
	}

	raw, err := os.ReadFile(opts.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if !bytes.HasPrefix(raw[testCapacity:], []byte(`{"k":"v"} `)) {
		t.Fatalf("region 1 on disk = %q, want prefix %q", raw[testCapacity:testCapacity+12], `{"k":"v"} `)
	}
}

func Test_Close_Stays_Retryable_When_Lock_Times_Out(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	opts.LockTimeout = 20 * time.Millisecond

	a, err := region.Open(opts)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}

	b, err := region.Open(opts)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}

	holder, err := fs.NewLocker(fs.NewReal()).LockWithTimeout(opts.Path+".lock", time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout: %v", err)
	}

	err = b.Close()
	if !errors.Is(err, region.ErrLockTimeout) {
		_ = holder.Close()

		t.Fatalf("Close() while locked: err=%v, want %v", err, region.ErrLockTimeout)
	}

	if err := holder.Close(); err != nil {
		t.Fatalf("holder.Close(): %v", err)
	}

	if n := clientCount(t, b); n != 2 {
		t.Fatalf("ClientCount() after failed Close = %d, want 2", n)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("retried Close(): %v", err)
	}

	if n := clientCount(t, a); n != 1 {
		t.Fatalf("ClientCount() after retried Close = %d, want 1", n)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("a.Close(): %v", err)
	}

	if _, err := os.Stat(opts.Path); !os.IsNotExist(err) {
		t.Fatalf("backing file must be removed after last close; stat err=%v", err)
	}
}
