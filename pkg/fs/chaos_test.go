package fs_test

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/calvinalkan/shmcache/pkg/fs"
)

func Test_Chaos_Injects_Every_Operation_When_Rates_Are_One(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "mmap_x")

	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	chaos := fs.NewChaos(fs.NewReal(), 1, fs.ChaosConfig{
		OpenFailRate:     1,
		WriteFailRate:    1,
		RemoveFailRate:   1,
		StatFailRate:     1,
		MkdirAllFailRate: 1,
	})

	checks := map[string]error{}

	_, checks["OpenFile"] = chaos.OpenFile(path, os.O_RDWR, 0)
	checks["WriteFileAtomic"] = chaos.WriteFileAtomic(filepath.Join(dir, "new"), []byte("x"), 0o600)
	checks["Remove"] = chaos.Remove(path)
	_, checks["Stat"] = chaos.Stat(path)
	_, checks["Exists"] = chaos.Exists(path)
	checks["MkdirAll"] = chaos.MkdirAll(filepath.Join(dir, "sub"), 0o750)

	for op, err := range checks {
		if !fs.IsChaosErr(err) {
			t.Errorf("%s: err=%v, want injected error", op, err)
		}

		var errno syscall.Errno
		if !errors.As(err, &errno) {
			t.Errorf("%s: err=%v does not carry an errno", op, err)
		}

		if errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s: injected ENOENT", op)
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file removed despite injected Remove failure: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "new")); !os.IsNotExist(err) {
		t.Fatalf("file written despite injected write failure: err=%v", err)
	}

	if got := chaos.Stats().Total(); got != int64(len(checks)) {
		t.Fatalf("Stats().Total()=%d, want %d", got, len(checks))
	}
}

func Test_Chaos_Passes_Through_When_NoOp(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mmap_y")

	chaos := fs.NewChaos(fs.NewReal(), 1, fs.ChaosConfig{WriteFailRate: 1, StatFailRate: 1})
	chaos.SetMode(fs.ChaosModeNoOp)

	if err := chaos.WriteFileAtomic(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	ok, err := chaos.Exists(path)
	if err != nil || !ok {
		t.Fatalf("Exists()=%v err=%v, want true", ok, err)
	}

	if got := chaos.Stats().Total(); got != 0 {
		t.Fatalf("Stats().Total()=%d, want 0", got)
	}
}

func Test_Chaos_File_Keeps_Descriptor_And_Closes_When_Close_Injected(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mmap_z")

	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	chaos := fs.NewChaos(fs.NewReal(), 7, fs.ChaosConfig{
		FileStatFailRate: 1,
		TruncateFailRate: 1,
		CloseFailRate:    1,
	})

	f, err := chaos.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	if f.Fd() == ^uintptr(0) {
		t.Fatal("Fd() invalid on open chaos file")
	}

	if _, err := f.Stat(); !fs.IsChaosErr(err) {
		t.Errorf("Stat: err=%v, want injected", err)
	}

	if err := f.Truncate(0); !fs.IsChaosErr(err) {
		t.Errorf("Truncate: err=%v, want injected", err)
	}

	if err := f.Close(); !fs.IsChaosErr(err) {
		t.Errorf("Close: err=%v, want injected", err)
	}

	// The real descriptor is closed: a second close reports os.ErrClosed.
	if err := f.Close(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("second Close: err=%v, want os.ErrClosed", err)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "{}" {
		t.Fatalf("ReadFile=%q err=%v, want unchanged", data, err)
	}
}
