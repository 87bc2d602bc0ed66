package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireDirRecordsHolder(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "results", "cu-relax")
	l, err := AcquireDir(dir, "cu/relax")
	if err != nil {
		t.Fatalf("AcquireDir: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	if l.Dir() != dir {
		t.Fatalf("Dir() = %q, want %q", l.Dir(), dir)
	}
	who, err := Holder(dir)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	want := strconv.Itoa(os.Getpid()) + " cu/relax"
	if who != want {
		t.Fatalf("Holder() = %q, want %q", who, want)
	}
}

func TestAcquireDirRefusesSecondHolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := AcquireDir(dir, "first")
	if err != nil {
		t.Fatalf("AcquireDir: %v", err)
	}
	t.Cleanup(func() { _ = first.Release() })

	_, err = AcquireDir(dir, "second")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second AcquireDir error = %v, want ErrLocked", err)
	}
	if !strings.Contains(err.Error(), "first") {
		t.Fatalf("error %q does not name the holder", err)
	}
}

func TestReleaseRemovesFileAndAllowsReacquire(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := AcquireDir(dir, "")
	if err != nil {
		t.Fatalf("AcquireDir: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(err) {
		t.Fatalf("lock file still present: %v", err)
	}

	again, err := AcquireDir(dir, "")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	_ = again.Release()
}

func TestAcquireDirRejectsEmpty(t *testing.T) {
	t.Parallel()
	if _, err := AcquireDir("  ", "x"); err == nil {
		t.Fatal("expected error for empty dir")
	}
}
