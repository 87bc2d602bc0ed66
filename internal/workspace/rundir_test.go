package workspace

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/mattjoyce/calcflow/internal/fileutil"
)

func stageForArchive(t *testing.T, opts Options) *RunDir {
	t.Helper()
	if opts.ScratchRoot == "" {
		opts.ScratchRoot = t.TempDir()
	}
	mgr := newTestManager(t, opts)
	rd, err := mgr.Stage(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	return rd
}

func TestArchiveCopiesTreeAndRemovesScratch(t *testing.T) {
	rd := stageForArchive(t, Options{LinkName: "tmp_dir"})
	writeFile(t, filepath.Join(rd.ScratchDir, "orca.out"), "FINAL SINGLE POINT ENERGY")
	writeFile(t, filepath.Join(rd.ScratchDir, "step1", "orca.xyz"), "1\n\nH 0 0 0\n")

	report, err := rd.Archive(context.Background())
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	for _, rel := range []string{"orca.out", filepath.Join("step1", "orca.xyz")} {
		if _, err := os.Stat(filepath.Join(rd.ResultsDir, rel)); err != nil {
			t.Fatalf("archived %s missing: %v", rel, err)
		}
	}
	if len(report.Files) != 2 {
		t.Fatalf("report.Files = %d, want 2", len(report.Files))
	}
	for _, f := range report.Files {
		if len(f.Blake3) != 64 {
			t.Fatalf("checksum for %s = %q", f.Path, f.Blake3)
		}
	}
	if !report.RemovedScratch {
		t.Fatal("scratch directory was not removed")
	}
	if _, err := os.Stat(rd.ScratchDir); !os.IsNotExist(err) {
		t.Fatalf("scratch dir still exists: %v", err)
	}
	if runtime.GOOS != "windows" {
		if _, err := os.Lstat(filepath.Join(rd.ResultsDir, "tmp_dir")); !os.IsNotExist(err) {
			t.Fatalf("scratch link still exists: %v", err)
		}
		if !report.RemovedLink {
			t.Fatal("report.RemovedLink = false")
		}
	}
}

func TestArchiveRunsExactlyOnce(t *testing.T) {
	rd := stageForArchive(t, Options{})
	writeFile(t, filepath.Join(rd.ScratchDir, "a.txt"), "a")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = rd.Archive(context.Background())
		}()
	}
	wg.Wait()

	if got := rd.Archives(); got != 1 {
		t.Fatalf("Archives() = %d, want 1", got)
	}
}

func TestArchiveRunsWithCancelledContext(t *testing.T) {
	rd := stageForArchive(t, Options{})
	writeFile(t, filepath.Join(rd.ScratchDir, "partial.log"), "half done")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := rd.Archive(ctx); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(rd.ResultsDir, "partial.log")); err != nil {
		t.Fatalf("partial.log not archived: %v", err)
	}
}

func TestArchiveGzipThresholdAndKeepPlain(t *testing.T) {
	rd := stageForArchive(t, Options{Gzip: true, MinGzipBytes: 10, KeepPlain: []string{"*.log"}})
	writeFile(t, filepath.Join(rd.ScratchDir, "big.bin"), "0123456789abcdef")
	writeFile(t, filepath.Join(rd.ScratchDir, "big.log"), "0123456789abcdef")
	writeFile(t, filepath.Join(rd.ScratchDir, "small.bin"), "tiny")

	report, err := rd.Archive(context.Background())
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	want := map[string]bool{"big.bin.gz": true, "big.log": false, "small.bin": false}
	for _, f := range report.Files {
		compressed, ok := want[f.Path]
		if !ok {
			t.Fatalf("unexpected archived file %q", f.Path)
		}
		if f.Compressed != compressed {
			t.Fatalf("%s compressed = %v, want %v", f.Path, f.Compressed, compressed)
		}
	}

	r, err := fileutil.Open(filepath.Join(rd.ResultsDir, "big.bin.gz"))
	if err != nil {
		t.Fatalf("Open(big.bin.gz) error = %v", err)
	}
	defer r.Close()
}

func TestArchiveKeepLeavesScratch(t *testing.T) {
	rd := stageForArchive(t, Options{Keep: true})
	writeFile(t, filepath.Join(rd.ScratchDir, "a.txt"), "a")

	report, err := rd.Archive(context.Background())
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if report.RemovedScratch {
		t.Fatal("RemovedScratch = true with Keep set")
	}
	if _, err := os.Stat(rd.ScratchDir); err != nil {
		t.Fatalf("scratch dir removed despite Keep: %v", err)
	}
}

func TestArchiveLeavesLinkRetargetedByAnotherRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not created on windows")
	}
	rd := stageForArchive(t, Options{LinkName: "tmp_dir"})
	other := t.TempDir()
	if err := os.Remove(rd.LinkPath); err != nil {
		t.Fatalf("Remove(link) error = %v", err)
	}
	if err := os.Symlink(other, rd.LinkPath); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}

	if _, err := rd.Archive(context.Background()); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	target, err := os.Readlink(rd.LinkPath)
	if err != nil || target != other {
		t.Fatalf("link for another run was disturbed: target=%q err=%v", target, err)
	}
}
