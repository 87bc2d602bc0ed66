// Package lock keeps two runs from writing into the same results directory.
// A lock is a flock(2) on a file inside the directory and lives as long as
// its file descriptor stays open.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// FileName is the lock file created inside a locked directory.
const FileName = ".calcflow.lock"

// ErrLocked is returned when another holder owns the directory.
var ErrLocked = errors.New("directory is locked")

// DirLock is an exclusive lock on one directory.
type DirLock struct {
	dir  string
	path string
	f    *os.File
}

// AcquireDir locks dir without blocking, creating it when needed. holder is
// recorded next to the PID so a refused caller can say who is in the way.
func AcquireDir(dir, holder string) (*DirLock, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("lock directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := filepath.Join(dir, FileName)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open lock file: %w", err)
		}
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			_ = f.Close()
			if errors.Is(err, syscall.EWOULDBLOCK) {
				if who, _ := Holder(dir); who != "" {
					return nil, fmt.Errorf("%s held by %s: %w", dir, who, ErrLocked)
				}
				return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
			}
			return nil, fmt.Errorf("acquire lock: %w", err)
		}

		// A releasing holder unlinks the file before unlocking, so the
		// descriptor may point at a file that is no longer in the directory.
		if !sameFile(f, path) {
			_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
			_ = f.Close()
			continue
		}

		l := &DirLock{dir: dir, path: path, f: f}
		if err := l.writeHolder(holder); err != nil {
			_ = l.Release()
			return nil, err
		}
		return l, nil
	}
}

func sameFile(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, onDisk)
}

func (l *DirLock) writeHolder(holder string) error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	line := fmt.Sprintf("%d", os.Getpid())
	if holder = strings.TrimSpace(holder); holder != "" {
		line += " " + holder
	}
	if _, err := fmt.Fprintln(l.f, line); err != nil {
		return fmt.Errorf("write lock holder: %w", err)
	}
	return l.f.Sync()
}

// Holder returns the "pid holder" line recorded in dir's lock file, or ""
// when there is none.
func Holder(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Dir returns the locked directory.
func (l *DirLock) Dir() string { return l.dir }

// Release removes the lock file and drops the lock. It is safe to call more
// than once.
func (l *DirLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	rmErr := os.Remove(l.path)
	if os.IsNotExist(rmErr) {
		rmErr = nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	if rmErr != nil {
		return fmt.Errorf("remove lock file: %w", rmErr)
	}
	return err
}
