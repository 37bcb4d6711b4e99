// Package lock keeps one gateway process per config. Two processes sharing a
// credential set would both refresh it and invalidate each other's token.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked means another process holds the lock.
var ErrLocked = errors.New("another instance is running")

// PIDLock is a single-instance lock implemented via a PID file + flock(2).
// Keep the lock alive by keeping the file descriptor open.
type PIDLock struct {
	path string
	f    *os.File
}

// DefaultPath derives the lock path for a config file when service.pid_file
// is unset.
func DefaultPath(configPath string) string {
	base := strings.TrimSuffix(filepath.Base(configPath), filepath.Ext(configPath))
	return filepath.Join(filepath.Dir(configPath), "."+base+".pid")
}

// Acquire takes an exclusive non-blocking lock at lockPath and writes the
// current PID into the file. The returned handle must be released.
func Acquire(lockPath string) (*PIDLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, perr := ReadPID(lockPath); perr == nil {
				return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrLocked, pid, lockPath)
			}
			return nil, fmt.Errorf("%w (lock %s)", ErrLocked, lockPath)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	fail := func(step string, err error) (*PIDLock, error) {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate lock file", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek lock file", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fail("write pid", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync lock file", err)
	}

	return &PIDLock{path: lockPath, f: f}, nil
}

// ReadPID returns the pid recorded in a lock file.
func ReadPID(lockPath string) (int, error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func (l *PIDLock) Path() string { return l.path }

// Release unlocks and removes the pid file. Safe to call twice.
func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = os.Remove(l.path)
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
