package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	lockFile = "run.lock"
	pidFile  = "routined.pid"
)

// RunLock guarantees a single `run` per storage directory using flock(2).
// While held, the owning pid is written next to the lock so `stop` can
// signal it.
type RunLock struct {
	dir  string
	file *os.File
}

// AcquireRunLock takes the lock without blocking. ErrLocked means another
// process is running against dir.
func AcquireRunLock(dir string) (*RunLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, pidFile), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &RunLock{dir: dir, file: f}, nil
}

// Release removes the pid file and drops the lock.
func (l *RunLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(filepath.Join(l.dir, pidFile))
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// ReadPID returns the pid of the running instance for dir. It reports
// os.ErrNotExist when no instance holds the lock.
func ReadPID(dir string) (int, error) {
	b, err := os.ReadFile(filepath.Join(dir, pidFile))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file: %q", strings.TrimSpace(string(b)))
	}
	// A stale pid file without a lock holder means the process died.
	if l, lerr := AcquireRunLock(dir); lerr == nil {
		_ = l.Release()
		return 0, os.ErrNotExist
	}
	return pid, nil
}
