package app

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"routined/internal/config"
	"routined/internal/priority"
	"routined/internal/storage"
	logx "routined/pkg/logx"
)

// ErrRunning is returned when a command that writes state finds a running
// scheduler on the same storage directory.
var ErrRunning = errors.New("a scheduler is running on this storage directory; run `routined stop` first")

// State gives CLI commands direct access to the persisted priorities and
// history without starting the loop.
type State struct {
	Config     *config.Config
	Resolved   config.Resolved
	Store      storage.Store
	Priorities *priority.Store

	lock *storage.RunLock
}

// OpenState opens storage for path's config. With write set the run lock is
// taken so edits cannot race a running scheduler.
func OpenState(path string, write bool, log logx.Logger) (st *State, err error) {
	_, cfg, res, err := LoadConfig(path, Overrides{})
	if err != nil {
		return nil, err
	}
	st = &State{Config: cfg, Resolved: res}
	defer func() {
		if err != nil {
			_ = st.Close()
			st = nil
		}
	}()

	dir := cfg.StorageDir()
	if write {
		if st.lock, err = storage.AcquireRunLock(dir); err != nil {
			if errors.Is(err, storage.ErrLocked) {
				return nil, ErrRunning
			}
			return nil, err
		}
	}
	if st.Store, err = storage.Open(storageConfig(cfg, res), log); err != nil {
		return nil, err
	}
	if st.Priorities, err = priority.Open(st.Store, priority.WithLogger(log)); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *State) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	if s.lock != nil {
		errs = append(errs, s.lock.Release())
	}
	return errors.Join(errs...)
}

// Stop sends SIGTERM to the scheduler running on path's storage directory
// and waits up to timeout for it to release the lock. It returns the pid.
func Stop(path string, timeout time.Duration) (int, error) {
	_, cfg, _, err := LoadConfig(path, Overrides{})
	if err != nil {
		return 0, err
	}
	dir := cfg.StorageDir()
	pid, err := storage.ReadPID(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("no scheduler is running for %s", dir)
		}
		return 0, err
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := storage.ReadPID(dir); errors.Is(err, os.ErrNotExist) {
			return pid, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return pid, fmt.Errorf("pid %d did not exit within %s", pid, timeout)
}
