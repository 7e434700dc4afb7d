// Package atomicstore provides crash-safe reads and writes of small JSON
// documents (status.json, registry.json) guarded by an advisory file lock,
// so two orchestrator processes never interleave writes to the same file.
package atomicstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"
)

// Sentinel errors, checked with errors.Is by callers (supervisor, registry).
var (
	// ErrLockTimeout is returned when the lock could not be acquired within
	// the retry budget.
	ErrLockTimeout = errors.New("atomicstore: lock acquisition timed out")
	// ErrStaleLockUnreapable is returned when a lock looks stale (older than
	// staleLockAge and its owning pid is gone) but it could not be removed.
	ErrStaleLockUnreapable = errors.New("atomicstore: stale lock could not be reaped")
	// ErrNotFound is returned by Read/Restore when the target file is absent.
	ErrNotFound = errors.New("atomicstore: file not found")
)

const (
	lockBaseDelay  = 100 * time.Millisecond
	lockMaxDelay   = 2000 * time.Millisecond
	lockMaxWall    = 10 * time.Second
	staleLockAge   = 60 * time.Second
	backupSuffix   = ".bak"
	lockFileSuffix = ".lock"
)

// Store roots every Read/Write/WithLock call at dir. One Store is shared by
// every caller touching files under that directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. dir must already exist.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Write atomically replaces name's contents with data: a temp file sibling
// to the target, fsynced, then renamed over it, after which the containing
// directory is fsynced too. Write itself does not take
// name's lock — the contract keeps locking (WithLock) and writing (Write)
// separate, so a caller doing a read-modify-write cycle wraps both halves in
// a single WithLock instead of paying for two lock acquisitions.
func (s *Store) Write(name string, data []byte) error {
	target := s.path(name)
	if err := renameio.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("atomicstore: write %s: %w", name, err)
	}
	dir, err := os.Open(filepath.Dir(target))
	if err != nil {
		return fmt.Errorf("atomicstore: open dir for %s: %w", name, err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("atomicstore: fsync dir for %s: %w", name, err)
	}
	return nil
}

// Read returns name's current contents, or ErrNotFound if it doesn't exist.
// Read does not take the lock: callers that need a read-modify-write cycle
// should wrap both halves in WithLock.
func (s *Store) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("atomicstore: read %s: %w", name, err)
	}
	return data, nil
}

// Backup copies name to name+".bak", atomically. Used before a risky
// read-modify-write cycle (status reconciliation, registry rewrite).
func (s *Store) Backup(name string) error {
	data, err := s.Read(name)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(s.path(name+backupSuffix), data, 0o644); err != nil {
		return fmt.Errorf("atomicstore: backup %s: %w", name, err)
	}
	return nil
}

// Restore copies name+".bak" back over name, atomically.
func (s *Store) Restore(name string) error {
	data, err := s.Read(name + backupSuffix)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, name+backupSuffix)
		}
		return err
	}
	return s.Write(name, data)
}

// WithLock runs fn while holding name's advisory lock, acquired with
// exponential backoff (base 100ms, factor 1.5, cap 2s, ~10s wall clock). A
// lock older than 60s whose owning pid is no longer alive is reaped and the
// acquisition retried once; a stale lock whose removal fails surfaces
// ErrStaleLockUnreapable. A lock whose recorded pid is still alive is never
// treated as stale, so contention on it ends in ErrLockTimeout.
func (s *Store) WithLock(ctx context.Context, name string, fn func() error) error {
	lockPath := s.path(name + lockFileSuffix)
	fd, err := s.acquireLock(ctx, lockPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = unix.Close(fd)
	}()
	return fn()
}

func (s *Store) acquireLock(ctx context.Context, lockPath string) (int, error) {
	fd, err := unix.Open(lockPath, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return -1, fmt.Errorf("atomicstore: open lock file %s: %w", lockPath, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = lockBaseDelay
	bo.Multiplier = 1.5
	bo.MaxInterval = lockMaxDelay
	bo.MaxElapsedTime = lockMaxWall
	bctx := backoff.WithContext(bo, ctx)

	reapedOnce := false
	acquireOnce := func() error {
		if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
			if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
				return backoff.Permanent(fmt.Errorf("atomicstore: flock %s: %w", lockPath, err))
			}
			if !reapedOnce && lockIsStale(lockPath) {
				reapedOnce = true
				if reapErr := reapStaleLock(lockPath); reapErr != nil {
					return backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrStaleLockUnreapable, lockPath, reapErr))
				}
			}
			return fmt.Errorf("lock %s held", lockPath)
		}
		// Record current ownership for future staleness checks; best-effort.
		_ = writeLockOwner(fd)
		return nil
	}

	if err := backoff.Retry(acquireOnce, bctx); err != nil {
		_ = unix.Close(fd)
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return -1, permanent.Unwrap()
		}
		return -1, fmt.Errorf("%w: %s: %v", ErrLockTimeout, lockPath, err)
	}
	return fd, nil
}

func writeLockOwner(fd int) error {
	if err := unix.Ftruncate(fd, 0); err != nil {
		return err
	}
	owner := fmt.Sprintf("%d\n", os.Getpid())
	_, err := unix.Pwrite(fd, []byte(owner), 0)
	return err
}

func lockIsStale(lockPath string) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) < staleLockAge {
		return false
	}
	pid, err := readLockOwner(lockPath)
	if err != nil {
		// no recorded owner; age alone is not enough to call it stale
		return false
	}
	return !pidAlive(pid)
}

func readLockOwner(lockPath string) (int, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, err
	}
	return pid, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}

func reapStaleLock(lockPath string) error {
	return os.Remove(lockPath)
}
