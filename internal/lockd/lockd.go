// Package lockd provides fingerprint-scoped mutual exclusion across every
// process on the machine, so at most one real compilation runs per
// fingerprint at a time.
//
// Locks are OS advisory file locks (flock) on per-fingerprint files under a
// shared lock directory. The kernel releases an advisory lock when its
// holder dies for any reason, so a crashed holder never blocks waiters and
// no heartbeat or timeout tuning exists. Holder records written into the
// lock files are diagnostic only.
//
// Lock files are never deleted: unlinking a path another process is about
// to flock splits waiters across two inodes and breaks exclusivity. The
// files are empty after release and cost nothing to keep.
package lockd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// ErrAlreadyBuilt is returned by Acquire when, instead of becoming the
// holder, the waiter observed that a cache entry for the fingerprint now
// exists. The caller should proceed directly to replay.
var ErrAlreadyBuilt = errors.New("cache entry appeared while waiting for build lock")

// Coordinator hands out build locks from one shared lock directory.
type Coordinator struct {
	dir    string
	retry  time.Duration
	logger *slog.Logger
}

// Holder identifies the process holding a lock, for diagnostics.
type Holder struct {
	PID        int       `json:"pid"`
	ID         string    `json:"id"`
	UnitName   string    `json:"unit_name"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held build lock. Release must be called exactly once; callers
// defer it immediately after a successful acquire.
type Lock struct {
	fl     *flock.Flock
	path   string
	holder Holder
}

func New(dir string, retry time.Duration, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	return &Coordinator{dir: dir, retry: retry, logger: logger}, nil
}

// Acquire blocks until this process holds the lock for fp, the built check
// reports the entry exists (ErrAlreadyBuilt), or ctx is done.
func (c *Coordinator) Acquire(ctx context.Context, fp digest.Digest, unitName string, built func() bool) (*Lock, error) {
	path := c.lockPath(fp)
	fl := flock.New(path)

	reported := false

	for {
		ok, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to take build lock: %w", err)
		}

		if ok {
			return c.held(fl, path, unitName), nil
		}

		if built != nil && built() {
			return nil, ErrAlreadyBuilt
		}

		if !reported {
			reported = true
			c.logHolder(fp, path)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retry):
		}
	}
}

// TryAcquire attempts the lock without blocking.
func (c *Coordinator) TryAcquire(fp digest.Digest, unitName string) (*Lock, bool, error) {
	path := c.lockPath(fp)
	fl := flock.New(path)

	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("failed to take build lock: %w", err)
	}

	if !ok {
		return nil, false, nil
	}

	return c.held(fl, path, unitName), true, nil
}

// DetectAbandoned reports the recorded holder of fp's lock when that
// process no longer exists. The flock itself is already free in that case
// (the kernel dropped it); this surfaces the stale record for diagnostics.
func (c *Coordinator) DetectAbandoned(fp digest.Digest) (Holder, bool) {
	holder, ok := readHolder(c.lockPath(fp))
	if !ok {
		return Holder{}, false
	}

	if pidAlive(holder.PID) {
		return Holder{}, false
	}

	return holder, true
}

func (c *Coordinator) held(fl *flock.Flock, path, unitName string) *Lock {
	holder := Holder{
		PID:        os.Getpid(),
		ID:         uuid.NewString(),
		UnitName:   unitName,
		AcquiredAt: time.Now().UTC(),
	}

	// Record write is best-effort; the flock is the actual exclusion.
	if data, err := json.Marshal(holder); err == nil {
		_ = os.WriteFile(path, data, 0o644)
	}

	return &Lock{fl: fl, path: path, holder: holder}
}

func (c *Coordinator) logHolder(fp digest.Digest, path string) {
	holder, ok := readHolder(path)
	if !ok {
		return
	}

	c.logger.Debug("waiting on build lock",
		slog.String("fingerprint", fp.String()),
		slog.Int("holder_pid", holder.PID),
		slog.String("holder_unit", holder.UnitName))
}

// Holder returns the identity recorded when the lock was taken.
func (l *Lock) Holder() Holder {
	return l.holder
}

// Release clears the holder record and drops the lock.
func (l *Lock) Release() error {
	// Truncate rather than unlink; see the package comment.
	_ = os.Truncate(l.path, 0)

	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release build lock: %w", err)
	}

	return nil
}

func (c *Coordinator) lockPath(fp digest.Digest) string {
	return filepath.Join(c.dir, fp.Encoded()+".lock")
}

func readHolder(path string) (Holder, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return Holder{}, false
	}

	var holder Holder
	if err := json.Unmarshal(data, &holder); err != nil {
		return Holder{}, false
	}

	return holder, true
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = proc.Signal(syscall.Signal(0))

	return err == nil || errors.Is(err, syscall.EPERM)
}
