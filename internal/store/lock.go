package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// ErrLockTimeout is returned when the context lock cannot be acquired within
// twice the stale threshold.
var ErrLockTimeout = errors.New("lock_timeout: context lock not acquired")

// LockOptions tunes the advisory file lock. StaleAfter is a heuristic:
// deployments with slow model providers may need to raise it.
type LockOptions struct {
	StaleAfter time.Duration // default 30s; locks older than this are stolen
	Backoff    time.Duration // default 60ms between acquisition attempts
}

func (o LockOptions) withDefaults() LockOptions {
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Second
	}
	if o.Backoff <= 0 {
		o.Backoff = 60 * time.Millisecond
	}
	return o
}

// fileLock is a single-host advisory lock backed by exclusive file creation.
// Multi-process correctness is best-effort, not distributed.
type fileLock struct {
	path  string
	token string
}

// acquireLock creates the lock file with O_CREATE|O_EXCL and writes a
// pid+timestamp+nonce token. An existing lock older than StaleAfter is
// deleted and retried; a fresh one backs off. Hard timeout at 2×StaleAfter.
func acquireLock(ctx context.Context, path string, opts LockOptions) (*fileLock, error) {
	opts = opts.withDefaults()
	deadline := time.Now().Add(2 * opts.StaleAfter)
	token := fmt.Sprintf("%d:%d:%s", os.Getpid(), time.Now().UnixMilli(), uuid.NewString())

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			if _, werr := f.WriteString(token); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("write lock token: %w", werr)
			}
			f.Close()
			return &fileLock{path: path, token: token}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock: %w", err)
		}

		// Lock exists; steal it only if its mtime says the holder is gone.
		if info, serr := os.Stat(path); serr == nil {
			age := time.Since(info.ModTime())
			if age > opts.StaleAfter {
				slog.Warn("stealing stale context lock", "path", path, "age", age)
				os.Remove(path)
				continue
			}
		} else if os.IsNotExist(serr) {
			continue // released between open and stat
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.Backoff):
		}
	}
}

// release removes the lock file only when it still holds our token, so one
// process's cleanup never deletes a lock another process has since acquired.
func (l *fileLock) release() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	if string(data) != l.token {
		slog.Warn("context lock token mismatch on release, leaving file", "path", l.path)
		return
	}
	os.Remove(l.path)
}
