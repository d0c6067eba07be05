// Package lock serialises setup of the pinned accounting objects
// across trafficd processes using flock(2).
//
// The daemon and one-shot commands both open-or-create the same pins
// under bpffs. bpffs cannot hold regular files, so the lock lives in a
// separate runtime directory.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const (
	initialBackoff = 25 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
)

// Lock is a held setup lock.
type Lock struct {
	f *os.File
}

// Acquire takes the exclusive lock at path, creating the file and its
// directory if needed. It polls with LOCK_NB and exponential backoff
// until the lock is free or ctx is done.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	backoff := initialBackoff
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("waiting for %s: %w", path, ctx.Err())
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

// Release drops the lock. Closing the file releases the flock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Run acquires the lock at path, executes fn, then releases.
func Run(ctx context.Context, path string, fn func(context.Context) error) error {
	l, err := Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer l.Release()

	return fn(ctx)
}
