package lifecycle

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/zeroclaw/zeroclaw/internal/registry"
)

// lockFileName is the per-instance advisory lock file (spec §4.C "Lifecycle
// lock"), serializing start/stop/restart/config-write for one instance.
const lockFileName = ".lifecycle.lock"

// acquireLock takes a non-blocking advisory lock on instDir's lock file.
// Contention maps to LockHeld (503) rather than blocking the caller.
func acquireLock(instDir string) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(instDir, lockFileName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lifecycle lock: %w", err)
	}
	if !ok {
		return nil, registry.NewError(registry.KindLockHeld, "lifecycle lock is held by another operation")
	}
	return fl, nil
}

func releaseLock(fl *flock.Flock) {
	_ = fl.Unlock()
}

// WithLock acquires instDir's lifecycle lock for the duration of fn,
// returning LockHeld (503) on contention (spec §4.C, §5 — shared by
// start/stop/restart and the Config Service's PUT).
func WithLock(instDir string, fn func() error) error {
	fl, err := acquireLock(instDir)
	if err != nil {
		return err
	}
	defer releaseLock(fl)
	return fn()
}
