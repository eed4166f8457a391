//go:build unix

package download

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// lockFile holds an flock on path until the returned function runs or the
// process exits. A file left behind by a killed process does not block.
func lockFile(path string) (func() error, error) {
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open lock file: %w", err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			_ = f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, fmt.Errorf("%w: %s", ErrLocked, path)
			}
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}

		// the previous holder may have unlinked the file between our open and flock
		held, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to stat lock file: %w", err)
		}
		current, err := os.Stat(path)
		if err != nil || !os.SameFile(held, current) {
			_ = f.Close()
			continue
		}

		if err := f.Truncate(0); err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
		}

		var once sync.Once
		var unlockErr error
		return func() error {
			once.Do(func() {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					unlockErr = fmt.Errorf("failed to remove lock file: %w", err)
				}
				if err := f.Close(); err != nil && unlockErr == nil {
					unlockErr = fmt.Errorf("failed to release lock file: %w", err)
				}
			})
			return unlockErr
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}
