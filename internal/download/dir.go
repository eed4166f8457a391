package download

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BadgerOps/expansiond/internal/expansion"
	"github.com/BadgerOps/expansiond/internal/safety"
)

// TempExt is appended to a record's name while its bytes are in flight.
const TempExt = ".tmp"

const lockName = ".expansiond.lock"

// ErrLocked is returned by Dir.Lock when another engine owns the directory.
var ErrLocked = errors.New("download directory is locked by another process")

// Dir is the local directory expansion files are saved into.
type Dir struct {
	root string
	free func(path string) (int64, error)
}

// NewDir returns a Dir rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root, free: freeBytes}
}

// Root returns the directory path.
func (d *Dir) Root() string {
	return d.root
}

// Ensure creates the directory if it does not exist.
func (d *Dir) Ensure() error {
	if err := os.MkdirAll(d.root, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", d.root, err)
	}
	return nil
}

// FinalPath is where the completed file for rec lives.
func (d *Dir) FinalPath(rec *expansion.FileRecord) (string, error) {
	return safety.SafeJoinUnder(d.root, rec.Name)
}

// TempPath is where bytes for rec accumulate until the transfer completes.
func (d *Dir) TempPath(rec *expansion.FileRecord) (string, error) {
	return safety.SafeJoinUnder(d.root, rec.Name+TempExt)
}

// AvailableBytes reports free space on the filesystem holding path.
// path itself need not exist yet; the nearest existing parent is probed.
func (d *Dir) AvailableBytes(path string) (int64, error) {
	probe := path
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return d.free(probe)
}

// Lock takes an advisory lock on the directory so two engines never share it.
// The returned function releases the lock and is safe to call more than once.
func (d *Dir) Lock() (func() error, error) {
	if err := d.Ensure(); err != nil {
		return nil, err
	}
	return lockFile(filepath.Join(d.root, lockName))
}

// LocalExists reports whether the final file for rec exists with exactly rec.Size bytes.
func LocalExists(dest expansion.Destination, rec *expansion.FileRecord) (bool, error) {
	path, err := dest.FinalPath(rec)
	if err != nil {
		return false, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return fi.Mode().IsRegular() && fi.Size() == rec.Size, nil
}
