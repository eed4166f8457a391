//go:build unix

package download

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDirLockIgnoresStaleLockFile(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, lockName)
	// left behind by a process that was killed before it could unlock
	require.NoError(t, os.WriteFile(stale, []byte("99999"), 0644))

	d := NewDir(root)
	unlock, err := d.Lock()
	require.NoError(t, err)

	_, err = d.Lock()
	assert.True(t, errors.Is(err, ErrLocked), "a live holder still blocks, got %v", err)

	pid, err := os.ReadFile(stale)
	require.NoError(t, err)
	assert.NotEqual(t, "99999", string(pid))

	require.NoError(t, unlock())
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestDirLockReleasedWhenHolderExits(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, lockName)

	// a descriptor holding the flock stands in for another engine; closing it
	// without unlinking is what the kernel does when that process dies
	holder, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_EX|unix.LOCK_NB))

	d := NewDir(root)
	_, err = d.Lock()
	require.True(t, errors.Is(err, ErrLocked), "got %v", err)

	require.NoError(t, holder.Close())

	unlock, err := d.Lock()
	require.NoError(t, err)
	require.NoError(t, unlock())
}
