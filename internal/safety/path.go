package safety

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CleanFileName validates a bare file name supplied by a remote manifest.
// Names containing separators, parent references or NUL bytes are rejected.
func CleanFileName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("file name is empty")
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("file name must not contain separators: %q", name)
	}
	if name == "." || name == ".." {
		return "", fmt.Errorf("file name is not a file: %q", name)
	}
	return name, nil
}

// SafeJoinUnder joins a validated file name under root and verifies
// the final path remains inside root.
func SafeJoinUnder(root, name string) (string, error) {
	clean, err := CleanFileName(name)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(root, filepath.Join(root, clean))
}

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}
