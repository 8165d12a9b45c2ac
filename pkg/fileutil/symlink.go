package fileutil

import (
	"fmt"
	"os"
)

// UpdateSymlinkAtomic atomically updates a symlink to point to a new target.
// This uses the "create temp, then rename" pattern for zero-downtime updates.
//
// Steps:
// 1. Create a temporary symlink with .tmp suffix
// 2. Atomically rename it to the final name
//
// A reader resolving linkPath sees either the old or the new target,
// never a missing path.
func UpdateSymlinkAtomic(linkPath, targetPath string) error {
	// Create temp symlink path
	tmpLink := linkPath + ".tmp"

	// Remove temp link if it exists from a previous failed attempt
	_ = os.Remove(tmpLink)

	// Create new symlink with temp name
	if err := os.Symlink(targetPath, tmpLink); err != nil {
		return fmt.Errorf("failed to create temporary symlink: %w", err)
	}

	// Atomically replace the old symlink with the new one
	// On Unix, this is atomic. On Windows, it may fail if the target exists.
	if err := os.Rename(tmpLink, linkPath); err != nil {
		// Clean up temp link on failure
		_ = os.Remove(tmpLink)
		return fmt.Errorf("failed to rename symlink atomically: %w", err)
	}

	return nil
}

// IsSymlink checks if a path is a symlink.
func IsSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}

// SymlinkTarget reads the target of a symlink without resolving it fully.
// This returns the immediate target, not the final destination if there's a chain.
func SymlinkTarget(path string) (string, error) {
	if !IsSymlink(path) {
		return "", fmt.Errorf("path is not a symlink: %s", path)
	}

	target, err := os.Readlink(path)
	if err != nil {
		return "", fmt.Errorf("failed to read symlink target: %w", err)
	}

	return target, nil
}

