package security

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

const (
	// PermLogFile is for audit and operational logs.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermLogFile os.FileMode = 0640

	// PermDBFile is for the deployment history database.
	PermDBFile os.FileMode = 0640

	// PermStateFile is for canary session, lock and journal files.
	PermStateFile os.FileMode = 0640

	// PermSnapshotFile is for database dumps and file archives.
	// rw------- (0600): dumps contain credentials and user data.
	PermSnapshotFile os.FileMode = 0600

	// PermDirectory is for state, log and snapshot directories.
	// rwxr-x--- (0750): owner can read/write/execute, group can read/execute, others have no access.
	PermDirectory os.FileMode = 0750

	// PermSnapshotDir is for snapshot directories.
	PermSnapshotDir os.FileMode = 0700
)

// CreateSecureDir creates a new directory with secure permissions.
// If the directory already exists, it updates the permissions.
func CreateSecureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	// MkdirAll is subject to umask
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}

	return nil
}

// FixFilePermissions sets the correct permissions on a file.
func FixFilePermissions(path string, perm os.FileMode) error {
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to fix file permissions: %w", err)
	}
	return nil
}

// IsWorldReadable checks if a file is readable by others.
func IsWorldReadable(perm os.FileMode) bool {
	return perm&0004 != 0
}

// IsWorldWritable checks if a file is writable by others.
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}

// ValidateSecurePermissions validates that a file does not have world-readable
// or world-writable permissions for sensitive files.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()

	if IsWorldReadable(perm) {
		return fmt.Errorf("file %s is world-readable (%04o), which is insecure for sensitive data", path, perm)
	}

	if IsWorldWritable(perm) {
		return fmt.Errorf("file %s is world-writable (%04o), which is a serious security risk", path, perm)
	}

	return nil
}

// Ownership is a resolved uid/gid pair. -1 leaves that id unchanged.
type Ownership struct {
	UID int
	GID int
}

// ResolveOwnership looks up user and group names. Empty names resolve to -1.
func ResolveOwnership(owner, group string) (Ownership, error) {
	o := Ownership{UID: -1, GID: -1}
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return o, fmt.Errorf("unknown owner %q: %w", owner, err)
		}
		if o.UID, err = strconv.Atoi(u.Uid); err != nil {
			return o, fmt.Errorf("invalid uid for %q: %w", owner, err)
		}
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return o, fmt.Errorf("unknown group %q: %w", group, err)
		}
		if o.GID, err = strconv.Atoi(g.Gid); err != nil {
			return o, fmt.Errorf("invalid gid for %q: %w", group, err)
		}
	}
	return o, nil
}

// ValidateOwnership checks a file's uid/gid against o. -1 fields are not checked.
func ValidateOwnership(path string, o Ownership) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	if o.UID >= 0 && int(st.Uid) != o.UID {
		return fmt.Errorf("file %s is owned by uid %d (expected %d)", path, st.Uid, o.UID)
	}
	if o.GID >= 0 && int(st.Gid) != o.GID {
		return fmt.Errorf("file %s has gid %d (expected %d)", path, st.Gid, o.GID)
	}
	return nil
}
