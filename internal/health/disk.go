package health

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskUsageFunc returns the used percentage of the filesystem holding path.
type DiskUsageFunc func(path string) (float64, error)

// StatfsUsage computes usage the way df does: used / (used + available).
func StatfsUsage(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	used := (st.Blocks - st.Bfree) * bsize
	avail := st.Bavail * bsize
	if used+avail == 0 {
		return 0, nil
	}
	return float64(used) / float64(used+avail) * 100, nil
}
