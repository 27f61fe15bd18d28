//go:build !windows

// Package diskspace reports available disk space for download preflight
// checks.
package diskspace

import (
	"golang.org/x/sys/unix"
)

// AvailableMB returns the available disk space in MB for the given path.
func AvailableMB(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize) / (1024 * 1024), nil
}
