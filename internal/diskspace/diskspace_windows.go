//go:build windows

// Package diskspace reports available disk space for download preflight
// checks.
package diskspace

import (
	"golang.org/x/sys/windows"
)

// AvailableMB returns the available disk space in MB for the given path.
func AvailableMB(path string) (int64, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return 0, err
	}
	return int64(freeBytesAvailable / (1024 * 1024)), nil
}
