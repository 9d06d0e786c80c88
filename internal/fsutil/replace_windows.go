//go:build windows

package fsutil

import (
	"golang.org/x/sys/windows"
)

// Replace uses MoveFileExW with REPLACE_EXISTING|WRITE_THROUGH; os.Rename fails when dest exists.
func Replace(tmpPath, dest string) error {
	from, err := windows.UTF16PtrFromString(tmpPath)
	if err != nil {
		return err
	}
	to, err := windows.UTF16PtrFromString(dest)
	if err != nil {
		return err
	}
	return windows.MoveFileEx(from, to, windows.MOVEFILE_REPLACE_EXISTING|windows.MOVEFILE_WRITE_THROUGH)
}

// SyncDir is a no-op on Windows; directory fsync is not generally available.
func SyncDir(dir string) error { return nil }
