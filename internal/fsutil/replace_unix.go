//go:build unix

package fsutil

import (
	"os"

	"golang.org/x/sys/unix"
)

// Replace performs an atomic rename on POSIX systems.
func Replace(tmpPath, dest string) error {
	return os.Rename(tmpPath, dest)
}

// SyncDir fsyncs dir so that renames and removals inside it are durable.
func SyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return &os.PathError{Op: "open", Path: dir, Err: err}
	}
	defer unix.Close(fd)
	if err := unix.Fsync(fd); err != nil {
		return &os.PathError{Op: "fsync", Path: dir, Err: err}
	}
	return nil
}
