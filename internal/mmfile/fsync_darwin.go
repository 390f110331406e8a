//go:build darwin

package mmfile

import "golang.org/x/sys/unix"

// fsync uses F_FULLFSYNC so data reaches the platter, not just the drive cache.
func fsync(fd int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_FULLFSYNC, 0)
	return err
}
