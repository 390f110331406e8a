//go:build darwin

package ext2

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFile uses F_FULLFSYNC when full is set so data reaches the physical
// disk, not just the drive cache. macOS has no fdatasync.
func syncFile(f *os.File, full bool) error {
	if full {
		_, err := unix.FcntlInt(f.Fd(), unix.F_FULLFSYNC, 0)
		return err
	}
	return unix.Fsync(int(f.Fd()))
}
