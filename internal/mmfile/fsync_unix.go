//go:build unix && !darwin

package mmfile

import "golang.org/x/sys/unix"

func fsync(fd int) error {
	return unix.Fdatasync(fd)
}
