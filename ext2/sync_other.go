//go:build !linux && !freebsd && !darwin

package ext2

import "os"

func syncFile(f *os.File, _ bool) error {
	return f.Sync()
}
