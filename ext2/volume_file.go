package ext2

import (
	"fmt"
	"os"
)

// FileVolume is a Volume over a regular file or block device, using
// positioned reads and writes.
type FileVolume struct {
	f *os.File
}

// OpenFileVolume opens an existing image.
func OpenFileVolume(path string, readOnly bool) (*FileVolume, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	return &FileVolume{f: f}, nil
}

// CreateFileVolume creates (or truncates) path and sizes it to size bytes.
func CreateFileVolume(path string, size int64) (*FileVolume, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size %s: %w", path, err)
	}
	return &FileVolume{f: f}, nil
}

// ReadAt implements io.ReaderAt.
func (v *FileVolume) ReadAt(p []byte, off int64) (int, error) { return v.f.ReadAt(p, off) }

// WriteAt implements io.WriterAt.
func (v *FileVolume) WriteAt(p []byte, off int64) (int, error) { return v.f.WriteAt(p, off) }

// Size returns the file size, or 0 if it cannot be determined.
func (v *FileVolume) Size() int64 {
	info, err := v.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// Sync flushes file data to the device.
func (v *FileVolume) Sync(full bool) error {
	return syncFile(v.f, full)
}

// Close closes the underlying file.
func (v *FileVolume) Close() error { return v.f.Close() }
