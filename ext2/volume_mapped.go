package ext2

import (
	"fmt"
	"io"
	"sync"

	"github.com/joshuapare/ext2kit/internal/mmfile"
)

// MappedVolume is a Volume over a shared memory mapping of an image file.
// It cannot grow.
type MappedVolume struct {
	mu sync.RWMutex
	m  *mmfile.Mapping
}

// OpenMappedVolume maps the image at path read-write.
func OpenMappedVolume(path string) (*MappedVolume, error) {
	m, err := mmfile.Map(path)
	if err != nil {
		return nil, err
	}
	return &MappedVolume{m: m}, nil
}

// ReadAt implements io.ReaderAt.
func (v *MappedVolume) ReadAt(p []byte, off int64) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if off < 0 || off >= int64(len(v.m.Data)) {
		return 0, io.EOF
	}
	n := copy(p, v.m.Data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes past the mapping fail.
func (v *MappedVolume) WriteAt(p []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(v.m.Data)) {
		return 0, fmt.Errorf("mapped volume: write [%d,%d) outside %d bytes",
			off, off+int64(len(p)), len(v.m.Data))
	}
	return copy(v.m.Data[off:], p), nil
}

// Size returns the mapping length.
func (v *MappedVolume) Size() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return int64(len(v.m.Data))
}

// Sync msyncs the mapping; full also syncs the file descriptor.
func (v *MappedVolume) Sync(full bool) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.m.Sync(full)
}

// Close unmaps the file.
func (v *MappedVolume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.m.Close()
}
