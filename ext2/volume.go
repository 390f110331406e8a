package ext2

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Volume is the block device under a filesystem.
type Volume interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the volume size in bytes.
	Size() int64

	// Sync makes previous writes durable. full requests a device cache flush.
	Sync(full bool) error
}

// MemoryVolume is a Volume backed by a byte slice. It grows on writes past
// the end and is safe for concurrent use.
type MemoryVolume struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemoryVolume returns a zero-filled volume of size bytes.
func NewMemoryVolume(size int64) *MemoryVolume {
	return &MemoryVolume{data: make([]byte, size)}
}

// NewMemoryVolumeFrom wraps data without copying it.
func NewMemoryVolumeFrom(data []byte) *MemoryVolume {
	return &MemoryVolume{data: data}
}

// ReadAt implements io.ReaderAt.
func (v *MemoryVolume) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("memory volume: negative offset %d", off)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if off >= int64(len(v.data)) {
		return 0, io.EOF
	}
	n := copy(p, v.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (v *MemoryVolume) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("memory volume: negative offset %d", off)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(v.data)) {
		grown := make([]byte, end)
		copy(grown, v.data)
		v.data = grown
	}
	return copy(v.data[off:], p), nil
}

// Size returns the current length of the volume.
func (v *MemoryVolume) Size() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return int64(len(v.data))
}

// Sync is a no-op.
func (v *MemoryVolume) Sync(bool) error { return nil }

// Bytes returns a copy of the volume contents.
func (v *MemoryVolume) Bytes() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out
}

// readFull reads len(p) bytes at off, treating a trailing io.EOF after a
// complete read as success.
func readFull(v Volume, p []byte, off int64) error {
	n, err := v.ReadAt(p, off)
	if n == len(p) && errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil && n < len(p) {
		return io.ErrUnexpectedEOF
	}
	return err
}
