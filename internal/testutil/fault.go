package testutil

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joshuapare/ext2kit/ext2"
)

// ErrInjected is returned by FaultVolume for every injected failure.
var ErrInjected = errors.New("testutil: injected fault")

// FaultVolume wraps a Volume and fails I/O touching selected blocks.
type FaultVolume struct {
	ext2.Volume
	BlockSize int

	mu         sync.Mutex
	readFail   map[uint32]bool
	failWrites bool
	reads      int
	writes     int
}

// NewFaultVolume wraps vol, whose blocks are bsize bytes.
func NewFaultVolume(vol ext2.Volume, bsize int) *FaultVolume {
	return &FaultVolume{Volume: vol, BlockSize: bsize, readFail: make(map[uint32]bool)}
}

// FailRead makes every read covering bno fail.
func (f *FaultVolume) FailRead(bno uint32) {
	f.mu.Lock()
	f.readFail[bno] = true
	f.mu.Unlock()
}

// HealRead undoes FailRead.
func (f *FaultVolume) HealRead(bno uint32) {
	f.mu.Lock()
	delete(f.readFail, bno)
	f.mu.Unlock()
}

// FailWrites toggles failure of every write.
func (f *FaultVolume) FailWrites(on bool) {
	f.mu.Lock()
	f.failWrites = on
	f.mu.Unlock()
}

// Counts returns the number of reads and writes that reached the volume.
func (f *FaultVolume) Counts() (reads, writes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads, f.writes
}

func (f *FaultVolume) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	f.reads++
	if len(p) > 0 {
		first := uint32(off / int64(f.BlockSize))
		last := uint32((off + int64(len(p)) - 1) / int64(f.BlockSize))
		for bno := first; bno <= last; bno++ {
			if f.readFail[bno] {
				f.mu.Unlock()
				return 0, fmt.Errorf("read block %d: %w", bno, ErrInjected)
			}
		}
	}
	f.mu.Unlock()
	return f.Volume.ReadAt(p, off)
}

func (f *FaultVolume) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	f.writes++
	fail := f.failWrites
	f.mu.Unlock()
	if fail {
		return 0, fmt.Errorf("write at %d: %w", off, ErrInjected)
	}
	return f.Volume.WriteAt(p, off)
}
