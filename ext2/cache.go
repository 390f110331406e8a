package ext2

import (
	"context"
	"fmt"
	"sync"

	"github.com/joshuapare/ext2kit/ext2/dirty"
	"github.com/joshuapare/ext2kit/internal/buf"
)

const defaultCacheBlocks = 1024

// Buf is a cached block. Between Bread/Getblk and the matching release the
// caller holds the buffer exclusively and may modify Data.
type Buf struct {
	mu    sync.Mutex
	Blkno uint32
	Data  []byte

	c     *Cache
	refs  int  // guarded by c.mu
	valid bool // guarded by mu
}

// CacheStats counts cache activity.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Reads     uint64
	Writes    uint64
	Resident  int
	DirtyBufs int
}

// Cache is a write-back block cache over a Volume. Dirty buffers are kept
// until flushed; clean, unreferenced buffers are evicted oldest first once the
// cache holds more than its limit.
type Cache struct {
	vol   Volume
	bsize int
	max   int

	mu    sync.Mutex
	bufs  map[uint32]*Buf
	order []uint32
	dirty *dirty.Tracker
	stats CacheStats

	kick chan struct{}
}

func newCache(vol Volume, bsize, max int) *Cache {
	if max <= 0 {
		max = defaultCacheBlocks
	}
	return &Cache{
		vol:   vol,
		bsize: bsize,
		max:   max,
		bufs:  make(map[uint32]*Buf),
		dirty: dirty.NewTracker(),
		kick:  make(chan struct{}, 1),
	}
}

// BlockSize returns the size of every buffer.
func (c *Cache) BlockSize() int { return c.bsize }

// get returns the buffer for bno with an extra reference, creating it if needed.
func (c *Cache) get(bno uint32) *Buf {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bufs[bno]
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
		c.evictLocked()
		b = &Buf{Blkno: bno, Data: make([]byte, c.bsize), c: c}
		c.bufs[bno] = b
		c.order = append(c.order, bno)
	}
	b.refs++
	return b
}

func (c *Cache) put(b *Buf) {
	c.mu.Lock()
	b.refs--
	c.mu.Unlock()
}

// evictLocked drops clean, unreferenced buffers until there is room for one more.
func (c *Cache) evictLocked() {
	for n := len(c.order); n > 0 && len(c.bufs) >= c.max; n-- {
		bno := c.order[0]
		c.order = c.order[1:]
		b, ok := c.bufs[bno]
		if !ok {
			continue
		}
		if b.refs > 0 || c.dirty.Has(bno) {
			c.order = append(c.order, bno)
			continue
		}
		delete(c.bufs, bno)
	}
}

// Bread returns block bno locked for the caller, reading it from the volume
// if it is not cached. It must not be called with the filesystem mutex held.
func (c *Cache) Bread(ctx context.Context, bno uint32) (*Buf, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := c.get(bno)
	b.mu.Lock()
	if b.valid {
		return b, nil
	}
	off, ok := buf.BlockOffset(bno, c.bsize)
	if !ok {
		b.mu.Unlock()
		c.put(b)
		return nil, ioError("read", bno, fmt.Errorf("offset overflow"))
	}
	if err := readFull(c.vol, b.Data, off); err != nil {
		b.mu.Unlock()
		c.put(b)
		return nil, ioError("read", bno, err)
	}
	b.valid = true
	c.mu.Lock()
	c.stats.Reads++
	c.mu.Unlock()
	return b, nil
}

// Getblk returns block bno locked and zero-filled, without reading it.
func (c *Cache) Getblk(ctx context.Context, bno uint32) (*Buf, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := c.get(bno)
	b.mu.Lock()
	clear(b.Data)
	b.valid = true
	return b, nil
}

// Brelse releases an unmodified buffer.
func (b *Buf) Brelse() {
	b.mu.Unlock()
	b.c.put(b)
}

// Bdwrite marks the buffer dirty and releases it. The block reaches the
// volume on the next flush.
func (b *Buf) Bdwrite() {
	c := b.c
	c.mu.Lock()
	c.dirty.Add(b.Blkno, 1)
	b.refs--
	c.mu.Unlock()
	b.mu.Unlock()
}

// Bawrite is Bdwrite plus a nudge to the background flusher.
func (b *Buf) Bawrite() {
	c := b.c
	b.Bdwrite()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Bwrite writes the buffer to the volume synchronously and releases it. On
// failure the buffer stays dirty so a later flush retries it.
func (b *Buf) Bwrite(ctx context.Context) error {
	c := b.c
	err := ctx.Err()
	if err == nil {
		err = c.writeBlock(b.Blkno, b.Data)
	}
	c.mu.Lock()
	if err != nil {
		c.dirty.Add(b.Blkno, 1)
	} else {
		c.stats.Writes++
	}
	b.refs--
	c.mu.Unlock()
	b.mu.Unlock()
	return err
}

func (c *Cache) writeBlock(bno uint32, data []byte) error {
	off, ok := buf.BlockOffset(bno, c.bsize)
	if !ok {
		return ioError("write", bno, fmt.Errorf("offset overflow"))
	}
	if _, err := c.vol.WriteAt(data, off); err != nil {
		return ioError("write", bno, err)
	}
	return nil
}

// Flush writes every dirty buffer, merging neighbouring blocks into single
// writes. Runs that fail are re-queued.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	runs := c.dirty.Take()
	// Pin the buffers so eviction cannot drop them while they are in flight.
	for _, r := range runs {
		for i := uint32(0); i < r.Count; i++ {
			if b := c.bufs[r.Start+i]; b != nil {
				b.refs++
			}
		}
	}
	c.mu.Unlock()

	rest, err := dirty.WriteRuns(ctx, runs, c)

	c.mu.Lock()
	for _, r := range rest {
		c.dirty.Add(r.Start, r.Count)
	}
	for _, r := range runs {
		for i := uint32(0); i < r.Count; i++ {
			if b := c.bufs[r.Start+i]; b != nil {
				b.refs--
			}
		}
	}
	c.mu.Unlock()
	return err
}

// WriteRun implements dirty.RunWriter.
func (c *Cache) WriteRun(_ context.Context, start, count uint32) error {
	data := make([]byte, int(count)*c.bsize)
	for i := uint32(0); i < count; i++ {
		c.mu.Lock()
		b := c.bufs[start+i]
		c.mu.Unlock()
		if b == nil {
			return fmt.Errorf("ext2: dirty block %d not resident", start+i)
		}
		b.mu.Lock()
		copy(data[int(i)*c.bsize:], b.Data)
		b.mu.Unlock()
	}
	if err := c.writeBlock(start, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.Writes += uint64(count)
	c.mu.Unlock()
	return nil
}

// Kicked is signalled by Bawrite.
func (c *Cache) Kicked() <-chan struct{} { return c.kick }

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Resident = len(c.bufs)
	s.DirtyBufs = c.dirty.Len()
	return s
}
