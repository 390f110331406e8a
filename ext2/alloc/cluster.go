package alloc

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/joshuapare/ext2kit/ext2/bitmap"
	"github.com/joshuapare/ext2kit/internal/format"
)

// clusterAllocator takes a run of contiguous blocks from a group.
type clusterAllocator struct{ a *Allocator }

// clusterAvailLocked reports whether the summary of cg admits a free run of
// length blocks. When it does not, maxCluster is lowered to the longest run
// the summary does show. The caller holds the lock.
func (a *Allocator) clusterAvailLocked(cg uint32, length int) bool {
	if a.maxContig <= 0 || length < 1 || length > a.maxContig || a.maxCluster[cg] < int32(length) {
		return false
	}
	sum := a.sums[cg]
	for i := length; i <= a.maxContig; i++ {
		if sum[i] > 0 {
			return true
		}
	}
	i := length - 1
	for i > 0 && sum[i] <= 0 {
		i--
	}
	a.maxCluster[cg] = int32(i)
	return false
}

// AllocInGroup finds the first run of length free blocks at or after pref
// (wrapping once) and takes all of it.
func (ca clusterAllocator) AllocInGroup(ctx context.Context, cg, pref uint32, length int) (uint32, error) {
	a := ca.a
	fs := a.fs

	fs.Lock()
	if !a.clusterAvailLocked(cg, length) {
		fs.Unlock()
		return 0, nil
	}
	gd := fs.Group(cg)
	loc := gd.BlockBitmap
	fs.Unlock()

	bp, err := a.readBitmap(ctx, cg, loc, "block bitmap")
	if err != nil {
		return 0, err
	}
	inited, err := a.initBlockBitmap(cg, gd, bp.Data)
	if err != nil {
		fs.Unlock()
		bp.Brelse()
		return 0, err
	}
	if int(gd.FreeBlocks) < length || !a.clusterAvailLocked(cg, length) {
		fs.Unlock()
		release(bp, inited)
		return 0, nil
	}

	base := a.geo.GroupBase(cg)
	nbits := int(a.geo.BlocksInGroup(cg))
	bm := bitmap.Bitmap(bp.Data)
	start := 0
	if pref >= base && pref-base < uint32(nbits) {
		start = int(pref - base)
	}
	bit, ok := bitmap.FindRun(bm, start, length, nbits)
	if !ok {
		a.log.Warn("cluster summary overstated free run",
			zap.Uint32("group", cg), zap.Int("length", length))
		a.maxCluster[cg] = int32(length - 1)
		fs.Unlock()
		release(bp, inited)
		return 0, nil
	}
	for i := bit; i < bit+length; i++ {
		bm.Set(i)
		a.clusterAcct(cg, bm, i, -1)
	}
	fs.AddFreeBlocks(cg, -length)
	fs.Unlock()
	writeBack(bp, inited)
	return base + uint32(bit), nil
}

// Mapping pairs a logical block of a file with its current physical block.
type Mapping struct {
	Lbn uint32
	Bno uint32
}

// ReallocBlocks moves the blocks of maps, which must cover consecutive
// logical blocks, to a freshly allocated contiguous run. bap is the block map
// holding their pointers, starting at bap[soff]; it and maps are rewritten in
// place and the old blocks freed. ip's block count is unchanged.
//
// ErrNoSpace means the range was left as is: reallocation is disabled, the
// range is too short or too long, it straddles the last direct block, the
// file has already moved on to another group, or no run is free. An error
// from freeing the old blocks leaves the pointers on the new run.
func (a *Allocator) ReallocBlocks(ctx context.Context, ip *Inode, maps []Mapping, bap []uint32, soff int) error {
	if err := a.usable(); err != nil {
		return err
	}
	n := len(maps)
	if !a.opts.ReallocBlocks || a.maxContig <= 0 || n < 2 || n > a.maxContig {
		return ErrNoSpace
	}
	if ip == nil || !a.geo.ValidInode(ip.Ino) {
		return ErrBadInode
	}
	startLbn := maps[0].Lbn
	for i := 1; i < n; i++ {
		if maps[i].Lbn != startLbn+uint32(i) {
			return fmt.Errorf("%w: logical block %d follows %d", ErrBadMapping, maps[i].Lbn, maps[i-1].Lbn)
		}
	}
	endLbn := startLbn + uint32(n) - 1
	if startLbn < format.NDirBlocks && endLbn >= format.NDirBlocks {
		return ErrNoSpace
	}
	if soff < 0 || soff+n > len(bap) {
		return fmt.Errorf("%w: %d pointers from %d in a %d-entry map", ErrBadMapping, n, soff, len(bap))
	}
	contiguous := true
	for i, m := range maps {
		if !a.geo.ValidBlock(m.Bno) {
			return fmt.Errorf("%w: block %d", ErrBadBlock, m.Bno)
		}
		if bap[soff+i] != m.Bno {
			return fmt.Errorf("%w: slot %d holds %d, buffer has %d", ErrBadMapping, soff+i, bap[soff+i], m.Bno)
		}
		if m.Bno != maps[0].Bno+uint32(i) {
			contiguous = false
		}
	}
	if contiguous {
		return nil
	}
	if a.geo.GroupOfBlock(maps[0].Bno) != a.geo.GroupOfBlock(maps[n-1].Bno) {
		return ErrNoSpace
	}

	pref := a.BlockPref(ip, startLbn, soff, bap, 0)
	cg := a.geo.GroupOfInode(ip.Ino)
	if a.geo.ValidBlock(pref) {
		cg = a.geo.GroupOfBlock(pref)
	}
	newblk, err := a.hashAlloc(ctx, cg, pref, n, a.clusters)
	if err != nil {
		return err
	}
	if newblk == 0 {
		return ErrNoSpace
	}

	old := make([]uint32, n)
	for i := range maps {
		old[i] = maps[i].Bno
		bap[soff+i] = newblk + uint32(i)
		maps[i].Bno = newblk + uint32(i)
	}
	// The pointers already name the new run, so every old block is freed
	// even when one of them fails.
	var errs []error
	for _, bno := range old {
		if err := a.freeBlock(ctx, bno); err != nil {
			errs = append(errs, fmt.Errorf("free old block %d: %w", bno, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.log.Debug("reallocated cluster",
		zap.Uint32("ino", ip.Ino),
		zap.Uint32("lbn", startLbn),
		zap.Int("len", n),
		zap.Uint32("to", newblk))
	return nil
}
