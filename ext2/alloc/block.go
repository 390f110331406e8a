package alloc

import (
	"context"

	"go.uber.org/zap"

	"github.com/joshuapare/ext2kit/ext2/bitmap"
)

// blockAllocator takes one block from a group.
type blockAllocator struct{ a *Allocator }

// AllocInGroup prefers pref itself, then a whole free bitmap byte (8 aligned
// blocks) from pref's byte on, then any free block from pref on.
func (ba blockAllocator) AllocInGroup(ctx context.Context, cg, pref uint32, _ int) (uint32, error) {
	a := ba.a
	fs := a.fs

	fs.Lock()
	gd := fs.Group(cg)
	if gd.FreeBlocks == 0 {
		fs.Unlock()
		return 0, nil
	}
	loc := gd.BlockBitmap
	fs.Unlock()

	bp, err := a.readBitmap(ctx, cg, loc, "block bitmap")
	if err != nil {
		return 0, err
	}
	// Lock held from here.
	inited, err := a.initBlockBitmap(cg, gd, bp.Data)
	if err != nil {
		fs.Unlock()
		bp.Brelse()
		return 0, err
	}
	if gd.FreeBlocks == 0 {
		fs.Unlock()
		release(bp, inited)
		return 0, nil
	}

	base := a.geo.GroupBase(cg)
	nbits := int(a.geo.BlocksInGroup(cg))
	bm := bitmap.Bitmap(bp.Data)

	start, bit, ok := 0, -1, false
	if pref >= base && pref-base < uint32(nbits) {
		start = int(pref - base)
		bit, ok = start, bm.IsClear(start)
	}
	if !ok {
		bit, ok = bitmap.FindFreeByte(bm, start, nbits)
	}
	if !ok {
		bit, ok = bitmap.FindOneFree(bm, start, nbits)
	}
	if !ok {
		err := a.corrupt(cg, "block bitmap", "%d free blocks but no clear bit", gd.FreeBlocks)
		fs.Unlock()
		bp.Brelse()
		return 0, err
	}

	bm.Set(bit)
	a.clusterAcct(cg, bm, bit, -1)
	fs.AddFreeBlocks(cg, -1)
	fs.Unlock()
	writeBack(bp, inited)
	return base + uint32(bit), nil
}

// AllocBlock allocates a block for logical block lbn of ip, near bpref when
// possible (see BlockPref). Unprivileged callers cannot take the last
// reserved blocks. On success ip's block count and sequential hint are
// updated.
func (a *Allocator) AllocBlock(ctx context.Context, ip *Inode, lbn, bpref uint32, cred Cred) (uint32, error) {
	if err := a.usable(); err != nil {
		return 0, err
	}
	if ip == nil || !a.geo.ValidInode(ip.Ino) {
		return 0, ErrBadInode
	}

	fs := a.fs
	fs.Lock()
	free := fs.FreeBlocks()
	if free == 0 || (!cred.Privileged && free <= a.geo.ReservedBlocks) {
		fs.Unlock()
		a.logFull(ip, "alloc block")
		return 0, ErrNoSpace
	}
	fs.Unlock()

	if !a.geo.ValidBlock(bpref) {
		bpref = 0
	}
	cg := a.geo.GroupOfInode(ip.Ino)
	if bpref != 0 {
		cg = a.geo.GroupOfBlock(bpref)
	}

	bno, err := a.hashAlloc(ctx, cg, bpref, a.geo.BlockSize, a.blocks)
	if err != nil {
		return 0, err
	}
	if bno == 0 {
		a.logFull(ip, "alloc block")
		return 0, ErrNoSpace
	}
	ip.Blocks += uint64(a.geo.BlockSize / 512)
	ip.NextAllocBlock = lbn + 1
	ip.NextAllocGoal = bno + 1
	return bno, nil
}

func (a *Allocator) logFull(ip *Inode, op string) {
	var ino uint32
	if ip != nil {
		ino = ip.Ino
	}
	a.log.Warn("filesystem full", zap.String("op", op), zap.Uint32("ino", ino))
}
