package alloc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/joshuapare/ext2kit/ext2/bitmap"
	"github.com/joshuapare/ext2kit/internal/format"
)

// inodeAllocator takes one inode from a group. Its size argument is the new
// inode's mode.
type inodeAllocator struct{ a *Allocator }

func (ia inodeAllocator) AllocInGroup(ctx context.Context, cg, pref uint32, mode int) (uint32, error) {
	a := ia.a
	fs := a.fs

	fs.Lock()
	gd := fs.Group(cg)
	if gd.FreeInodes == 0 {
		fs.Unlock()
		return 0, nil
	}
	loc := gd.InodeBitmap
	fs.Unlock()

	bp, err := a.readBitmap(ctx, cg, loc, "inode bitmap")
	if err != nil {
		return 0, err
	}
	modified := a.initInodeBitmap(cg, gd, bp.Data)
	if fs.HasGDTCsum() && !gd.HasFlag(format.BGInodeZeroed) {
		table, unused := gd.InodeTable, gd.ItableUnused
		fs.Unlock()
		err := a.zeroInodeTable(ctx, cg, table, unused)
		fs.Lock()
		if err != nil {
			fs.Unlock()
			release(bp, modified)
			return 0, err
		}
		gd.Flags |= format.BGInodeZeroed
		fs.MarkDirty()
	}
	if gd.FreeInodes == 0 {
		fs.Unlock()
		release(bp, modified)
		return 0, nil
	}

	ipg := int(a.geo.InodesPerGroup)
	bm := bitmap.Bitmap(bp.Data)
	start := 0
	if pref != 0 && a.geo.ValidInode(pref) && a.geo.GroupOfInode(pref) == cg {
		start = int((pref - 1) % a.geo.InodesPerGroup)
	}
	bit, ok := start, bm.IsClear(start)
	if !ok {
		bit, ok = bitmap.FindOneFree(bm, start, ipg)
	}
	if !ok {
		err := a.corrupt(cg, "inode bitmap", "%d free inodes but no clear bit", gd.FreeInodes)
		fs.Unlock()
		bp.Brelse()
		return 0, err
	}

	bm.Set(bit)
	fs.AddFreeInodes(cg, -1)
	if fs.HasGDTCsum() && bit >= ipg-int(gd.ItableUnused) {
		gd.ItableUnused = uint16(ipg - bit - 1)
	}
	if format.IsDir(uint16(mode)) {
		fs.AddDirs(cg, 1)
		if a.contigDirs[cg] < 255 {
			a.contigDirs[cg]++
		}
	} else if a.contigDirs[cg] > 0 {
		a.contigDirs[cg]--
	}
	fs.Unlock()
	writeBack(bp, modified)
	return cg*a.geo.InodesPerGroup + uint32(bit) + 1, nil
}

// zeroInodeTable clears the inode table blocks past those that can hold
// in-use inodes. The caller holds the group's inode bitmap buffer but not
// the lock.
func (a *Allocator) zeroInodeTable(ctx context.Context, cg, table uint32, unused uint16) error {
	ipb := uint32(a.geo.BlockSize / a.geo.InodeSize)
	used := a.geo.InodesPerGroup - min(uint32(unused), a.geo.InodesPerGroup)
	first := (used + ipb - 1) / ipb
	for i := first; i < a.geo.InodeTableBlocks; i++ {
		bp, err := a.fs.Cache().Getblk(ctx, table+i)
		if err != nil {
			return err
		}
		if err := bp.Bwrite(ctx); err != nil {
			return fmt.Errorf("group %d: zero inode table: %w", cg, err)
		}
	}
	a.log.Debug("zeroed inode table",
		zap.Uint32("group", cg),
		zap.Uint32("from", first),
		zap.Uint32("blocks", a.geo.InodeTableBlocks))
	return nil
}

// AllocInode allocates an inode for a new file of the given mode created in
// directory parent. Directories are spread with DirPref; other files stay
// in their parent's group when possible.
func (a *Allocator) AllocInode(ctx context.Context, parent uint32, mode uint16) (uint32, error) {
	if err := a.usable(); err != nil {
		return 0, err
	}
	if !a.geo.ValidInode(parent) {
		return 0, ErrBadInode
	}

	fs := a.fs
	fs.Lock()
	if fs.FreeInodes() == 0 {
		fs.Unlock()
		a.logNoInodes(parent)
		return 0, ErrNoInodes
	}
	cg := a.geo.GroupOfInode(parent)
	if format.IsDir(mode) {
		cg = a.dirPrefLocked(parent)
	}
	fs.Unlock()

	ipref := cg*a.geo.InodesPerGroup + 1
	ino, err := a.hashAlloc(ctx, cg, ipref, int(mode), a.inodes)
	if err != nil {
		return 0, err
	}
	if ino == 0 {
		a.logNoInodes(parent)
		return 0, ErrNoInodes
	}
	return ino, nil
}

func (a *Allocator) logNoInodes(parent uint32) {
	a.log.Warn("out of inodes", zap.Uint32("parent", parent))
}
