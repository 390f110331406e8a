package alloc

import "github.com/joshuapare/ext2kit/internal/format"

// Inode is the part of an in-core inode the allocator reads and updates.
type Inode struct {
	Ino  uint32
	Mode uint16

	// NextAllocBlock and NextAllocGoal cache the sequential-write hint:
	// when logical block NextAllocBlock is allocated, try NextAllocGoal.
	NextAllocBlock uint32
	NextAllocGoal  uint32

	// Blocks counts 512-byte sectors in use.
	Blocks uint64
}

// Cred identifies the requester. Privileged callers may use the reserved
// blocks.
type Cred struct {
	Privileged bool
}

const (
	avgFileSize    = 16384 // expected average file size
	filesPerDir    = 64    // expected files per directory
	maxContigLimit = 255
)

// BlockPref returns the block to try first for logical block lbn of ip.
//
// The sequential hint wins when it names lbn. Otherwise the nearest assigned
// pointer before indx in bap (the sibling pointers of lbn, may be nil) is
// returned, so the group allocator searches right after it. Failing both,
// blocknr is used, and if that is 0 the first block of the inode's group.
func (a *Allocator) BlockPref(ip *Inode, lbn uint32, indx int, bap []uint32, blocknr uint32) uint32 {
	if ip.NextAllocBlock == lbn && ip.NextAllocGoal != 0 {
		return ip.NextAllocGoal
	}
	for i := min(indx, len(bap)) - 1; i >= 0; i-- {
		if bap[i] != 0 {
			return bap[i]
		}
	}
	if blocknr != 0 {
		return blocknr
	}
	if !a.geo.ValidInode(ip.Ino) {
		return a.geo.FirstDataBlock
	}
	return a.geo.GroupBase(a.geo.GroupOfInode(ip.Ino))
}

// DirPref picks the group for a new directory created in parent.
func (a *Allocator) DirPref(parent uint32) uint32 {
	a.fs.Lock()
	defer a.fs.Unlock()
	return a.dirPrefLocked(parent)
}

// dirPrefLocked implements DirPref. The caller holds the lock.
//
// Children of the root go to a random group with the fewest directories
// among those with at least average free inodes and blocks. Other
// directories stay near their parent, in the first group from the parent's
// on with spare inodes, spare blocks, not too many directories, and fewer
// than maxContigDirs directories created there since its last file.
func (a *Allocator) dirPrefLocked(parent uint32) uint32 {
	fs := a.fs
	n := a.geo.Groups
	ipg := a.geo.InodesPerGroup
	avgifree := fs.FreeInodes() / n
	avgbfree := fs.FreeBlocks() / n
	avgndir := fs.TotalDirs() / n

	if parent == format.RootIno {
		prefcg := uint32(a.rnd.Uint64N(uint64(n)))
		mincg, minndir := prefcg, ipg
		for i := uint32(0); i < n; i++ {
			cg := (prefcg + i) % n
			gd := fs.Group(cg)
			if uint32(gd.UsedDirs) < minndir &&
				uint32(gd.FreeInodes) >= avgifree &&
				uint32(gd.FreeBlocks) >= avgbfree {
				mincg, minndir = cg, uint32(gd.UsedDirs)
			}
		}
		return mincg
	}

	maxndir := min(avgndir+ipg/16, ipg)
	minifree := max(avgifree-avgifree/4, 1)
	minbfree := max(avgbfree-avgbfree/4, 1)
	bsize := uint64(a.geo.BlockSize)
	cgsize := uint64(a.geo.FragSize) * uint64(a.geo.BlocksPerGroup)
	dirsize := uint64(avgFileSize * filesPerDir)
	if avgndir != 0 {
		if cur := (cgsize - min(uint64(avgbfree)*bsize, cgsize)) / uint64(avgndir); cur > dirsize {
			dirsize = cur
		}
	}
	maxContigDirs := min(uint64(avgbfree)*bsize/dirsize, maxContigLimit, uint64(ipg/filesPerDir))
	if maxContigDirs == 0 {
		maxContigDirs = 1
	}

	prefcg := a.geo.GroupOfInode(parent)
	for i := uint32(0); i < n; i++ {
		cg := (prefcg + i) % n
		gd := fs.Group(cg)
		if uint32(gd.UsedDirs) < maxndir &&
			uint32(gd.FreeInodes) >= minifree &&
			uint32(gd.FreeBlocks) >= minbfree &&
			uint64(a.contigDirs[cg]) < maxContigDirs {
			return cg
		}
	}
	// Short on space: give up on spreading, but still keep away from a
	// group that took too many directories in a row.
	for i := uint32(0); i < n; i++ {
		cg := (prefcg + i) % n
		if uint32(fs.Group(cg).FreeInodes) >= max(avgifree, 1) &&
			uint64(a.contigDirs[cg]) < maxContigDirs {
			return cg
		}
	}
	for i := uint32(0); i < n; i++ {
		cg := (prefcg + i) % n
		if fs.Group(cg).FreeInodes > 0 {
			return cg
		}
	}
	return prefcg
}
