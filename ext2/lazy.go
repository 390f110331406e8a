package ext2

import (
	"fmt"

	"github.com/joshuapare/ext2kit/ext2/bitmap"
	"github.com/joshuapare/ext2kit/internal/format"
)

// SynthesizeBlockBitmap fills dst with the block bitmap of a group whose
// on-disk bitmap was never written (BLOCK_UNINIT). Marked in use: the
// superblock and descriptor table copies, the group's own block bitmap, inode
// bitmap and inode table, and every bit past the group's last real block.
//
// The result depends only on the layout and the descriptor's locations, so
// calling it again yields the same bitmap.
func SynthesizeBlockBitmap(sb *format.Superblock, cg uint32, gd *format.GroupDesc, dst []byte) error {
	bm := bitmap.Bitmap(dst)
	clear(dst)
	nbits := bm.Bits()
	count := sb.BlocksInGroup(cg)
	meta := sb.BaseMetaBlocks(cg)
	if int(count) > nbits || meta > count {
		return fmt.Errorf("group %d: %d blocks, %d base metadata, %d-bit bitmap: %w",
			cg, count, meta, nbits, format.ErrGeometry)
	}
	bm.MarkEnd(0, int(meta))

	base := sb.GroupFirstBlock(cg)
	mark := func(bno uint32) {
		if bno >= base && bno-base < count {
			bm.Set(int(bno - base))
		}
	}
	mark(gd.BlockBitmap)
	mark(gd.InodeBitmap)
	for i := uint32(0); i < sb.InodeTableBlocks(); i++ {
		mark(gd.InodeTable + i)
	}
	bm.MarkEnd(int(count), nbits)
	return nil
}

// SynthesizeInodeBitmap fills dst with the inode bitmap of a group flagged
// INODE_UNINIT: every inode free, padding past InodesPerGroup in use.
func SynthesizeInodeBitmap(sb *format.Superblock, dst []byte) {
	bm := bitmap.Bitmap(dst)
	clear(dst)
	bm.MarkEnd(int(sb.InodesPerGroup), bm.Bits())
}

// SynthesizeBlockBitmap is the FS-bound form of the package function.
func (fs *FS) SynthesizeBlockBitmap(cg uint32, gd *format.GroupDesc, dst []byte) error {
	return SynthesizeBlockBitmap(&fs.layout, cg, gd, dst)
}
