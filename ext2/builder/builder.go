// Package builder lays out a fresh ext2 filesystem on a volume (mkfs).
//
// The layout of each group is:
//
//	[superblock + descriptor table + reserved GDT]   only on groups with a backup
//	[block bitmap] [inode bitmap] [inode table ...]  every group
//	[data blocks ...]
//
// With LazyInit the GDT_CSUM feature is enabled and every group except the
// first is left BLOCK_UNINIT | INODE_UNINIT: its bitmaps and inode table are
// never written and the allocator initializes them on first use.
package builder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joshuapare/ext2kit/ext2"
	"github.com/joshuapare/ext2kit/ext2/bitmap"
	"github.com/joshuapare/ext2kit/internal/format"
)

var (
	// ErrParams indicates the requested geometry cannot be built.
	ErrParams = errors.New("builder: invalid parameters")
	// ErrTooSmall indicates a group cannot hold its own metadata.
	ErrTooSmall = errors.New("builder: filesystem too small")
)

// Params describes the filesystem to create. Zero fields take defaults.
type Params struct {
	BlockSize         int    // default 1024
	BlocksCount       uint32 // required
	BlocksPerGroup    uint32 // default min(8*BlockSize, 32768)
	InodesPerGroup    uint32 // default BlocksPerGroup/4
	InodeSize         int    // default 128
	ReservedPercent   int    // default 5; negative means none
	ReservedGDTBlocks uint16
	LazyInit          bool
	NoSparseSuper     bool
	Label             string
	UUID              uuid.UUID // default random
}

// Layout reports what Format wrote.
type Layout struct {
	Superblock format.Superblock
	Groups     []format.GroupDesc
}

func (p Params) withDefaults() (Params, error) {
	if p.BlockSize == 0 {
		p.BlockSize = format.MinBlockSize
	}
	if p.BlockSize < format.MinBlockSize || p.BlockSize > format.MaxBlockSize || p.BlockSize&(p.BlockSize-1) != 0 {
		return p, fmt.Errorf("%w: block size %d", ErrParams, p.BlockSize)
	}
	if p.InodeSize == 0 {
		p.InodeSize = format.GoodOldInodeSize
	}
	if p.InodeSize < format.GoodOldInodeSize || p.InodeSize > p.BlockSize || p.InodeSize&(p.InodeSize-1) != 0 {
		return p, fmt.Errorf("%w: inode size %d", ErrParams, p.InodeSize)
	}
	maxPerGroup := uint32(p.BlockSize * 8)
	if p.BlocksPerGroup == 0 {
		p.BlocksPerGroup = min(maxPerGroup, 32768)
	}
	if p.BlocksPerGroup < 8 || p.BlocksPerGroup > maxPerGroup || p.BlocksPerGroup > 0xFFFF {
		return p, fmt.Errorf("%w: blocks per group %d", ErrParams, p.BlocksPerGroup)
	}
	if p.InodesPerGroup == 0 {
		p.InodesPerGroup = p.BlocksPerGroup / 4
	}
	// Round up to whole inode-table blocks and whole bitmap bytes.
	align := max(uint32(p.BlockSize/p.InodeSize), 8)
	p.InodesPerGroup = (p.InodesPerGroup + align - 1) / align * align
	if p.InodesPerGroup > maxPerGroup || p.InodesPerGroup > 0xFFFF || p.InodesPerGroup < format.GoodOldFirstIno {
		return p, fmt.Errorf("%w: inodes per group %d", ErrParams, p.InodesPerGroup)
	}
	if p.ReservedPercent == 0 {
		p.ReservedPercent = 5
	}
	if p.ReservedPercent > 50 {
		return p, fmt.Errorf("%w: reserved percent %d", ErrParams, p.ReservedPercent)
	}
	if len(p.Label) > 16 {
		return p, fmt.Errorf("%w: label longer than 16 bytes", ErrParams)
	}
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	return p, nil
}

// Superblock returns the superblock Format would write, with zero free counts.
func (p Params) Superblock() (format.Superblock, error) {
	p, err := p.withDefaults()
	if err != nil {
		return format.Superblock{}, err
	}
	var first uint32
	if p.BlockSize == format.MinBlockSize {
		first = 1
	}
	if p.BlocksCount <= first {
		return format.Superblock{}, fmt.Errorf("%w: %d blocks", ErrTooSmall, p.BlocksCount)
	}
	logBlock := uint32(0)
	for (format.MinBlockSize << logBlock) < p.BlockSize {
		logBlock++
	}
	now := uint32(time.Now().Unix())
	sb := format.Superblock{
		BlocksCount:       p.BlocksCount,
		FirstDataBlock:    first,
		LogBlockSize:      logBlock,
		LogFragSize:       logBlock,
		BlocksPerGroup:    p.BlocksPerGroup,
		FragsPerGroup:     p.BlocksPerGroup,
		InodesPerGroup:    p.InodesPerGroup,
		Wtime:             now,
		LastCheck:         now,
		MaxMntCount:       0xFFFF,
		Magic:             format.Magic,
		State:             format.StateValid,
		Errors:            format.ErrorsContinue,
		RevLevel:          format.DynamicRev,
		FirstIno:          format.GoodOldFirstIno,
		InodeSize:         uint16(p.InodeSize),
		FeatureIncompat:   format.IncompatFiletype,
		FeatureROCompat:   format.ROCompatLargeFile,
		ReservedGDTBlocks: p.ReservedGDTBlocks,
	}
	if !p.NoSparseSuper {
		sb.FeatureROCompat |= format.ROCompatSparseSuper
	}
	if p.LazyInit {
		sb.FeatureROCompat |= format.ROCompatGDTCsum
	}
	if p.ReservedGDTBlocks > 0 {
		sb.FeatureCompat |= format.CompatResizeInode
	}
	copy(sb.UUID[:], p.UUID[:])
	copy(sb.VolumeName[:], p.Label)
	sb.InodesCount = sb.GroupCount() * p.InodesPerGroup
	if p.ReservedPercent > 0 {
		sb.RBlocksCount = uint32(uint64(p.BlocksCount) * uint64(p.ReservedPercent) / 100)
	}
	return sb, nil
}

// Format writes a new filesystem to vol, growing it to the required size if
// the volume allows.
func Format(ctx context.Context, vol ext2.Volume, p Params) (*Layout, error) {
	sb, err := p.Superblock()
	if err != nil {
		return nil, err
	}
	bsize := sb.BlockSize()
	need := int64(sb.BlocksCount) * int64(bsize)
	if vol.Size() < need {
		if _, err := vol.WriteAt([]byte{0}, need-1); err != nil {
			return nil, fmt.Errorf("builder: grow volume to %d bytes: %w", need, err)
		}
	}

	lazy := sb.HasROCompat(format.ROCompatGDTCsum)
	ngroups := sb.GroupCount()
	groups := make([]format.GroupDesc, ngroups)
	bbm := make([]byte, bsize)
	ibm := make([]byte, bsize)
	zero := make([]byte, bsize)
	reserved := sb.FirstInode() - 1

	for cg := uint32(0); cg < ngroups; cg++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		base := sb.GroupFirstBlock(cg)
		meta := base + sb.BaseMetaBlocks(cg)
		gd := &groups[cg]
		gd.BlockBitmap = meta
		gd.InodeBitmap = meta + 1
		gd.InodeTable = meta + 2
		if end := gd.InodeTable + sb.InodeTableBlocks(); end-base > sb.BlocksInGroup(cg) {
			return nil, fmt.Errorf("%w: group %d has %d blocks, metadata needs %d",
				ErrTooSmall, cg, sb.BlocksInGroup(cg), end-base)
		}

		if err := ext2.SynthesizeBlockBitmap(&sb, cg, gd, bbm); err != nil {
			return nil, err
		}
		ext2.SynthesizeInodeBitmap(&sb, ibm)
		gd.FreeInodes = uint16(sb.InodesPerGroup)
		if cg == 0 {
			bitmap.Bitmap(ibm).MarkEnd(0, int(reserved))
			gd.FreeInodes -= uint16(reserved)
			gd.UsedDirs = 1 // root
		}
		gd.FreeBlocks = uint16(bitmap.Bitmap(bbm).CountClear(int(sb.BlocksInGroup(cg))))
		sb.FreeBlocksCount += uint32(gd.FreeBlocks)
		sb.FreeInodesCount += uint32(gd.FreeInodes)

		if lazy && cg > 0 {
			gd.Flags = format.BGBlockUninit | format.BGInodeUninit
			gd.ItableUnused = uint16(sb.InodesPerGroup)
			continue
		}
		if lazy {
			gd.Flags = format.BGInodeZeroed
			gd.ItableUnused = uint16(sb.InodesPerGroup - reserved)
		}
		if err := writeBlock(vol, gd.BlockBitmap, bsize, bbm); err != nil {
			return nil, err
		}
		if err := writeBlock(vol, gd.InodeBitmap, bsize, ibm); err != nil {
			return nil, err
		}
		for i := uint32(0); i < sb.InodeTableBlocks(); i++ {
			if err := writeBlock(vol, gd.InodeTable+i, bsize, zero); err != nil {
				return nil, err
			}
		}
	}

	gdtRaw := make([]byte, int(sb.GDTBlocks())*bsize)
	var csumUUID *[16]byte
	if lazy {
		csumUUID = &sb.UUID
	}
	if err := format.EncodeGroupTable(gdtRaw, groups, csumUUID); err != nil {
		return nil, err
	}
	sbRaw := make([]byte, format.SuperblockSize)
	for cg := uint32(0); cg < ngroups; cg++ {
		if !sb.HasSuper(cg) {
			continue
		}
		copySB := sb
		copySB.BlockGroupNr = uint16(cg)
		if err := copySB.EncodeInto(sbRaw); err != nil {
			return nil, err
		}
		off := int64(format.SuperblockOffset)
		base := sb.GroupFirstBlock(cg)
		if cg > 0 {
			off = int64(base) * int64(bsize)
		}
		if _, err := vol.WriteAt(sbRaw, off); err != nil {
			return nil, fmt.Errorf("builder: superblock copy in group %d: %w", cg, err)
		}
		if _, err := vol.WriteAt(gdtRaw, int64(base+1)*int64(bsize)); err != nil {
			return nil, fmt.Errorf("builder: descriptor table copy in group %d: %w", cg, err)
		}
		for i := uint32(0); i < uint32(sb.ReservedGDTBlocks); i++ {
			if err := writeBlock(vol, base+1+sb.GDTBlocks()+i, bsize, zero); err != nil {
				return nil, err
			}
		}
	}
	if err := vol.Sync(false); err != nil {
		return nil, fmt.Errorf("builder: sync: %w", err)
	}
	return &Layout{Superblock: sb, Groups: groups}, nil
}

func writeBlock(vol ext2.Volume, bno uint32, bsize int, data []byte) error {
	if _, err := vol.WriteAt(data, int64(bno)*int64(bsize)); err != nil {
		return fmt.Errorf("builder: write block %d: %w", bno, err)
	}
	return nil
}
