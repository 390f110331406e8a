package format

import (
	"fmt"
	"math/bits"

	"github.com/joshuapare/ext2kit/internal/buf"
)

// Superblock field offsets, relative to the start of the superblock.
const (
	SBInodesCountOffset      = 0x00
	SBBlocksCountOffset      = 0x04
	SBRBlocksCountOffset     = 0x08
	SBFreeBlocksOffset       = 0x0C
	SBFreeInodesOffset       = 0x10
	SBFirstDataBlockOffset   = 0x14
	SBLogBlockSizeOffset     = 0x18
	SBLogFragSizeOffset      = 0x1C
	SBBlocksPerGroupOffset   = 0x20
	SBFragsPerGroupOffset    = 0x24
	SBInodesPerGroupOffset   = 0x28
	SBMtimeOffset            = 0x2C
	SBWtimeOffset            = 0x30
	SBMntCountOffset         = 0x34
	SBMaxMntCountOffset      = 0x36
	SBMagicOffset            = 0x38
	SBStateOffset            = 0x3A
	SBErrorsOffset           = 0x3C
	SBMinorRevOffset         = 0x3E
	SBLastCheckOffset        = 0x40
	SBCheckIntervalOffset    = 0x44
	SBCreatorOSOffset        = 0x48
	SBRevLevelOffset         = 0x4C
	SBDefResUIDOffset        = 0x50
	SBDefResGIDOffset        = 0x52
	SBFirstInoOffset         = 0x54
	SBInodeSizeOffset        = 0x58
	SBBlockGroupNrOffset     = 0x5A
	SBFeatureCompatOffset    = 0x5C
	SBFeatureIncompatOffset  = 0x60
	SBFeatureROCompatOffset  = 0x64
	SBUUIDOffset             = 0x68
	SBVolumeNameOffset       = 0x78
	SBReservedGDTBlockOffset = 0xCE
)

// Superblock mirrors the ext2 superblock fields this module reads or updates.
//
//	Offset  Size  Description
//	------  ----  ----------------------------------------------------------
//	 0x000   4    Inodes count
//	 0x004   4    Blocks count
//	 0x008   4    Reserved (root-only) blocks count
//	 0x00C   4    Free blocks count
//	 0x010   4    Free inodes count
//	 0x014   4    First data block (1 for 1 KiB blocks, else 0)
//	 0x018   4    log2(block size) - 10
//	 0x020   4    Blocks per group
//	 0x028   4    Inodes per group
//	 0x038   2    Magic (0xEF53)
//	 0x04C   4    Revision level
//	 0x054   4    First non-reserved inode (rev 1)
//	 0x058   2    Inode size (rev 1)
//	 0x05C  12    Compat / incompat / ro-compat feature words
//	 0x068  16    UUID
//	 0x0CE   2    Reserved GDT blocks (online resize)
//
// Fields that are not listed are preserved byte-for-byte by EncodeInto.
type Superblock struct {
	InodesCount       uint32
	BlocksCount       uint32
	RBlocksCount      uint32
	FreeBlocksCount   uint32
	FreeInodesCount   uint32
	FirstDataBlock    uint32
	LogBlockSize      uint32
	LogFragSize       uint32
	BlocksPerGroup    uint32
	FragsPerGroup     uint32
	InodesPerGroup    uint32
	Mtime             uint32
	Wtime             uint32
	MntCount          uint16
	MaxMntCount       uint16
	Magic             uint16
	State             uint16
	Errors            uint16
	MinorRevLevel     uint16
	LastCheck         uint32
	CheckInterval     uint32
	CreatorOS         uint32
	RevLevel          uint32
	DefResUID         uint16
	DefResGID         uint16
	FirstIno          uint32
	InodeSize         uint16
	BlockGroupNr      uint16
	FeatureCompat     uint32
	FeatureIncompat   uint32
	FeatureROCompat   uint32
	UUID              [16]byte
	VolumeName        [16]byte
	ReservedGDTBlocks uint16
}

// ParseSuperblock decodes a superblock from b, which must start at the
// superblock (volume offset 1024). It checks the magic but not the geometry;
// call Validate for that.
func ParseSuperblock(b []byte) (Superblock, error) {
	if len(b) < SuperblockSize {
		return Superblock{}, fmt.Errorf("superblock: %w", ErrTruncated)
	}
	s := Superblock{
		InodesCount:       buf.U32LE(b[SBInodesCountOffset:]),
		BlocksCount:       buf.U32LE(b[SBBlocksCountOffset:]),
		RBlocksCount:      buf.U32LE(b[SBRBlocksCountOffset:]),
		FreeBlocksCount:   buf.U32LE(b[SBFreeBlocksOffset:]),
		FreeInodesCount:   buf.U32LE(b[SBFreeInodesOffset:]),
		FirstDataBlock:    buf.U32LE(b[SBFirstDataBlockOffset:]),
		LogBlockSize:      buf.U32LE(b[SBLogBlockSizeOffset:]),
		LogFragSize:       buf.U32LE(b[SBLogFragSizeOffset:]),
		BlocksPerGroup:    buf.U32LE(b[SBBlocksPerGroupOffset:]),
		FragsPerGroup:     buf.U32LE(b[SBFragsPerGroupOffset:]),
		InodesPerGroup:    buf.U32LE(b[SBInodesPerGroupOffset:]),
		Mtime:             buf.U32LE(b[SBMtimeOffset:]),
		Wtime:             buf.U32LE(b[SBWtimeOffset:]),
		MntCount:          buf.U16LE(b[SBMntCountOffset:]),
		MaxMntCount:       buf.U16LE(b[SBMaxMntCountOffset:]),
		Magic:             buf.U16LE(b[SBMagicOffset:]),
		State:             buf.U16LE(b[SBStateOffset:]),
		Errors:            buf.U16LE(b[SBErrorsOffset:]),
		MinorRevLevel:     buf.U16LE(b[SBMinorRevOffset:]),
		LastCheck:         buf.U32LE(b[SBLastCheckOffset:]),
		CheckInterval:     buf.U32LE(b[SBCheckIntervalOffset:]),
		CreatorOS:         buf.U32LE(b[SBCreatorOSOffset:]),
		RevLevel:          buf.U32LE(b[SBRevLevelOffset:]),
		DefResUID:         buf.U16LE(b[SBDefResUIDOffset:]),
		DefResGID:         buf.U16LE(b[SBDefResGIDOffset:]),
		FirstIno:          buf.U32LE(b[SBFirstInoOffset:]),
		InodeSize:         buf.U16LE(b[SBInodeSizeOffset:]),
		BlockGroupNr:      buf.U16LE(b[SBBlockGroupNrOffset:]),
		FeatureCompat:     buf.U32LE(b[SBFeatureCompatOffset:]),
		FeatureIncompat:   buf.U32LE(b[SBFeatureIncompatOffset:]),
		FeatureROCompat:   buf.U32LE(b[SBFeatureROCompatOffset:]),
		ReservedGDTBlocks: buf.U16LE(b[SBReservedGDTBlockOffset:]),
	}
	copy(s.UUID[:], b[SBUUIDOffset:SBUUIDOffset+16])
	copy(s.VolumeName[:], b[SBVolumeNameOffset:SBVolumeNameOffset+16])
	if s.Magic != Magic {
		return s, fmt.Errorf("superblock magic %#04x: %w", s.Magic, ErrSignatureMismatch)
	}
	return s, nil
}

// EncodeInto writes the known fields of s into b, leaving every other byte as is.
func (s *Superblock) EncodeInto(b []byte) error {
	if len(b) < SuperblockSize {
		return fmt.Errorf("superblock: %w", ErrTruncated)
	}
	buf.PutU32LE(b[SBInodesCountOffset:], s.InodesCount)
	buf.PutU32LE(b[SBBlocksCountOffset:], s.BlocksCount)
	buf.PutU32LE(b[SBRBlocksCountOffset:], s.RBlocksCount)
	buf.PutU32LE(b[SBFreeBlocksOffset:], s.FreeBlocksCount)
	buf.PutU32LE(b[SBFreeInodesOffset:], s.FreeInodesCount)
	buf.PutU32LE(b[SBFirstDataBlockOffset:], s.FirstDataBlock)
	buf.PutU32LE(b[SBLogBlockSizeOffset:], s.LogBlockSize)
	buf.PutU32LE(b[SBLogFragSizeOffset:], s.LogFragSize)
	buf.PutU32LE(b[SBBlocksPerGroupOffset:], s.BlocksPerGroup)
	buf.PutU32LE(b[SBFragsPerGroupOffset:], s.FragsPerGroup)
	buf.PutU32LE(b[SBInodesPerGroupOffset:], s.InodesPerGroup)
	buf.PutU32LE(b[SBMtimeOffset:], s.Mtime)
	buf.PutU32LE(b[SBWtimeOffset:], s.Wtime)
	buf.PutU16LE(b[SBMntCountOffset:], s.MntCount)
	buf.PutU16LE(b[SBMaxMntCountOffset:], s.MaxMntCount)
	buf.PutU16LE(b[SBMagicOffset:], s.Magic)
	buf.PutU16LE(b[SBStateOffset:], s.State)
	buf.PutU16LE(b[SBErrorsOffset:], s.Errors)
	buf.PutU16LE(b[SBMinorRevOffset:], s.MinorRevLevel)
	buf.PutU32LE(b[SBLastCheckOffset:], s.LastCheck)
	buf.PutU32LE(b[SBCheckIntervalOffset:], s.CheckInterval)
	buf.PutU32LE(b[SBCreatorOSOffset:], s.CreatorOS)
	buf.PutU32LE(b[SBRevLevelOffset:], s.RevLevel)
	buf.PutU16LE(b[SBDefResUIDOffset:], s.DefResUID)
	buf.PutU16LE(b[SBDefResGIDOffset:], s.DefResGID)
	buf.PutU32LE(b[SBFirstInoOffset:], s.FirstIno)
	buf.PutU16LE(b[SBInodeSizeOffset:], s.InodeSize)
	buf.PutU16LE(b[SBBlockGroupNrOffset:], s.BlockGroupNr)
	buf.PutU32LE(b[SBFeatureCompatOffset:], s.FeatureCompat)
	buf.PutU32LE(b[SBFeatureIncompatOffset:], s.FeatureIncompat)
	buf.PutU32LE(b[SBFeatureROCompatOffset:], s.FeatureROCompat)
	copy(b[SBUUIDOffset:SBUUIDOffset+16], s.UUID[:])
	copy(b[SBVolumeNameOffset:SBVolumeNameOffset+16], s.VolumeName[:])
	buf.PutU16LE(b[SBReservedGDTBlockOffset:], s.ReservedGDTBlocks)
	return nil
}

// Validate checks that the geometry fields are usable and that every
// incompatible feature is understood.
func (s *Superblock) Validate() error {
	if s.Magic != Magic {
		return fmt.Errorf("superblock magic %#04x: %w", s.Magic, ErrSignatureMismatch)
	}
	if s.LogBlockSize > 6 {
		return fmt.Errorf("log block size %d: %w", s.LogBlockSize, ErrGeometry)
	}
	if f := s.FeatureIncompat &^ SupportedIncompat; f != 0 {
		return fmt.Errorf("incompat features %#x: %w", f, ErrUnsupported)
	}
	bsize := uint32(s.BlockSize())
	if s.BlocksPerGroup == 0 || s.BlocksPerGroup > bsize*8 {
		return fmt.Errorf("blocks per group %d: %w", s.BlocksPerGroup, ErrGeometry)
	}
	// Descriptor counters and bg_itable_unused are 16 bits wide.
	if s.BlocksPerGroup > 0xFFFF {
		return fmt.Errorf("blocks per group %d: %w", s.BlocksPerGroup, ErrGeometry)
	}
	if s.InodesPerGroup == 0 || s.InodesPerGroup > bsize*8 || s.InodesPerGroup > 0xFFFF {
		return fmt.Errorf("inodes per group %d: %w", s.InodesPerGroup, ErrGeometry)
	}
	if s.FirstDataBlock >= s.BlocksCount {
		return fmt.Errorf("first data block %d >= blocks count %d: %w",
			s.FirstDataBlock, s.BlocksCount, ErrGeometry)
	}
	if want := uint64(s.GroupCount()) * uint64(s.InodesPerGroup); want != uint64(s.InodesCount) {
		return fmt.Errorf("inodes count %d, groups imply %d: %w", s.InodesCount, want, ErrGeometry)
	}
	isz := uint32(s.InodeBytes())
	if isz < GoodOldInodeSize || isz > bsize || bits.OnesCount32(isz) != 1 {
		return fmt.Errorf("inode size %d: %w", isz, ErrGeometry)
	}
	if s.FirstInode() <= RootIno || s.FirstInode() > s.InodesPerGroup {
		return fmt.Errorf("first inode %d: %w", s.FirstInode(), ErrGeometry)
	}
	if s.RBlocksCount > s.BlocksCount {
		return fmt.Errorf("reserved blocks %d > blocks %d: %w", s.RBlocksCount, s.BlocksCount, ErrGeometry)
	}
	return nil
}

// BlockSize returns the block size in bytes.
func (s *Superblock) BlockSize() int {
	return MinBlockSize << s.LogBlockSize
}

// FragSize returns the fragment size in bytes.
func (s *Superblock) FragSize() int {
	return MinBlockSize << s.LogFragSize
}

// InodeBytes returns the on-disk inode size, honouring revision 0 defaults.
func (s *Superblock) InodeBytes() int {
	if s.RevLevel == GoodOldRev {
		return GoodOldInodeSize
	}
	return int(s.InodeSize)
}

// FirstInode returns the first non-reserved inode number.
func (s *Superblock) FirstInode() uint32 {
	if s.RevLevel == GoodOldRev {
		return GoodOldFirstIno
	}
	return s.FirstIno
}

// GroupCount returns the number of block groups.
func (s *Superblock) GroupCount() uint32 {
	if s.BlocksPerGroup == 0 || s.BlocksCount <= s.FirstDataBlock {
		return 0
	}
	data := s.BlocksCount - s.FirstDataBlock
	return (data + s.BlocksPerGroup - 1) / s.BlocksPerGroup
}

// GroupFirstBlock returns the absolute number of the first block in group cg.
func (s *Superblock) GroupFirstBlock(cg uint32) uint32 {
	return s.FirstDataBlock + cg*s.BlocksPerGroup
}

// BlocksInGroup returns the number of blocks group cg actually covers. Only
// the last group may be short.
func (s *Superblock) BlocksInGroup(cg uint32) uint32 {
	n := s.GroupCount()
	if cg+1 < n {
		return s.BlocksPerGroup
	}
	return s.BlocksCount - s.FirstDataBlock - (n-1)*s.BlocksPerGroup
}

// InodesPerBlock returns how many inodes fit in one block.
func (s *Superblock) InodesPerBlock() uint32 {
	return uint32(s.BlockSize() / s.InodeBytes())
}

// InodeTableBlocks returns the number of blocks in each group's inode table.
func (s *Superblock) InodeTableBlocks() uint32 {
	ipb := s.InodesPerBlock()
	return (s.InodesPerGroup + ipb - 1) / ipb
}

// GDTBlocks returns the number of blocks the group descriptor table spans.
func (s *Superblock) GDTBlocks() uint32 {
	per := uint32(s.BlockSize() / GroupDescSize)
	return (s.GroupCount() + per - 1) / per
}

// HasROCompat reports whether every bit in f is set in the ro-compat word.
func (s *Superblock) HasROCompat(f uint32) bool { return s.FeatureROCompat&f == f }

// HasIncompat reports whether every bit in f is set in the incompat word.
func (s *Superblock) HasIncompat(f uint32) bool { return s.FeatureIncompat&f == f }

// HasCompat reports whether every bit in f is set in the compat word.
func (s *Superblock) HasCompat(f uint32) bool { return s.FeatureCompat&f == f }

// HasSuper reports whether group cg carries a superblock and descriptor table
// copy. Without sparse_super every group does; with it only groups 0, 1 and
// powers of 3, 5 and 7.
func (s *Superblock) HasSuper(cg uint32) bool {
	if !s.HasROCompat(ROCompatSparseSuper) || cg <= 1 {
		return true
	}
	if cg&1 == 0 {
		return false
	}
	return isPower(cg, 3) || isPower(cg, 5) || isPower(cg, 7)
}

// BaseMetaBlocks returns how many blocks at the start of group cg are taken by
// the superblock copy, the descriptor table and the reserved GDT area.
func (s *Superblock) BaseMetaBlocks(cg uint32) uint32 {
	if !s.HasSuper(cg) {
		return 0
	}
	return 1 + s.GDTBlocks() + uint32(s.ReservedGDTBlocks)
}

// Label returns the volume name without trailing NULs.
func (s *Superblock) Label() string {
	n := 0
	for n < len(s.VolumeName) && s.VolumeName[n] != 0 {
		n++
	}
	return string(s.VolumeName[:n])
}

func isPower(n, base uint32) bool {
	p := uint64(base)
	for p < uint64(n) {
		p *= uint64(base)
	}
	return p == uint64(n)
}
