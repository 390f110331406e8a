// Package format houses the low-level codecs for the ext2 on-disk layout: the
// superblock, the block group descriptor table and the feature and flag words
// that govern how the allocator treats each group. The package is free of I/O
// so higher-level packages can decide where bytes come from.
package format

const (
	// SuperblockOffset is the byte offset of the primary superblock on the volume,
	// independent of block size.
	SuperblockOffset = 1024

	// SuperblockSize is the size of the on-disk superblock.
	SuperblockSize = 1024

	// Magic is the value of s_magic for every ext2 revision.
	Magic = 0xEF53

	// GroupDescSize is the size of one block group descriptor (32-bit layout).
	GroupDescSize = 32

	// MinBlockSize and MaxBlockSize bound the supported block sizes.
	MinBlockSize = 1024
	MaxBlockSize = 65536

	// RootIno is the inode number of the root directory.
	RootIno = 2

	// GoodOldFirstIno is the first non-reserved inode on revision 0 filesystems.
	GoodOldFirstIno = 11

	// GoodOldInodeSize is the fixed inode size on revision 0 filesystems.
	GoodOldInodeSize = 128

	// NDirBlocks is the number of direct block pointers in an inode.
	NDirBlocks = 12
)

// Revision levels.
const (
	GoodOldRev = 0
	DynamicRev = 1
)

// Superblock state and error-behaviour values.
const (
	StateValid = 0x0001
	StateError = 0x0002

	ErrorsContinue = 1
	ErrorsRO       = 2
	ErrorsPanic    = 3
)

// Compatible feature flags. None of them change allocation behaviour.
const (
	CompatDirPrealloc  = 0x0001
	CompatImagicInodes = 0x0002
	CompatHasJournal   = 0x0004
	CompatExtAttr      = 0x0008
	CompatResizeInode  = 0x0010
	CompatDirIndex     = 0x0020
)

// Incompatible feature flags.
const (
	IncompatCompression = 0x0001
	IncompatFiletype    = 0x0002
	IncompatRecover     = 0x0004
	IncompatJournalDev  = 0x0008
	IncompatMetaBG      = 0x0010
	Incompat64Bit       = 0x0080
	IncompatFlexBG      = 0x0200
)

// Read-only compatible feature flags.
const (
	ROCompatSparseSuper  = 0x0001
	ROCompatLargeFile    = 0x0002
	ROCompatBtreeDir     = 0x0004
	ROCompatGDTCsum      = 0x0010
	ROCompatMetadataCsum = 0x0400
)

const (
	// SupportedIncompat lists the incompatible features a mount may carry.
	SupportedIncompat = IncompatFiletype

	// SupportedROCompat lists the ro-compat features writable mounts understand.
	SupportedROCompat = ROCompatSparseSuper | ROCompatLargeFile | ROCompatGDTCsum
)

// Block group descriptor flags (bg_flags). Only meaningful with GDT_CSUM.
const (
	BGInodeUninit = 0x0001
	BGBlockUninit = 0x0002
	BGInodeZeroed = 0x0004
)

// Inode mode format bits.
const (
	ModeFmt = 0xF000
	ModeDir = 0x4000
	ModeReg = 0x8000
	ModeLnk = 0xA000
)

// IsDir reports whether an inode mode describes a directory.
func IsDir(mode uint16) bool {
	return mode&ModeFmt == ModeDir
}
