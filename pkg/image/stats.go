package image

import (
	"github.com/google/uuid"

	"github.com/joshuapare/ext2kit/ext2"
	"github.com/joshuapare/ext2kit/internal/format"
)

// Stats summarizes an image.
type Stats struct {
	Path        string `json:"path" yaml:"path"`
	Compression string `json:"compression" yaml:"compression"`
	Label       string `json:"label,omitempty" yaml:"label,omitempty"`
	UUID        string `json:"uuid" yaml:"uuid"`
	ReadOnly    bool   `json:"read_only" yaml:"read_only"`
	Clean       bool   `json:"clean" yaml:"clean"`
	LazyInit    bool   `json:"lazy_init" yaml:"lazy_init"`

	BlockSize      int    `json:"block_size" yaml:"block_size"`
	BlocksCount    uint32 `json:"blocks" yaml:"blocks"`
	FreeBlocks     uint32 `json:"free_blocks" yaml:"free_blocks"`
	ReservedBlocks uint32 `json:"reserved_blocks" yaml:"reserved_blocks"`
	InodesCount    uint32 `json:"inodes" yaml:"inodes"`
	FreeInodes     uint32 `json:"free_inodes" yaml:"free_inodes"`
	Directories    uint32 `json:"directories" yaml:"directories"`

	Groups         uint32 `json:"groups" yaml:"groups"`
	BlocksPerGroup uint32 `json:"blocks_per_group" yaml:"blocks_per_group"`
	InodesPerGroup uint32 `json:"inodes_per_group" yaml:"inodes_per_group"`
	MountCount     uint16 `json:"mount_count" yaml:"mount_count"`

	Cache CacheStats `json:"cache" yaml:"cache"`
}

// CacheStats mirrors ext2.CacheStats with serialization tags.
type CacheStats struct {
	Hits      uint64 `json:"hits" yaml:"hits"`
	Misses    uint64 `json:"misses" yaml:"misses"`
	Reads     uint64 `json:"reads" yaml:"reads"`
	Writes    uint64 `json:"writes" yaml:"writes"`
	Resident  int    `json:"resident" yaml:"resident"`
	DirtyBufs int    `json:"dirty" yaml:"dirty"`
}

// GroupStats describes one block group.
type GroupStats struct {
	Group       uint32   `json:"group" yaml:"group"`
	FirstBlock  uint32   `json:"first_block" yaml:"first_block"`
	Blocks      uint32   `json:"blocks" yaml:"blocks"`
	FreeBlocks  uint16   `json:"free_blocks" yaml:"free_blocks"`
	FreeInodes  uint16   `json:"free_inodes" yaml:"free_inodes"`
	Directories uint16   `json:"directories" yaml:"directories"`
	BlockBitmap uint32   `json:"block_bitmap" yaml:"block_bitmap"`
	InodeBitmap uint32   `json:"inode_bitmap" yaml:"inode_bitmap"`
	InodeTable  uint32   `json:"inode_table" yaml:"inode_table"`
	Backup      bool     `json:"superblock_backup" yaml:"superblock_backup"`
	Flags       []string `json:"flags,omitempty" yaml:"flags,omitempty"`
}

// Stats reports the geometry, free counts and cache activity.
func (im *Image) Stats() Stats {
	fs := im.fs
	geo := fs.Geometry()
	cs := fs.Cache().Stats()

	fs.Lock()
	sb := fs.Superblock()
	dirs := fs.TotalDirs()
	fs.Unlock()

	return Stats{
		Path:           im.path,
		Compression:    im.comp.String(),
		Label:          sb.Label(),
		UUID:           uuid.UUID(sb.UUID).String(),
		ReadOnly:       fs.ReadOnly(),
		Clean:          sb.State&format.StateValid != 0,
		LazyInit:       fs.HasGDTCsum(),
		BlockSize:      geo.BlockSize,
		BlocksCount:    geo.BlocksCount,
		FreeBlocks:     sb.FreeBlocksCount,
		ReservedBlocks: geo.ReservedBlocks,
		InodesCount:    geo.InodesCount,
		FreeInodes:     sb.FreeInodesCount,
		Directories:    dirs,
		Groups:         geo.Groups,
		BlocksPerGroup: geo.BlocksPerGroup,
		InodesPerGroup: geo.InodesPerGroup,
		MountCount:     sb.MntCount,
		Cache:          cacheStats(cs),
	}
}

func cacheStats(cs ext2.CacheStats) CacheStats {
	return CacheStats{
		Hits:      cs.Hits,
		Misses:    cs.Misses,
		Reads:     cs.Reads,
		Writes:    cs.Writes,
		Resident:  cs.Resident,
		DirtyBufs: cs.DirtyBufs,
	}
}

// Groups describes every block group from the in-memory descriptor table.
func (im *Image) Groups() []GroupStats {
	fs := im.fs
	geo := fs.Geometry()
	layout := fs.Layout()

	out := make([]GroupStats, geo.Groups)
	fs.Lock()
	defer fs.Unlock()
	for cg := range geo.Groups {
		gd := fs.Group(cg)
		out[cg] = GroupStats{
			Group:       cg,
			FirstBlock:  geo.GroupBase(cg),
			Blocks:      geo.BlocksInGroup(cg),
			FreeBlocks:  gd.FreeBlocks,
			FreeInodes:  gd.FreeInodes,
			Directories: gd.UsedDirs,
			BlockBitmap: gd.BlockBitmap,
			InodeBitmap: gd.InodeBitmap,
			InodeTable:  gd.InodeTable,
			Backup:      layout.HasSuper(cg),
			Flags:       groupFlags(gd),
		}
	}
	return out
}

func groupFlags(gd *format.GroupDesc) []string {
	var flags []string
	if gd.HasFlag(format.BGInodeUninit) {
		flags = append(flags, "INODE_UNINIT")
	}
	if gd.HasFlag(format.BGBlockUninit) {
		flags = append(flags, "BLOCK_UNINIT")
	}
	if gd.HasFlag(format.BGInodeZeroed) {
		flags = append(flags, "ITABLE_ZEROED")
	}
	return flags
}
