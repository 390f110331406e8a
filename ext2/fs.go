package ext2

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joshuapare/ext2kit/ext2/dirty"
	"github.com/joshuapare/ext2kit/internal/format"
)

// Options configures a mount.
type Options struct {
	// Logger receives diagnostics. Nil means no logging.
	Logger *zap.Logger

	// ReadOnly rejects every mutation.
	ReadOnly bool

	// CacheBlocks bounds the number of clean buffers kept in memory.
	CacheBlocks int

	// FlushMode selects the durability of Sync.
	FlushMode dirty.FlushMode
}

// Geometry is the immutable shape of a mounted filesystem.
type Geometry struct {
	BlockSize        int
	FragSize         int
	BlocksCount      uint32
	InodesCount      uint32
	ReservedBlocks   uint32
	FirstDataBlock   uint32
	BlocksPerGroup   uint32
	InodesPerGroup   uint32
	Groups           uint32
	InodeSize        int
	FirstIno         uint32
	InodeTableBlocks uint32
}

func newGeometry(sb *format.Superblock) Geometry {
	return Geometry{
		BlockSize:        sb.BlockSize(),
		FragSize:         sb.FragSize(),
		BlocksCount:      sb.BlocksCount,
		InodesCount:      sb.InodesCount,
		ReservedBlocks:   sb.RBlocksCount,
		FirstDataBlock:   sb.FirstDataBlock,
		BlocksPerGroup:   sb.BlocksPerGroup,
		InodesPerGroup:   sb.InodesPerGroup,
		Groups:           sb.GroupCount(),
		InodeSize:        sb.InodeBytes(),
		FirstIno:         sb.FirstInode(),
		InodeTableBlocks: sb.InodeTableBlocks(),
	}
}

// GroupOfBlock returns the group containing absolute block bno.
func (g Geometry) GroupOfBlock(bno uint32) uint32 {
	return (bno - g.FirstDataBlock) / g.BlocksPerGroup
}

// GroupBase returns the first block of group cg.
func (g Geometry) GroupBase(cg uint32) uint32 {
	return g.FirstDataBlock + cg*g.BlocksPerGroup
}

// BlocksInGroup returns the number of real blocks in group cg.
func (g Geometry) BlocksInGroup(cg uint32) uint32 {
	if cg+1 < g.Groups {
		return g.BlocksPerGroup
	}
	return g.BlocksCount - g.GroupBase(cg)
}

// ValidBlock reports whether bno addresses a data-area block.
func (g Geometry) ValidBlock(bno uint32) bool {
	return bno >= g.FirstDataBlock && bno < g.BlocksCount
}

// GroupOfInode returns the group holding inode ino (1-based).
func (g Geometry) GroupOfInode(ino uint32) uint32 {
	return (ino - 1) / g.InodesPerGroup
}

// ValidInode reports whether ino is a possible inode number.
func (g Geometry) ValidInode(ino uint32) bool {
	return ino >= 1 && ino <= g.InodesCount
}

type poison struct{ err error }

// FS is a mounted ext2 filesystem.
type FS struct {
	mu sync.Mutex

	vol    Volume
	cache  *Cache
	log    *zap.Logger
	opts   Options
	geo    Geometry
	layout format.Superblock // immutable copy used for geometry and features

	// guarded by mu
	sb        format.Superblock
	sbRaw     []byte
	groups    []format.GroupDesc
	gdtRaw    []byte
	totalDirs uint32
	metaDirty bool
	stop      chan struct{}
	done      chan struct{}

	readOnly bool
	gdtCsum  bool
	poisoned atomic.Pointer[poison]
	closed   atomic.Bool
	syncMu   sync.Mutex
}

// Mount decodes the superblock and group descriptor table from vol.
//
// The free-block, free-inode and directory totals are recomputed from the
// group descriptors. A writable mount clears the superblock's clean flag
// until Close.
func Mount(ctx context.Context, vol Volume, opts Options) (*FS, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	sbRaw := make([]byte, format.SuperblockSize)
	if err := readFull(vol, sbRaw, format.SuperblockOffset); err != nil {
		return nil, fmt.Errorf("ext2: mount: %w", ioError("read", 1, err))
	}
	sb, err := format.ParseSuperblock(sbRaw)
	if err != nil {
		return nil, fmt.Errorf("ext2: mount: %w", err)
	}
	if err := sb.Validate(); err != nil {
		return nil, fmt.Errorf("ext2: mount: %w", err)
	}

	readOnly := opts.ReadOnly
	if f := sb.FeatureROCompat &^ format.SupportedROCompat; f != 0 && !readOnly {
		log.Warn("unknown ro-compat features, mounting read-only", zap.Uint32("features", f))
		readOnly = true
	}

	geo := newGeometry(&sb)
	if need := int64(geo.BlocksCount) * int64(geo.BlockSize); vol.Size() < need {
		return nil, fmt.Errorf("ext2: mount: volume has %d bytes, filesystem needs %d: %w",
			vol.Size(), need, format.ErrTruncated)
	}

	gdtStart := int64(geo.FirstDataBlock+1) * int64(geo.BlockSize)
	gdtRaw := make([]byte, int(sb.GDTBlocks())*geo.BlockSize)
	if err := readFull(vol, gdtRaw, gdtStart); err != nil {
		return nil, fmt.Errorf("ext2: mount: %w", ioError("read", geo.FirstDataBlock+1, err))
	}
	groups, err := format.ParseGroupTable(gdtRaw, geo.Groups)
	if err != nil {
		return nil, fmt.Errorf("ext2: mount: %w", err)
	}

	fs := &FS{
		vol:      vol,
		log:      log,
		opts:     opts,
		geo:      geo,
		layout:   sb,
		sb:       sb,
		sbRaw:    sbRaw,
		groups:   groups,
		gdtRaw:   gdtRaw,
		readOnly: readOnly,
		gdtCsum:  sb.HasROCompat(format.ROCompatGDTCsum),
	}
	if err := fs.checkGroups(); err != nil {
		return nil, fmt.Errorf("ext2: mount: %w", err)
	}

	var freeBlocks, freeInodes uint32
	for i := range groups {
		freeBlocks += uint32(groups[i].FreeBlocks)
		freeInodes += uint32(groups[i].FreeInodes)
		fs.totalDirs += uint32(groups[i].UsedDirs)
	}
	if freeBlocks != sb.FreeBlocksCount || freeInodes != sb.FreeInodesCount {
		log.Info("superblock free counts differ from group totals, using group totals",
			zap.Uint32("sb_free_blocks", sb.FreeBlocksCount),
			zap.Uint32("groups_free_blocks", freeBlocks),
			zap.Uint32("sb_free_inodes", sb.FreeInodesCount),
			zap.Uint32("groups_free_inodes", freeInodes))
	}
	fs.sb.FreeBlocksCount = freeBlocks
	fs.sb.FreeInodesCount = freeInodes

	if !readOnly {
		if fs.sb.State&format.StateValid == 0 {
			log.Warn("mounting filesystem that was not cleanly unmounted")
		}
		fs.sb.State &^= format.StateValid
		fs.sb.MntCount++
		fs.sb.Mtime = uint32(time.Now().Unix())
		fs.metaDirty = true
	}
	fs.cache = newCache(vol, geo.BlockSize, opts.CacheBlocks)

	log.Debug("mounted",
		zap.Uint32("groups", geo.Groups),
		zap.Int("block_size", geo.BlockSize),
		zap.Uint32("free_blocks", freeBlocks),
		zap.Uint32("free_inodes", freeInodes),
		zap.Bool("read_only", readOnly))
	return fs, nil
}

// checkGroups validates descriptor checksums and locations.
func (fs *FS) checkGroups() error {
	itb := fs.geo.InodeTableBlocks
	for cg := range fs.groups {
		gd := &fs.groups[cg]
		g := uint32(cg)
		if fs.gdtCsum {
			raw := fs.gdtRaw[cg*format.GroupDescSize:]
			if err := format.VerifyGroupChecksum(fs.sb.UUID, g, raw); err != nil {
				return Corruption(g, "descriptor", "%v", err)
			}
		}
		base, n := fs.geo.GroupBase(g), fs.geo.BlocksInGroup(g)
		inGroup := func(bno, count uint32) bool {
			return bno >= base && bno+count <= base+n
		}
		switch {
		case !inGroup(gd.BlockBitmap, 1):
			return Corruption(g, "descriptor", "block bitmap %d outside group", gd.BlockBitmap)
		case !inGroup(gd.InodeBitmap, 1):
			return Corruption(g, "descriptor", "inode bitmap %d outside group", gd.InodeBitmap)
		case !inGroup(gd.InodeTable, itb):
			return Corruption(g, "descriptor", "inode table %d+%d outside group", gd.InodeTable, itb)
		case uint32(gd.FreeBlocks) > n:
			return Corruption(g, "descriptor", "%d free blocks in a %d-block group", gd.FreeBlocks, n)
		case uint32(gd.FreeInodes) > fs.geo.InodesPerGroup:
			return Corruption(g, "descriptor", "%d free inodes in a %d-inode group",
				gd.FreeInodes, fs.geo.InodesPerGroup)
		}
	}
	return nil
}

// Lock acquires the filesystem mutex.
func (fs *FS) Lock() { fs.mu.Lock() }

// Unlock releases the filesystem mutex.
func (fs *FS) Unlock() { fs.mu.Unlock() }

// Geometry returns the filesystem shape. No lock is needed.
func (fs *FS) Geometry() Geometry { return fs.geo }

// Layout returns the superblock as read at mount time, for geometry and
// feature queries. Counters in it are stale; use the locked accessors.
func (fs *FS) Layout() *format.Superblock { return &fs.layout }

// Cache returns the buffer cache.
func (fs *FS) Cache() *Cache { return fs.cache }

// Logger returns the diagnostic logger.
func (fs *FS) Logger() *zap.Logger { return fs.log }

// ReadOnly reports whether mutations are rejected.
func (fs *FS) ReadOnly() bool { return fs.readOnly }

// HasGDTCsum reports whether lazy group initialization is in effect.
func (fs *FS) HasGDTCsum() bool { return fs.gdtCsum }

// Group returns the descriptor of group cg. The caller must hold the lock and
// must report changes to fields without a dedicated accessor via MarkDirty.
func (fs *FS) Group(cg uint32) *format.GroupDesc { return &fs.groups[cg] }

// Superblock returns a copy of the live superblock. The caller must hold the lock.
func (fs *FS) Superblock() format.Superblock { return fs.sb }

// FreeBlocks returns the filesystem free block count. The caller must hold the lock.
func (fs *FS) FreeBlocks() uint32 { return fs.sb.FreeBlocksCount }

// FreeInodes returns the filesystem free inode count. The caller must hold the lock.
func (fs *FS) FreeInodes() uint32 { return fs.sb.FreeInodesCount }

// TotalDirs returns the number of directories. The caller must hold the lock.
func (fs *FS) TotalDirs() uint32 { return fs.totalDirs }

// AddFreeBlocks adjusts the free block count of group cg and of the
// filesystem by delta. The caller must hold the lock.
func (fs *FS) AddFreeBlocks(cg uint32, delta int) {
	gd := &fs.groups[cg]
	gd.FreeBlocks = uint16(int(gd.FreeBlocks) + delta)
	fs.sb.FreeBlocksCount = uint32(int64(fs.sb.FreeBlocksCount) + int64(delta))
	fs.metaDirty = true
}

// AddFreeInodes adjusts the free inode count of group cg and of the
// filesystem by delta. The caller must hold the lock.
func (fs *FS) AddFreeInodes(cg uint32, delta int) {
	gd := &fs.groups[cg]
	gd.FreeInodes = uint16(int(gd.FreeInodes) + delta)
	fs.sb.FreeInodesCount = uint32(int64(fs.sb.FreeInodesCount) + int64(delta))
	fs.metaDirty = true
}

// AddDirs adjusts the directory count of group cg and the filesystem total.
// The caller must hold the lock.
func (fs *FS) AddDirs(cg uint32, delta int) {
	gd := &fs.groups[cg]
	gd.UsedDirs = uint16(int(gd.UsedDirs) + delta)
	fs.totalDirs = uint32(int64(fs.totalDirs) + int64(delta))
	fs.metaDirty = true
}

// MarkDirty schedules the superblock and descriptor table for write-back.
// The caller must hold the lock.
func (fs *FS) MarkDirty() { fs.metaDirty = true }

// Poison records a corruption. Every later mutation fails with ErrPoisoned.
// Safe to call with or without the lock held. It returns cause.
func (fs *FS) Poison(cause error) error {
	if fs.poisoned.CompareAndSwap(nil, &poison{err: cause}) {
		fs.log.Error("filesystem poisoned, rejecting further updates", zap.Error(cause))
	}
	return cause
}

// Err returns nil if the filesystem accepts mutations, and otherwise the
// reason it does not.
func (fs *FS) Err() error {
	if p := fs.poisoned.Load(); p != nil {
		return fmt.Errorf("%w: %w", ErrPoisoned, p.err)
	}
	if fs.closed.Load() {
		return ErrClosed
	}
	if fs.readOnly {
		return ErrReadOnly
	}
	return nil
}
