package verify

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/ext2kit/ext2"
	"github.com/joshuapare/ext2kit/ext2/bitmap"
	"github.com/joshuapare/ext2kit/internal/format"
)

// Check types reported in ValidationError.Type.
const (
	TypeBlockCount     = "BlockCount"
	TypeBlockPadding   = "BlockPadding"
	TypeMetadata       = "Metadata"
	TypeInodeCount     = "InodeCount"
	TypeInodePadding   = "InodePadding"
	TypeReservedInodes = "ReservedInodes"
	TypeUninitGroup    = "UninitGroup"
	TypeTotals         = "Totals"
)

// ValidationError describes one violated invariant.
type ValidationError struct {
	Type    string
	Group   int // -1 when the check is not tied to a group
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string {
	if e.Group >= 0 {
		return fmt.Sprintf("%s in group %d: %s", e.Type, e.Group, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// AllInvariants checks every group of fs and the filesystem totals.
// It returns the first violation by group order, or nil.
func AllInvariants(ctx context.Context, fs *ext2.FS) error {
	issues, err := Check(ctx, fs)
	if err != nil {
		return err
	}
	if len(issues) > 0 {
		return issues[0]
	}
	return nil
}

// Check runs every check and returns all violations, ordered by group with
// filesystem-wide ones last. The error is non-nil only when a bitmap could
// not be read.
//
// Groups are checked in parallel. Bitmaps are read through the cache, so
// delayed writes not yet flushed are included.
func Check(ctx context.Context, fs *ext2.FS) ([]*ValidationError, error) {
	geo := fs.Geometry()

	var (
		mu     sync.Mutex
		issues []*ValidationError
	)
	report := func(found []*ValidationError) {
		if len(found) == 0 {
			return
		}
		mu.Lock()
		issues = append(issues, found...)
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for cg := uint32(0); cg < geo.Groups; cg++ {
		g.Go(func() error {
			found, err := Group(ctx, fs, cg)
			if err != nil {
				return err
			}
			report(found)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(issues, func(a, b *ValidationError) int {
		return cmp.Compare(a.Group, b.Group)
	})
	issues = append(issues, Totals(fs)...)
	return issues, nil
}

// snapshot holds one group's bitmaps and descriptor, read consistently.
type snapshot struct {
	gd        format.GroupDesc
	blocks    bitmap.Bitmap
	inodes    bitmap.Bitmap
	blkUninit bool
	inoUninit bool
}

// readGroup reads both bitmaps of cg and copies its descriptor while holding
// them, so counters and bits agree unless the filesystem is inconsistent.
func readGroup(ctx context.Context, fs *ext2.FS, cg uint32, gd *format.GroupDesc) (*snapshot, error) {
	cache := fs.Cache()
	bb, err := cache.Bread(ctx, gd.BlockBitmap)
	if err != nil {
		return nil, fmt.Errorf("verify: group %d block bitmap: %w", cg, err)
	}
	defer bb.Brelse()
	ib, err := cache.Bread(ctx, gd.InodeBitmap)
	if err != nil {
		return nil, fmt.Errorf("verify: group %d inode bitmap: %w", cg, err)
	}
	defer ib.Brelse()

	s := &snapshot{}
	fs.Lock()
	s.gd = *fs.Group(cg)
	fs.Unlock()

	bsize := fs.Geometry().BlockSize
	s.blocks = make([]byte, bsize)
	s.inodes = make([]byte, bsize)
	lazy := fs.HasGDTCsum()
	s.blkUninit = lazy && s.gd.HasFlag(format.BGBlockUninit)
	s.inoUninit = lazy && s.gd.HasFlag(format.BGInodeUninit)

	if s.blkUninit {
		if err := fs.SynthesizeBlockBitmap(cg, &s.gd, s.blocks); err != nil {
			return nil, fmt.Errorf("verify: group %d: %w", cg, err)
		}
	} else {
		copy(s.blocks, bb.Data)
	}
	if s.inoUninit {
		ext2.SynthesizeInodeBitmap(fs.Layout(), s.inodes)
	} else {
		copy(s.inodes, ib.Data)
	}
	return s, nil
}

// Group checks the counters, padding and metadata bits of group cg.
func Group(ctx context.Context, fs *ext2.FS, cg uint32) ([]*ValidationError, error) {
	fs.Lock()
	gd := *fs.Group(cg)
	fs.Unlock()
	if gd.BlockBitmap == gd.InodeBitmap {
		return []*ValidationError{{
			Type:    TypeMetadata,
			Group:   int(cg),
			Message: fmt.Sprintf("block and inode bitmaps share block %d", gd.BlockBitmap),
			Details: map[string]any{"block": gd.BlockBitmap},
		}}, nil
	}

	s, err := readGroup(ctx, fs, cg, &gd)
	if err != nil {
		return nil, err
	}
	geo := fs.Geometry()
	group := int(cg)
	var out []*ValidationError

	nblocks := int(geo.BlocksInGroup(cg))
	if free := s.blocks.CountClear(nblocks); free != int(s.gd.FreeBlocks) {
		out = append(out, &ValidationError{
			Type:    TypeBlockCount,
			Group:   group,
			Message: fmt.Sprintf("descriptor counts %d free blocks, bitmap has %d", s.gd.FreeBlocks, free),
			Details: map[string]any{"descriptor": int(s.gd.FreeBlocks), "bitmap": free},
		})
	}
	if bit, ok := firstClear(s.blocks, nblocks, s.blocks.Bits()); ok {
		out = append(out, &ValidationError{
			Type:    TypeBlockPadding,
			Group:   group,
			Message: fmt.Sprintf("padding bit %d past block %d is clear", bit, nblocks),
			Details: map[string]any{"bit": bit},
		})
	}
	if bno, ok := unmarkedMeta(fs, cg, &s.gd, s.blocks); ok {
		out = append(out, &ValidationError{
			Type:    TypeMetadata,
			Group:   group,
			Message: fmt.Sprintf("metadata block %d is marked free", bno),
			Details: map[string]any{"block": bno},
		})
	}

	ipg := int(geo.InodesPerGroup)
	if free := s.inodes.CountClear(ipg); free != int(s.gd.FreeInodes) {
		out = append(out, &ValidationError{
			Type:    TypeInodeCount,
			Group:   group,
			Message: fmt.Sprintf("descriptor counts %d free inodes, bitmap has %d", s.gd.FreeInodes, free),
			Details: map[string]any{"descriptor": int(s.gd.FreeInodes), "bitmap": free},
		})
	}
	if bit, ok := firstClear(s.inodes, ipg, s.inodes.Bits()); ok {
		out = append(out, &ValidationError{
			Type:    TypeInodePadding,
			Group:   group,
			Message: fmt.Sprintf("padding bit %d past inode %d is clear", bit, ipg),
			Details: map[string]any{"bit": bit},
		})
	}
	if cg == 0 {
		for ino := uint32(1); ino < geo.FirstIno; ino++ {
			if s.inodes.IsClear(int(ino - 1)) {
				out = append(out, &ValidationError{
					Type:    TypeReservedInodes,
					Group:   group,
					Message: fmt.Sprintf("reserved inode %d is marked free", ino),
					Details: map[string]any{"ino": ino},
				})
				break
			}
		}
	}
	if s.inoUninit && (s.gd.FreeInodes != uint16(ipg) || s.gd.UsedDirs != 0) {
		out = append(out, &ValidationError{
			Type:    TypeUninitGroup,
			Group:   group,
			Message: fmt.Sprintf("uninitialized inode bitmap with %d free inodes and %d directories", s.gd.FreeInodes, s.gd.UsedDirs),
		})
	}
	return out, nil
}

// Totals checks the filesystem-wide counters against the group sums.
func Totals(fs *ext2.FS) []*ValidationError {
	fs.Lock()
	defer fs.Unlock()
	geo := fs.Geometry()

	var blocks, inodes, dirs uint64
	for cg := uint32(0); cg < geo.Groups; cg++ {
		gd := fs.Group(cg)
		blocks += uint64(gd.FreeBlocks)
		inodes += uint64(gd.FreeInodes)
		dirs += uint64(gd.UsedDirs)
	}

	var out []*ValidationError
	check := func(what string, have uint32, sum uint64) {
		if uint64(have) == sum {
			return
		}
		out = append(out, &ValidationError{
			Type:    TypeTotals,
			Group:   -1,
			Message: fmt.Sprintf("%s: total %d, groups sum to %d", what, have, sum),
			Details: map[string]any{"counter": what, "total": have, "sum": sum},
		})
	}
	check("free blocks", fs.FreeBlocks(), blocks)
	check("free inodes", fs.FreeInodes(), inodes)
	check("directories", fs.TotalDirs(), dirs)
	return out
}

func firstClear(b bitmap.Bitmap, from, to int) (int, bool) {
	for i := from; i < to; i++ {
		if b.IsClear(i) {
			return i, true
		}
	}
	return 0, false
}

// unmarkedMeta returns the first metadata block of cg whose bit is clear.
func unmarkedMeta(fs *ext2.FS, cg uint32, gd *format.GroupDesc, bm bitmap.Bitmap) (uint32, bool) {
	geo := fs.Geometry()
	base := geo.GroupBase(cg)
	n := geo.BlocksInGroup(cg)
	isClear := func(bno uint32) bool {
		return bno >= base && bno-base < n && bm.IsClear(int(bno-base))
	}
	for i := uint32(0); i < fs.Layout().BaseMetaBlocks(cg); i++ {
		if isClear(base + i) {
			return base + i, true
		}
	}
	if isClear(gd.BlockBitmap) {
		return gd.BlockBitmap, true
	}
	if isClear(gd.InodeBitmap) {
		return gd.InodeBitmap, true
	}
	for i := uint32(0); i < geo.InodeTableBlocks; i++ {
		if isClear(gd.InodeTable + i) {
			return gd.InodeTable + i, true
		}
	}
	return 0, false
}

// IsValidationError reports whether err carries a ValidationError of type typ.
// An empty typ matches any type.
func IsValidationError(err error, typ string) bool {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	return typ == "" || ve.Type == typ
}
