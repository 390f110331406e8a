package alloc

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/joshuapare/ext2kit/ext2"
	"github.com/joshuapare/ext2kit/ext2/bitmap"
	"github.com/joshuapare/ext2kit/ext2/builder"
	"github.com/joshuapare/ext2kit/internal/format"
	"github.com/joshuapare/ext2kit/internal/testutil"
)

// newTestAllocator formats and mounts p and builds an allocator over it.
func newTestAllocator(t *testing.T, p builder.Params, opts Options) *Allocator {
	t.Helper()
	fs, _ := testutil.NewFS(t, p)
	return newAllocatorOn(t, fs, opts)
}

func newAllocatorOn(t *testing.T, fs *ext2.FS, opts Options) *Allocator {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t, zaptest.Level(zapcore.ErrorLevel))
	}
	a, err := New(context.Background(), fs, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func summaryOpts() Options {
	return Options{MaxContig: DefaultMaxContig, ReallocBlocks: true}
}

// blockBitmap returns a copy of group cg's block bitmap as the allocator
// would see it.
func blockBitmap(t *testing.T, a *Allocator, cg uint32) bitmap.Bitmap {
	t.Helper()
	fs := a.fs
	fs.Lock()
	gd := *fs.Group(cg)
	fs.Unlock()
	out := make([]byte, a.geo.BlockSize)
	if fs.HasGDTCsum() && gd.HasFlag(format.BGBlockUninit) {
		require.NoError(t, fs.SynthesizeBlockBitmap(cg, &gd, out))
		return out
	}
	bp, err := fs.Cache().Bread(context.Background(), gd.BlockBitmap)
	require.NoError(t, err)
	copy(out, bp.Data)
	bp.Brelse()
	return out
}

// inodeBitmap returns a copy of group cg's inode bitmap.
func inodeBitmap(t *testing.T, a *Allocator, cg uint32) bitmap.Bitmap {
	t.Helper()
	fs := a.fs
	fs.Lock()
	gd := *fs.Group(cg)
	fs.Unlock()
	out := make([]byte, a.geo.BlockSize)
	if fs.HasGDTCsum() && gd.HasFlag(format.BGInodeUninit) {
		ext2.SynthesizeInodeBitmap(fs.Layout(), out)
		return out
	}
	bp, err := fs.Cache().Bread(context.Background(), gd.InodeBitmap)
	require.NoError(t, err)
	copy(out, bp.Data)
	bp.Brelse()
	return out
}

// checkCounters asserts that every group's free counts match its bitmaps,
// that the totals match the groups, and that the run summaries match a
// fresh count.
func checkCounters(t *testing.T, a *Allocator) {
	t.Helper()
	fs := a.fs
	var freeBlocks, freeInodes, dirs uint32
	for cg := uint32(0); cg < a.geo.Groups; cg++ {
		bbm := blockBitmap(t, a, cg)
		ibm := inodeBitmap(t, a, cg)

		fs.Lock()
		gd := *fs.Group(cg)
		var sum []int32
		var maxc int32
		if a.maxContig > 0 {
			sum = append([]int32(nil), a.sums[cg]...)
			maxc = a.maxCluster[cg]
		}
		fs.Unlock()

		require.Equal(t, int(gd.FreeBlocks), bbm.CountClear(int(a.geo.BlocksInGroup(cg))),
			"group %d free blocks", cg)
		require.Equal(t, int(gd.FreeInodes), ibm.CountClear(int(a.geo.InodesPerGroup)),
			"group %d free inodes", cg)
		if a.maxContig > 0 {
			want := make([]int32, a.maxContig+1)
			wantMax := summarize(bbm, int(a.geo.BlocksInGroup(cg)), want)
			require.Equal(t, want, sum, "group %d run summary", cg)
			require.LessOrEqual(t, maxc, wantMax, "group %d cached max overstates", cg)
		}
		freeBlocks += uint32(gd.FreeBlocks)
		freeInodes += uint32(gd.FreeInodes)
		dirs += uint32(gd.UsedDirs)
	}
	fs.Lock()
	defer fs.Unlock()
	require.Equal(t, freeBlocks, fs.FreeBlocks())
	require.Equal(t, freeInodes, fs.FreeInodes())
	require.Equal(t, dirs, fs.TotalDirs())
}

// snapshot captures every bitmap and counter for round-trip comparisons.
type snapshot struct {
	bitmaps    [][]byte
	freeBlocks uint32
	freeInodes uint32
	groups     []format.GroupDesc
}

func takeSnapshot(t *testing.T, a *Allocator) snapshot {
	t.Helper()
	var s snapshot
	for cg := uint32(0); cg < a.geo.Groups; cg++ {
		s.bitmaps = append(s.bitmaps, blockBitmap(t, a, cg), inodeBitmap(t, a, cg))
	}
	a.fs.Lock()
	defer a.fs.Unlock()
	s.freeBlocks = a.fs.FreeBlocks()
	s.freeInodes = a.fs.FreeInodes()
	for cg := uint32(0); cg < a.geo.Groups; cg++ {
		s.groups = append(s.groups, *a.fs.Group(cg))
	}
	return s
}

func (s snapshot) equal(o snapshot) bool {
	if s.freeBlocks != o.freeBlocks || s.freeInodes != o.freeInodes || len(s.bitmaps) != len(o.bitmaps) {
		return false
	}
	for i := range s.bitmaps {
		if !bytes.Equal(s.bitmaps[i], o.bitmaps[i]) {
			return false
		}
	}
	for i := range s.groups {
		if s.groups[i].FreeBlocks != o.groups[i].FreeBlocks ||
			s.groups[i].FreeInodes != o.groups[i].FreeInodes ||
			s.groups[i].UsedDirs != o.groups[i].UsedDirs {
			return false
		}
	}
	return true
}

// isMetaBlock reports whether bno is metadata, for assertions.
func isMetaBlock(a *Allocator, bno uint32) bool {
	a.fs.Lock()
	defer a.fs.Unlock()
	return a.isMeta(bno)
}
