package alloc

import (
	"bytes"
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/ext2kit/ext2"
	"github.com/joshuapare/ext2kit/internal/format"
	"github.com/joshuapare/ext2kit/internal/testutil"
)

const (
	modeReg = format.ModeReg | 0o644
	modeDir = format.ModeDir | 0o755
)

func TestAllocInode_SkipsReserved(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), Options{})
	ctx := context.Background()

	ino, err := a.AllocInode(ctx, format.RootIno, modeReg)
	require.NoError(t, err)
	require.Equal(t, uint32(11), ino)

	ino, err = a.AllocInode(ctx, format.RootIno, modeReg)
	require.NoError(t, err)
	require.Equal(t, uint32(12), ino)
	checkCounters(t, a)
}

func TestAllocInode_FileStaysWithParent(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), Options{})
	ino, err := a.AllocInode(context.Background(), 6*32+7, modeReg)
	require.NoError(t, err)
	require.Equal(t, uint32(6*32+1), ino)
}

func TestAllocInode_DirectoryCounts(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), Options{Rand: rand.New(rand.NewPCG(1, 2))})
	ino, err := a.AllocInode(context.Background(), format.RootIno, modeDir)
	require.NoError(t, err)
	cg := a.geo.GroupOfInode(ino)

	a.fs.Lock()
	require.Equal(t, uint16(1), a.fs.Group(cg).UsedDirs)
	require.Equal(t, uint32(2), a.fs.TotalDirs())
	a.fs.Unlock()

	require.NoError(t, a.FreeInode(context.Background(), ino, modeDir))
	a.fs.Lock()
	require.Zero(t, a.fs.Group(cg).UsedDirs)
	require.Equal(t, uint32(1), a.fs.TotalDirs())
	a.fs.Unlock()
	checkCounters(t, a)
}

func TestAllocInode_Exhaustion(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), Options{})
	ctx := context.Background()

	seen := make(map[uint32]bool)
	for i := 0; i < 310; i++ {
		ino, err := a.AllocInode(ctx, uint32(1+i%320), modeReg)
		require.NoError(t, err)
		require.False(t, seen[ino], "inode %d handed out twice", ino)
		require.GreaterOrEqual(t, ino, a.geo.FirstIno)
		seen[ino] = true
	}
	_, err := a.AllocInode(ctx, format.RootIno, modeReg)
	require.ErrorIs(t, err, ErrNoInodes)
	require.ErrorIs(t, err, ErrNoSpace)
	checkCounters(t, a)
}

func TestAllocInode_RejectsBadParent(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), Options{})
	_, err := a.AllocInode(context.Background(), 0, modeReg)
	require.ErrorIs(t, err, ErrBadInode)
	_, err = a.AllocInode(context.Background(), 321, modeReg)
	require.ErrorIs(t, err, ErrBadInode)
}

func TestFreeInode_Validation(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), Options{})
	ctx := context.Background()
	require.ErrorIs(t, a.FreeInode(ctx, 0, modeReg), ErrBadInode)
	require.ErrorIs(t, a.FreeInode(ctx, format.RootIno, modeDir), ErrBadInode)
	require.ErrorIs(t, a.FreeInode(ctx, 10, modeReg), ErrBadInode)
	require.ErrorIs(t, a.FreeInode(ctx, 321, modeReg), ErrBadInode)
	require.NoError(t, a.fs.Err())
}

func TestFreeInode_DoubleFreePoisons(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), Options{})
	ctx := context.Background()

	ino, err := a.AllocInode(ctx, format.RootIno, modeReg)
	require.NoError(t, err)
	require.NoError(t, a.FreeInode(ctx, ino, modeReg))

	err = a.FreeInode(ctx, ino, modeReg)
	require.ErrorIs(t, err, ext2.ErrCorrupt)
	require.ErrorIs(t, a.fs.Err(), ext2.ErrPoisoned)

	_, err = a.AllocInode(ctx, format.RootIno, modeReg)
	require.ErrorIs(t, err, ext2.ErrPoisoned)
}

func TestAllocInode_LazyGroupZeroesTable(t *testing.T) {
	vol := testutil.NewVolume(t, testutil.LazyParams())
	fs := testutil.Mount(t, vol, ext2.Options{})
	a := newAllocatorOn(t, fs, Options{})
	ctx := context.Background()
	bsize := a.geo.BlockSize

	fs.Lock()
	gd := fs.Group(5)
	table := gd.InodeTable
	require.True(t, gd.HasFlag(format.BGInodeUninit))
	require.False(t, gd.HasFlag(format.BGInodeZeroed))
	require.Equal(t, uint16(32), gd.ItableUnused)
	fs.Unlock()

	size := int(a.geo.InodeTableBlocks) * bsize
	junk := bytes.Repeat([]byte{0xA5}, size)
	_, err := vol.WriteAt(junk, int64(table)*int64(bsize))
	require.NoError(t, err)

	ino, err := a.AllocInode(ctx, 5*32+9, modeReg)
	require.NoError(t, err)
	require.Equal(t, uint32(5*32+1), ino)

	got := make([]byte, size)
	_, err = vol.ReadAt(got, int64(table)*int64(bsize))
	require.NoError(t, err)
	require.Equal(t, make([]byte, size), got)

	fs.Lock()
	gd = fs.Group(5)
	require.False(t, gd.HasFlag(format.BGInodeUninit))
	require.True(t, gd.HasFlag(format.BGInodeZeroed))
	require.Equal(t, uint16(31), gd.ItableUnused)
	require.Equal(t, uint16(31), gd.FreeInodes)
	fs.Unlock()

	// A second allocation must not zero the table again.
	_, err = vol.WriteAt([]byte{0x5A}, int64(table)*int64(bsize))
	require.NoError(t, err)
	_, err = a.AllocInode(ctx, 5*32+9, modeReg)
	require.NoError(t, err)
	one := make([]byte, 1)
	_, err = vol.ReadAt(one, int64(table)*int64(bsize))
	require.NoError(t, err)
	require.Equal(t, byte(0x5A), one[0])

	checkCounters(t, a)
}

func TestAllocInode_LazyGroupZeroTracksUnused(t *testing.T) {
	a := newTestAllocator(t, testutil.LazyParams(), Options{})

	a.fs.Lock()
	require.True(t, a.fs.Group(0).HasFlag(format.BGInodeZeroed))
	require.Equal(t, uint16(22), a.fs.Group(0).ItableUnused)
	a.fs.Unlock()

	ino, err := a.AllocInode(context.Background(), format.RootIno, modeReg)
	require.NoError(t, err)
	require.Equal(t, uint32(11), ino)

	a.fs.Lock()
	require.Equal(t, uint16(21), a.fs.Group(0).ItableUnused)
	a.fs.Unlock()
}

func TestAllocInode_ZeroingWriteFailure(t *testing.T) {
	p := testutil.LazyParams()
	fv := testutil.NewFaultVolume(testutil.NewVolume(t, p), p.BlockSize)
	fs := testutil.Mount(t, fv, ext2.Options{})
	a := newAllocatorOn(t, fs, Options{})

	fv.FailWrites(true)
	_, err := a.AllocInode(context.Background(), 5*32+1, modeReg)
	require.ErrorIs(t, err, ext2.ErrIO)
	fv.FailWrites(false)

	fs.Lock()
	require.False(t, fs.Group(5).HasFlag(format.BGInodeZeroed))
	require.Equal(t, uint16(32), fs.Group(5).FreeInodes)
	fs.Unlock()
}
