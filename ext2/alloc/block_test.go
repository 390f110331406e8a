package alloc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/ext2kit/ext2"
	"github.com/joshuapare/ext2kit/ext2/bitmap"
	"github.com/joshuapare/ext2kit/internal/format"
	"github.com/joshuapare/ext2kit/internal/testutil"
)

var root = Cred{Privileged: true}

func TestAllocBlock_FirstFitAndHint(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), Options{})
	ctx := context.Background()
	ip := &Inode{Ino: 12, Mode: format.ModeReg}

	// Group 0 starts at block 1; blocks 1..8 are metadata.
	b0, err := a.AllocBlock(ctx, ip, 0, a.BlockPref(ip, 0, 0, nil, 0), Cred{})
	require.NoError(t, err)
	require.Equal(t, uint32(9), b0)
	require.Equal(t, uint64(2), ip.Blocks)
	require.Equal(t, uint32(1), ip.NextAllocBlock)
	require.Equal(t, uint32(10), ip.NextAllocGoal)

	b1, err := a.AllocBlock(ctx, ip, 1, a.BlockPref(ip, 1, 1, []uint32{b0}, 0), Cred{})
	require.NoError(t, err)
	require.Equal(t, uint32(10), b1)

	// A taken preference skips ahead to the next wholly free byte.
	other := &Inode{Ino: 13, Mode: format.ModeReg}
	b2, err := a.AllocBlock(ctx, other, 0, 9, Cred{})
	require.NoError(t, err)
	require.Equal(t, uint32(17), b2)

	checkCounters(t, a)
}

func TestAllocBlock_FallsBackToSingleBit(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), Options{})
	ctx := context.Background()
	ip := &Inode{Ino: 12}

	// Take every block of group 4 (base 1025, six metadata blocks), then
	// free one in the middle of a byte.
	base := a.geo.GroupBase(4)
	for {
		b, err := a.blocks.AllocInGroup(ctx, 4, base, 0)
		require.NoError(t, err)
		if b == 0 {
			break
		}
	}
	require.NoError(t, a.FreeBlock(ctx, nil, base+100))

	b, err := a.AllocBlock(ctx, ip, 0, base, root)
	require.NoError(t, err)
	require.Equal(t, base+100, b)
	checkCounters(t, a)
}

func TestAllocBlock_InvalidPreferenceUsesInodeGroup(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), Options{})
	ip := &Inode{Ino: 3*32 + 5} // group 3

	b, err := a.AllocBlock(context.Background(), ip, 0, 999999, Cred{})
	require.NoError(t, err)
	require.Equal(t, uint32(3), a.geo.GroupOfBlock(b))
}

func TestAllocBlock_RejectsBadInode(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), Options{})
	_, err := a.AllocBlock(context.Background(), nil, 0, 0, root)
	require.ErrorIs(t, err, ErrBadInode)
	_, err = a.AllocBlock(context.Background(), &Inode{Ino: 0}, 0, 0, root)
	require.ErrorIs(t, err, ErrBadInode)
	_, err = a.AllocBlock(context.Background(), &Inode{Ino: 321}, 0, 0, root)
	require.ErrorIs(t, err, ErrBadInode)
}

func TestAllocBlock_ExhaustsWithoutDuplicates(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), summaryOpts())
	ctx := context.Background()
	ip := &Inode{Ino: 12}

	a.fs.Lock()
	free := a.fs.FreeBlocks()
	a.fs.Unlock()
	require.Equal(t, uint32(2488), free)

	seen := make(map[uint32]bool, free)
	var pref uint32
	for i := uint32(0); i < free; i++ {
		b, err := a.AllocBlock(ctx, ip, i, pref, root)
		require.NoError(t, err)
		require.True(t, a.geo.ValidBlock(b))
		require.False(t, seen[b], "block %d handed out twice", b)
		require.False(t, isMetaBlock(a, b), "metadata block %d handed out", b)
		seen[b] = true
		pref = ip.NextAllocGoal
	}

	_, err := a.AllocBlock(ctx, ip, free, 0, root)
	require.ErrorIs(t, err, ErrNoSpace)
	a.fs.Lock()
	require.Zero(t, a.fs.FreeBlocks())
	a.fs.Unlock()
	checkCounters(t, a)
}

func TestAllocBlock_ReservedPool(t *testing.T) {
	p := testutil.SmallParams()
	p.ReservedPercent = 50
	a := newTestAllocator(t, p, Options{})
	ctx := context.Background()
	ip := &Inode{Ino: 12}

	reserved := a.geo.ReservedBlocks
	require.Equal(t, uint32(1280), reserved)

	n := 0
	for {
		_, err := a.AllocBlock(ctx, ip, uint32(n), ip.NextAllocGoal, Cred{})
		if err != nil {
			require.ErrorIs(t, err, ErrNoSpace)
			break
		}
		n++
	}
	require.Equal(t, 2488-int(reserved), n)

	a.fs.Lock()
	require.Equal(t, reserved, a.fs.FreeBlocks())
	a.fs.Unlock()

	_, err := a.AllocBlock(ctx, ip, uint32(n), 0, root)
	require.NoError(t, err)
	checkCounters(t, a)
}

func TestAllocBlock_FreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), summaryOpts())
	ctx := context.Background()
	ip := &Inode{Ino: 40}

	before := takeSnapshot(t, a)
	var got []uint32
	for i := uint32(0); i < 20; i++ {
		b, err := a.AllocBlock(ctx, ip, i, ip.NextAllocGoal, Cred{})
		require.NoError(t, err)
		got = append(got, b)
	}
	require.False(t, before.equal(takeSnapshot(t, a)))
	for _, b := range got {
		require.NoError(t, a.FreeBlock(ctx, ip, b))
	}
	require.Zero(t, ip.Blocks)
	require.True(t, before.equal(takeSnapshot(t, a)))
	checkCounters(t, a)
}

func TestAllocBlock_LazyGroupInitializedOnce(t *testing.T) {
	a := newTestAllocator(t, testutil.LazyParams(), summaryOpts())
	ctx := context.Background()
	ip := &Inode{Ino: 5*32 + 1}
	base := a.geo.GroupBase(5)

	a.fs.Lock()
	require.True(t, a.fs.Group(5).HasFlag(format.BGBlockUninit))
	a.fs.Unlock()

	b, err := a.AllocBlock(ctx, ip, 0, base, Cred{})
	require.NoError(t, err)
	require.Equal(t, base+8, b)

	a.fs.Lock()
	gd := *a.fs.Group(5)
	a.fs.Unlock()
	require.False(t, gd.HasFlag(format.BGBlockUninit))
	require.Equal(t, uint16(247), gd.FreeBlocks)

	b2, err := a.AllocBlock(ctx, ip, 1, base, Cred{})
	require.NoError(t, err)
	require.NotEqual(t, b, b2)

	bm := blockBitmap(t, a, 5)
	require.True(t, bm.IsSet(int(b-base)), "first allocation lost to a second lazy init")
	require.True(t, bm.IsSet(int(b2-base)))
	checkCounters(t, a)
}

func TestAllocBlock_LazyGroupBitmapFlushedInBackground(t *testing.T) {
	vol := testutil.NewVolume(t, testutil.LazyParams())
	fs := testutil.Mount(t, vol, ext2.Options{})
	a := newAllocatorOn(t, fs, Options{})
	// Only a kick can wake the flusher within the test.
	fs.StartSyncer(time.Hour)

	fs.Lock()
	loc := fs.Group(5).BlockBitmap
	fs.Unlock()
	base := a.geo.GroupBase(5)
	bsize := a.geo.BlockSize

	b, err := a.AllocBlock(context.Background(), &Inode{Ino: 5*32 + 1}, 0, base, Cred{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		raw := vol.Bytes()[int(loc)*bsize : int(loc+1)*bsize]
		return bitmap.Bitmap(raw).IsSet(int(b - base))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInitBlockBitmap_Idempotent(t *testing.T) {
	a := newTestAllocator(t, testutil.LazyParams(), Options{})
	fs := a.fs

	fs.Lock()
	defer fs.Unlock()
	gd := fs.Group(7)
	first := make([]byte, a.geo.BlockSize)
	inited, err := a.initBlockBitmap(7, gd, first)
	require.NoError(t, err)
	require.True(t, inited)
	require.False(t, gd.HasFlag(format.BGBlockUninit))

	again := append([]byte(nil), first...)
	inited, err = a.initBlockBitmap(7, gd, again)
	require.NoError(t, err)
	require.False(t, inited)
	require.Equal(t, first, again)

	want := make([]byte, a.geo.BlockSize)
	require.NoError(t, ext2.SynthesizeBlockBitmap(fs.Layout(), 7, gd, want))
	require.Equal(t, want, first)
}

func TestAllocBlock_CorruptBitmapPoisons(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), Options{})
	ctx := context.Background()

	// Group 2's bitmap claims full while its descriptor still counts 250
	// free blocks.
	a.fs.Lock()
	loc := a.fs.Group(2).BlockBitmap
	a.fs.Unlock()
	bp, err := a.fs.Cache().Bread(ctx, loc)
	require.NoError(t, err)
	for i := range bp.Data {
		bp.Data[i] = 0xFF
	}
	bp.Bdwrite()

	ip := &Inode{Ino: 2*32 + 3}
	_, err = a.AllocBlock(ctx, ip, 0, a.geo.GroupBase(2), root)
	require.ErrorIs(t, err, ext2.ErrCorrupt)

	var ce *ext2.CorruptionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, uint32(2), ce.Group)

	require.ErrorIs(t, a.fs.Err(), ext2.ErrPoisoned)
	_, err = a.AllocBlock(ctx, &Inode{Ino: 12}, 0, 0, root)
	require.ErrorIs(t, err, ext2.ErrPoisoned)
	_, err = a.AllocInode(ctx, format.RootIno, format.ModeReg)
	require.ErrorIs(t, err, ext2.ErrPoisoned)
	require.ErrorIs(t, a.FreeBlock(ctx, nil, 100), ext2.ErrPoisoned)
}

func TestAllocBlock_ClosedAllocator(t *testing.T) {
	a := newTestAllocator(t, testutil.SmallParams(), Options{})
	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Close(), ErrClosed)
	_, err := a.AllocBlock(context.Background(), &Inode{Ino: 12}, 0, 0, root)
	require.ErrorIs(t, err, ErrClosed)
}
