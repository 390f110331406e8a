package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/ext2kit/ext2"
	"github.com/joshuapare/ext2kit/ext2/alloc"
	"github.com/joshuapare/ext2kit/ext2/bitmap"
	"github.com/joshuapare/ext2kit/ext2/builder"
	"github.com/joshuapare/ext2kit/internal/format"
	"github.com/joshuapare/ext2kit/internal/testutil"
)

func types(issues []*ValidationError) []string {
	var out []string
	for _, ve := range issues {
		out = append(out, ve.Type)
	}
	return out
}

// editBitmap applies fn to the cached bitmap block bno.
func editBitmap(t *testing.T, fs *ext2.FS, bno uint32, fn func(bitmap.Bitmap)) {
	t.Helper()
	bp, err := fs.Cache().Bread(context.Background(), bno)
	require.NoError(t, err)
	fn(bp.Data)
	bp.Bdwrite()
}

func TestAllInvariants_FreshFilesystems(t *testing.T) {
	for name, p := range map[string]func() builder.Params{
		"small": testutil.SmallParams,
		"lazy":  testutil.LazyParams,
	} {
		t.Run(name, func(t *testing.T) {
			fs, _ := testutil.NewFS(t, p())
			require.NoError(t, AllInvariants(context.Background(), fs))
		})
	}
}

func TestAllInvariants_AfterAllocation(t *testing.T) {
	fs, _ := testutil.NewFS(t, testutil.LazyParams())
	ctx := context.Background()
	a, err := alloc.New(ctx, fs, alloc.DefaultOptions())
	require.NoError(t, err)
	defer a.Close()

	for i := uint32(0); i < 10; i++ {
		dir, err := a.AllocInode(ctx, format.RootIno, format.ModeDir|0o755)
		require.NoError(t, err)
		ip := &alloc.Inode{Ino: dir}
		for lbn := uint32(0); lbn < 20; lbn++ {
			_, err := a.AllocBlock(ctx, ip, lbn, ip.NextAllocGoal, alloc.Cred{})
			require.NoError(t, err)
		}
		_, err = a.AllocInode(ctx, dir, format.ModeReg|0o644)
		require.NoError(t, err)
	}
	require.NoError(t, AllInvariants(ctx, fs))

	// Flushing does not change what the cache reports.
	require.NoError(t, fs.Sync(ctx))
	issues, err := Check(ctx, fs)
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestCheck_CounterMismatch(t *testing.T) {
	fs, _ := testutil.NewFS(t, testutil.SmallParams())
	fs.Lock()
	fs.Group(3).FreeBlocks--
	fs.Unlock()

	issues, err := Check(context.Background(), fs)
	require.NoError(t, err)
	require.Equal(t, []string{TypeBlockCount, TypeTotals}, types(issues))
	require.Equal(t, 3, issues[0].Group)
	require.Equal(t, 247, issues[0].Details["descriptor"])
	require.Equal(t, 248, issues[0].Details["bitmap"])
	require.Equal(t, -1, issues[1].Group)

	err = AllInvariants(context.Background(), fs)
	require.True(t, IsValidationError(err, TypeBlockCount))
	require.Contains(t, err.Error(), "group 3")
}

func TestCheck_Padding(t *testing.T) {
	p := testutil.SmallParams()
	p.BlocksCount = 1 + 9*256 + 100
	fs, _ := testutil.NewFS(t, p)
	require.NoError(t, AllInvariants(context.Background(), fs))

	fs.Lock()
	loc := fs.Group(9).BlockBitmap
	fs.Unlock()
	editBitmap(t, fs, loc, func(b bitmap.Bitmap) { b.Clear(150) })

	issues, err := Check(context.Background(), fs)
	require.NoError(t, err)
	require.Equal(t, []string{TypeBlockPadding}, types(issues))
	require.Equal(t, 9, issues[0].Group)
	require.Equal(t, 150, issues[0].Details["bit"])
}

func TestCheck_InodePadding(t *testing.T) {
	fs, _ := testutil.NewFS(t, testutil.SmallParams())
	fs.Lock()
	loc := fs.Group(1).InodeBitmap
	fs.Unlock()
	editBitmap(t, fs, loc, func(b bitmap.Bitmap) { b.Clear(40) })

	err := AllInvariants(context.Background(), fs)
	require.True(t, IsValidationError(err, TypeInodePadding))
}

func TestCheck_MetadataMarkedFree(t *testing.T) {
	fs, _ := testutil.NewFS(t, testutil.SmallParams())
	fs.Lock()
	gd := fs.Group(2)
	loc, table := gd.BlockBitmap, gd.InodeTable
	base := fs.Geometry().GroupBase(2)
	fs.AddFreeBlocks(2, 1)
	fs.Unlock()
	editBitmap(t, fs, loc, func(b bitmap.Bitmap) { b.Clear(int(table + 1 - base)) })

	issues, err := Check(context.Background(), fs)
	require.NoError(t, err)
	require.Equal(t, []string{TypeMetadata}, types(issues))
	require.Equal(t, table+1, issues[0].Details["block"])
}

func TestCheck_ReservedInodes(t *testing.T) {
	fs, _ := testutil.NewFS(t, testutil.SmallParams())
	fs.Lock()
	loc := fs.Group(0).InodeBitmap
	fs.AddFreeInodes(0, 1)
	fs.Unlock()
	editBitmap(t, fs, loc, func(b bitmap.Bitmap) { b.Clear(4) })

	issues, err := Check(context.Background(), fs)
	require.NoError(t, err)
	require.Equal(t, []string{TypeReservedInodes}, types(issues))
	require.Equal(t, uint32(5), issues[0].Details["ino"])
}

func TestCheck_DirectoryTotal(t *testing.T) {
	fs, _ := testutil.NewFS(t, testutil.SmallParams())
	fs.Lock()
	fs.Group(4).UsedDirs++
	fs.Unlock()

	issues, err := Check(context.Background(), fs)
	require.NoError(t, err)
	require.Equal(t, []string{TypeTotals}, types(issues))
	require.Equal(t, "directories", issues[0].Details["counter"])
}

func TestCheck_UninitGroupWithDirectories(t *testing.T) {
	fs, _ := testutil.NewFS(t, testutil.LazyParams())
	fs.Lock()
	fs.AddDirs(5, 1)
	fs.Unlock()

	issues, err := Check(context.Background(), fs)
	require.NoError(t, err)
	require.Equal(t, []string{TypeUninitGroup}, types(issues))
	require.Equal(t, 5, issues[0].Group)
}

func TestCheck_SharedBitmapBlock(t *testing.T) {
	fs, _ := testutil.NewFS(t, testutil.SmallParams())
	fs.Lock()
	fs.Group(7).InodeBitmap = fs.Group(7).BlockBitmap
	fs.Unlock()

	issues, err := Check(context.Background(), fs)
	require.NoError(t, err)
	require.NotEmpty(t, issues)
	require.Equal(t, TypeMetadata, issues[0].Type)
	require.Equal(t, 7, issues[0].Group)
}

func TestCheck_ReadError(t *testing.T) {
	p := testutil.SmallParams()
	fv := testutil.NewFaultVolume(testutil.NewVolume(t, p), p.BlockSize)
	fs := testutil.Mount(t, fv, ext2.Options{})
	fs.Lock()
	fv.FailRead(fs.Group(6).InodeBitmap)
	fs.Unlock()

	_, err := Check(context.Background(), fs)
	require.ErrorIs(t, err, ext2.ErrIO)
	require.False(t, IsValidationError(err, ""))
}

func TestCheck_Canceled(t *testing.T) {
	fs, _ := testutil.NewFS(t, testutil.SmallParams())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Check(ctx, fs)
	require.ErrorIs(t, err, context.Canceled)
}
