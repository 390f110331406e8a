package alloc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/joshuapare/ext2kit/ext2"
	"github.com/joshuapare/ext2kit/ext2/bitmap"
	"github.com/joshuapare/ext2kit/internal/format"
)

// Allocator allocates and frees blocks and inodes of one mounted filesystem.
type Allocator struct {
	fs   *ext2.FS
	geo  ext2.Geometry
	log  *zap.Logger
	opts Options

	maxContig int

	// guarded by the filesystem mutex
	sums       [][]int32 // sums[cg][n]: free runs of length n (top bucket: >= maxContig)
	maxCluster []int32
	contigDirs []uint8
	rnd        *rand.Rand

	blocks   blockAllocator
	clusters clusterAllocator
	inodes   inodeAllocator

	closed atomic.Bool

	// deferred frees (Options.AsyncFree)
	freeMu   sync.RWMutex
	freeq    chan freeReq
	freeDone chan struct{}
	errMu    sync.Mutex
	freeErrs []error
}

// New builds an allocator for fs. With cluster summaries enabled every
// group's block bitmap is read once.
func New(ctx context.Context, fs *ext2.FS, opts Options) (*Allocator, error) {
	log := opts.Logger
	if log == nil {
		log = fs.Logger()
	}
	geo := fs.Geometry()
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	a := &Allocator{
		fs:         fs,
		geo:        geo,
		log:        log.Named("alloc"),
		opts:       opts,
		contigDirs: make([]uint8, geo.Groups),
		rnd:        rnd,
	}
	a.blocks = blockAllocator{a}
	a.clusters = clusterAllocator{a}
	a.inodes = inodeAllocator{a}

	if opts.MaxContig > 0 {
		a.maxContig = min(opts.MaxContig, int(geo.BlocksPerGroup))
		if err := a.loadSummaries(ctx); err != nil {
			return nil, err
		}
	}
	if opts.AsyncFree {
		a.startFreeWorker()
	}
	a.log.Debug("allocator ready",
		zap.Uint32("groups", geo.Groups),
		zap.Int("max_contig", a.maxContig),
		zap.Stringer("io_error_policy", opts.IOErrorPolicy))
	return a, nil
}

// FS returns the filesystem the allocator works on.
func (a *Allocator) FS() *ext2.FS { return a.fs }

// Close drains deferred frees. It returns any error they produced.
func (a *Allocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return a.stopFreeWorker()
}

func (a *Allocator) usable() error {
	if a.closed.Load() {
		return ErrClosed
	}
	return a.fs.Err()
}

// corrupt poisons the filesystem and returns the corruption. The caller
// holds the lock.
func (a *Allocator) corrupt(cg uint32, kind, msg string, args ...any) error {
	ce := ext2.Corruption(cg, kind, msg, args...)
	a.log.Error("bitmap corrupted",
		zap.Uint32("group", cg),
		zap.String("kind", kind),
		zap.String("detail", ce.Detail))
	return a.fs.Poison(ce)
}

// initBlockBitmap synthesizes the bitmap of a BLOCK_UNINIT group into dst and
// clears the flag. It reports whether dst was rewritten. The caller holds
// the lock and the bitmap buffer.
func (a *Allocator) initBlockBitmap(cg uint32, gd *format.GroupDesc, dst []byte) (bool, error) {
	if !a.fs.HasGDTCsum() || !gd.HasFlag(format.BGBlockUninit) {
		return false, nil
	}
	if err := a.fs.SynthesizeBlockBitmap(cg, gd, dst); err != nil {
		return false, a.corrupt(cg, "block bitmap", "lazy init: %v", err)
	}
	gd.Flags &^= format.BGBlockUninit
	a.fs.MarkDirty()
	a.log.Debug("initialized block bitmap", zap.Uint32("group", cg))
	return true, nil
}

// initInodeBitmap is initBlockBitmap for INODE_UNINIT.
func (a *Allocator) initInodeBitmap(cg uint32, gd *format.GroupDesc, dst []byte) bool {
	if !a.fs.HasGDTCsum() || !gd.HasFlag(format.BGInodeUninit) {
		return false
	}
	ext2.SynthesizeInodeBitmap(a.fs.Layout(), dst)
	gd.Flags &^= format.BGInodeUninit
	a.fs.MarkDirty()
	a.log.Debug("initialized inode bitmap", zap.Uint32("group", cg))
	return true
}

// writeBack releases a modified bitmap buffer. A bitmap just synthesized for
// a lazy group is handed to the background flusher at once.
func writeBack(bp *ext2.Buf, inited bool) {
	if inited {
		bp.Bawrite()
		return
	}
	bp.Bdwrite()
}

// release returns a bitmap buffer that was modified only if it was
// synthesized.
func release(bp *ext2.Buf, inited bool) {
	if inited {
		bp.Bawrite()
		return
	}
	bp.Brelse()
}

// readBitmap reads a bitmap block without the lock, then takes the lock and
// fails if the filesystem was poisoned meanwhile. On success the caller holds
// both the lock and the buffer.
func (a *Allocator) readBitmap(ctx context.Context, cg, bno uint32, what string) (*ext2.Buf, error) {
	bp, err := a.fs.Cache().Bread(ctx, bno)
	if err != nil {
		return nil, fmt.Errorf("group %d %s: %w", cg, what, err)
	}
	a.fs.Lock()
	if err := a.fs.Err(); err != nil {
		a.fs.Unlock()
		bp.Brelse()
		return nil, err
	}
	return bp, nil
}

// hashAlloc runs HashAlloc under the configured I/O error policy.
func (a *Allocator) hashAlloc(ctx context.Context, cg, pref uint32, size int, ga GroupAllocator) (uint32, error) {
	if a.opts.IOErrorPolicy != SkipGroup {
		return HashAlloc(ctx, a.geo.Groups, cg, pref, size, ga)
	}
	s := &skipIOErrors{ga: ga, log: a.log}
	res, err := HashAlloc(ctx, a.geo.Groups, cg, pref, size, s)
	if err == nil && res == 0 && len(s.errs) > 0 {
		return 0, errors.Join(s.errs...)
	}
	return res, err
}

// loadSummaries builds the free-run summaries from every group's bitmap.
func (a *Allocator) loadSummaries(ctx context.Context) error {
	fs := a.fs
	n := a.geo.Groups
	a.sums = make([][]int32, n)
	a.maxCluster = make([]int32, n)
	scratch := make([]byte, a.geo.BlockSize)

	for cg := uint32(0); cg < n; cg++ {
		a.sums[cg] = make([]int32, a.maxContig+1)

		fs.Lock()
		gd := *fs.Group(cg)
		fs.Unlock()

		if fs.HasGDTCsum() && gd.HasFlag(format.BGBlockUninit) {
			if err := fs.SynthesizeBlockBitmap(cg, &gd, scratch); err != nil {
				return fmt.Errorf("alloc: group %d: %w", cg, err)
			}
			fs.Lock()
			a.maxCluster[cg] = summarize(scratch, int(a.geo.BlocksInGroup(cg)), a.sums[cg])
			fs.Unlock()
			continue
		}
		bp, err := fs.Cache().Bread(ctx, gd.BlockBitmap)
		if err != nil {
			return fmt.Errorf("alloc: group %d block bitmap: %w", cg, err)
		}
		fs.Lock()
		a.maxCluster[cg] = summarize(bp.Data, int(a.geo.BlocksInGroup(cg)), a.sums[cg])
		fs.Unlock()
		bp.Brelse()
	}
	return nil
}

// summarize counts the free runs in the first nbits bits into sum and returns
// the largest bucket in use.
func summarize(bm bitmap.Bitmap, nbits int, sum []int32) int32 {
	limit := len(sum) - 1
	run := 0
	for i := 0; i <= nbits; i++ {
		if i < nbits && bm.IsClear(i) {
			run++
			continue
		}
		if run > 0 {
			sum[min(run, limit)]++
		}
		run = 0
	}
	return topBucket(sum)
}

func topBucket(sum []int32) int32 {
	for i := len(sum) - 1; i > 0; i-- {
		if sum[i] > 0 {
			return int32(i)
		}
	}
	return 0
}

// clusterAcct updates the run summary of group cg after bit rel changed state.
// cnt is +1 when the bit was freed and -1 when it was taken; bm already holds
// the new state. The caller holds the lock.
func (a *Allocator) clusterAcct(cg uint32, bm bitmap.Bitmap, rel int, cnt int32) {
	if a.maxContig <= 0 {
		return
	}
	nbits := int(a.geo.BlocksInGroup(cg))
	limit := a.maxContig

	forw := 0
	for i := rel + 1; i < nbits && forw < limit && bm.IsClear(i); i++ {
		forw++
	}
	back := 0
	for i := rel - 1; i >= 0 && back < limit && bm.IsClear(i); i-- {
		back++
	}

	sum := a.sums[cg]
	sum[min(back+forw+1, limit)] += cnt
	if back > 0 {
		sum[back] -= cnt
	}
	if forw > 0 {
		sum[forw] -= cnt
	}
	a.maxCluster[cg] = topBucket(sum)
}
