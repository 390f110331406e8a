package alloc

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/joshuapare/ext2kit/ext2/bitmap"
	"github.com/joshuapare/ext2kit/internal/format"
)

const freeQueueLen = 64

type freeReq struct {
	ino  uint32 // 0 for a block
	bno  uint32
	mode uint16
	done chan struct{} // set on Drain markers
}

// isMeta reports whether bno holds group metadata. The caller holds the lock.
func (a *Allocator) isMeta(bno uint32) bool {
	cg := a.geo.GroupOfBlock(bno)
	base := a.geo.GroupBase(cg)
	if bno-base < a.fs.Layout().BaseMetaBlocks(cg) {
		return true
	}
	gd := a.fs.Group(cg)
	return bno == gd.BlockBitmap || bno == gd.InodeBitmap ||
		(bno >= gd.InodeTable && bno < gd.InodeTable+a.geo.InodeTableBlocks)
}

// FreeBlock returns bno to the free pool and charges it back to ip, which
// may be nil. With AsyncFree the bitmap update happens later on a worker.
func (a *Allocator) FreeBlock(ctx context.Context, ip *Inode, bno uint32) error {
	if err := a.usable(); err != nil {
		return err
	}
	if !a.geo.ValidBlock(bno) {
		return fmt.Errorf("%w: %d", ErrBadBlock, bno)
	}
	a.fs.Lock()
	meta := a.isMeta(bno)
	a.fs.Unlock()
	if meta {
		return fmt.Errorf("%w: %d is group metadata", ErrBadBlock, bno)
	}

	if ip != nil {
		ip.Blocks -= min(ip.Blocks, uint64(a.geo.BlockSize/512))
	}
	if a.enqueueFree(freeReq{bno: bno}) {
		return nil
	}
	return a.freeBlock(ctx, bno)
}

func (a *Allocator) freeBlock(ctx context.Context, bno uint32) error {
	fs := a.fs
	cg := a.geo.GroupOfBlock(bno)
	fs.Lock()
	gd := fs.Group(cg)
	loc := gd.BlockBitmap
	fs.Unlock()

	bp, err := a.readBitmap(ctx, cg, loc, "block bitmap")
	if err != nil {
		return err
	}
	if _, err := a.initBlockBitmap(cg, gd, bp.Data); err != nil {
		fs.Unlock()
		bp.Brelse()
		return err
	}
	bm := bitmap.Bitmap(bp.Data)
	rel := int(bno - a.geo.GroupBase(cg))
	if bm.IsClear(rel) {
		err := a.corrupt(cg, "block bitmap", "freeing free block %d", bno)
		fs.Unlock()
		bp.Brelse()
		return err
	}
	bm.Clear(rel)
	a.clusterAcct(cg, bm, rel, 1)
	fs.AddFreeBlocks(cg, 1)
	fs.Unlock()
	bp.Bdwrite()
	return nil
}

// FreeInode returns ino to the free pool. mode is the freed inode's mode;
// directories lower their group's directory count.
func (a *Allocator) FreeInode(ctx context.Context, ino uint32, mode uint16) error {
	if err := a.usable(); err != nil {
		return err
	}
	if !a.geo.ValidInode(ino) || ino < a.geo.FirstIno {
		return fmt.Errorf("%w: %d", ErrBadInode, ino)
	}
	if a.enqueueFree(freeReq{ino: ino, mode: mode}) {
		return nil
	}
	return a.freeInode(ctx, ino, mode)
}

func (a *Allocator) freeInode(ctx context.Context, ino uint32, mode uint16) error {
	fs := a.fs
	cg := a.geo.GroupOfInode(ino)
	fs.Lock()
	gd := fs.Group(cg)
	loc := gd.InodeBitmap
	fs.Unlock()

	bp, err := a.readBitmap(ctx, cg, loc, "inode bitmap")
	if err != nil {
		return err
	}
	a.initInodeBitmap(cg, gd, bp.Data)
	bm := bitmap.Bitmap(bp.Data)
	rel := int((ino - 1) % a.geo.InodesPerGroup)
	if bm.IsClear(rel) {
		err := a.corrupt(cg, "inode bitmap", "freeing free inode %d", ino)
		fs.Unlock()
		bp.Brelse()
		return err
	}
	bm.Clear(rel)
	fs.AddFreeInodes(cg, 1)
	if format.IsDir(mode) {
		fs.AddDirs(cg, -1)
	}
	fs.Unlock()
	bp.Bdwrite()
	return nil
}

func (a *Allocator) startFreeWorker() {
	q := make(chan freeReq, freeQueueLen)
	done := make(chan struct{})
	a.freeq, a.freeDone = q, done
	go func() {
		defer close(done)
		for r := range q {
			if r.done != nil {
				close(r.done)
				continue
			}
			var err error
			if r.ino == 0 {
				err = a.freeBlock(context.Background(), r.bno)
			} else {
				err = a.freeInode(context.Background(), r.ino, r.mode)
			}
			if err != nil {
				a.log.Error("deferred free failed",
					zap.Uint32("block", r.bno), zap.Uint32("ino", r.ino), zap.Error(err))
				a.errMu.Lock()
				a.freeErrs = append(a.freeErrs, err)
				a.errMu.Unlock()
			}
		}
	}()
}

// enqueueFree hands r to the worker. It reports false when frees are
// synchronous.
func (a *Allocator) enqueueFree(r freeReq) bool {
	a.freeMu.RLock()
	defer a.freeMu.RUnlock()
	if a.freeq == nil {
		return false
	}
	a.freeq <- r
	return true
}

// Drain blocks until every deferred free queued so far has been applied, and
// returns the errors they produced since the last Drain.
func (a *Allocator) Drain() error {
	done := make(chan struct{})
	if a.enqueueFree(freeReq{done: done}) {
		<-done
	}
	return a.takeFreeErrs()
}

func (a *Allocator) stopFreeWorker() error {
	a.freeMu.Lock()
	q := a.freeq
	a.freeq = nil
	a.freeMu.Unlock()
	if q != nil {
		close(q)
		<-a.freeDone
	}
	return a.takeFreeErrs()
}

func (a *Allocator) takeFreeErrs() error {
	a.errMu.Lock()
	errs := a.freeErrs
	a.freeErrs = nil
	a.errMu.Unlock()
	return errors.Join(errs...)
}
