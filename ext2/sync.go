package ext2

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/joshuapare/ext2kit/ext2/dirty"
	"github.com/joshuapare/ext2kit/internal/format"
)

// metaWriter adapts FS to dirty.MetaWriter.
type metaWriter struct{ fs *FS }

// WriteMeta encodes the superblock and descriptor table under the lock and
// writes the primary copies outside it.
func (w metaWriter) WriteMeta(ctx context.Context) error {
	fs := w.fs
	fs.mu.Lock()
	if !fs.metaDirty {
		fs.mu.Unlock()
		return nil
	}
	fs.sb.Wtime = uint32(time.Now().Unix())
	sbRaw := bytes.Clone(fs.sbRaw)
	gdtRaw := bytes.Clone(fs.gdtRaw)
	err := fs.sb.EncodeInto(sbRaw)
	if err == nil {
		var uuid *[16]byte
		if fs.gdtCsum {
			uuid = &fs.sb.UUID
		}
		err = format.EncodeGroupTable(gdtRaw, fs.groups, uuid)
	}
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	fs.sbRaw, fs.gdtRaw = sbRaw, gdtRaw
	fs.metaDirty = false
	fs.mu.Unlock()

	gdtBlock := fs.geo.FirstDataBlock + 1
	if _, err = fs.vol.WriteAt(sbRaw, format.SuperblockOffset); err != nil {
		err = ioError("write", fs.geo.FirstDataBlock, err)
	} else if _, err = fs.vol.WriteAt(gdtRaw, int64(gdtBlock)*int64(fs.geo.BlockSize)); err != nil {
		err = ioError("write", gdtBlock, err)
	}
	if err != nil {
		fs.mu.Lock()
		fs.metaDirty = true
		fs.mu.Unlock()
	}
	return err
}

func (w metaWriter) Sync(full bool) error {
	return w.fs.vol.Sync(full)
}

// Sync writes dirty buffers, then the superblock and descriptor table, then
// syncs the volume according to the mount's FlushMode. A poisoned filesystem
// is never written.
func (fs *FS) Sync(ctx context.Context) error {
	if fs.readOnly {
		return nil
	}
	if p := fs.poisoned.Load(); p != nil {
		return fs.Err()
	}
	fs.syncMu.Lock()
	defer fs.syncMu.Unlock()
	if err := fs.cache.Flush(ctx); err != nil {
		return err
	}
	return dirty.FlushHeaderAndMeta(ctx, fs.opts.FlushMode, metaWriter{fs})
}

// StartSyncer starts a background flusher that syncs every interval and
// whenever a buffer is released with Bawrite. Close stops it.
func (fs *FS) StartSyncer(interval time.Duration) {
	if interval <= 0 || fs.readOnly {
		return
	}
	fs.mu.Lock()
	if fs.stop != nil {
		fs.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	fs.stop, fs.done = stop, done
	fs.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
			case <-fs.cache.Kicked():
			}
			if fs.poisoned.Load() != nil {
				continue
			}
			if err := fs.Sync(context.Background()); err != nil {
				fs.log.Warn("background sync failed", zap.Error(err))
			}
		}
	}()
}

func (fs *FS) stopSyncer() {
	fs.mu.Lock()
	stop, done := fs.stop, fs.done
	fs.stop, fs.done = nil, nil
	fs.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Close stops the background flusher, marks the filesystem clean and flushes
// everything. The volume itself is left open.
func (fs *FS) Close(ctx context.Context) error {
	if fs.closed.Load() {
		return ErrClosed
	}
	fs.stopSyncer()
	defer fs.closed.Store(true)
	if fs.readOnly {
		return nil
	}
	if p := fs.poisoned.Load(); p != nil {
		return fs.Err()
	}
	fs.mu.Lock()
	fs.sb.State |= format.StateValid
	fs.metaDirty = true
	fs.mu.Unlock()
	err := fs.Sync(ctx)
	if err != nil {
		fs.mu.Lock()
		fs.sb.State &^= format.StateValid
		fs.mu.Unlock()
	}
	return err
}
