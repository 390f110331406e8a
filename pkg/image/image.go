package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joshuapare/ext2kit/ext2"
	"github.com/joshuapare/ext2kit/ext2/alloc"
	"github.com/joshuapare/ext2kit/ext2/builder"
	"github.com/joshuapare/ext2kit/ext2/verify"
)

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("image: closed")

// OpenOptions configures Open and Create.
type OpenOptions struct {
	// Mount is passed to ext2.Mount. Mount.ReadOnly opens the file read-only.
	Mount ext2.Options

	// Alloc configures the allocator.
	Alloc alloc.Options

	// Mmap maps an uncompressed, writable image instead of using positioned
	// reads and writes.
	Mmap bool

	// SyncInterval starts a background flusher when positive.
	SyncInterval time.Duration
}

// DefaultOpenOptions returns options with the allocator defaults.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{Alloc: alloc.DefaultOptions()}
}

// Image is an ext2 image file mounted with an allocator attached.
//
// Compressed images are held in memory; Save and Close write them back
// recompressed. Uncompressed images are updated in place.
type Image struct {
	path string
	comp Compression
	log  *zap.Logger

	vol   ext2.Volume
	mem   *ext2.MemoryVolume // compressed images only
	close io.Closer          // file or mapping, nil for memory volumes

	fs    *ext2.FS
	alloc *alloc.Allocator

	mu     sync.Mutex
	closed bool
}

// Open mounts the image at path. The compression is detected from the
// extension.
func Open(ctx context.Context, path string, opts OpenOptions) (*Image, error) {
	im := &Image{
		path: path,
		comp: DetectCompression(path),
		log:  opts.Mount.Logger,
	}
	if im.log == nil {
		im.log = zap.NewNop()
	}
	im.log = im.log.Named("image")

	switch {
	case im.comp != None:
		data, err := decompress(path, im.comp)
		if err != nil {
			return nil, err
		}
		im.mem = ext2.NewMemoryVolumeFrom(data)
		im.vol = im.mem
	case opts.Mmap && !opts.Mount.ReadOnly:
		mv, err := ext2.OpenMappedVolume(path)
		if err != nil {
			return nil, fmt.Errorf("image: open %s: %w", path, err)
		}
		im.vol, im.close = mv, mv
	default:
		fv, err := ext2.OpenFileVolume(path, opts.Mount.ReadOnly)
		if err != nil {
			return nil, fmt.Errorf("image: open %s: %w", path, err)
		}
		im.vol, im.close = fv, fv
	}

	fs, err := ext2.Mount(ctx, im.vol, opts.Mount)
	if err != nil {
		im.closeVolume()
		return nil, fmt.Errorf("image: %s: %w", path, err)
	}
	im.fs = fs

	aopts := opts.Alloc
	if aopts.Logger == nil {
		aopts.Logger = opts.Mount.Logger
	}
	a, err := alloc.New(ctx, fs, aopts)
	if err != nil {
		im.closeVolume()
		return nil, fmt.Errorf("image: %s: %w", path, err)
	}
	im.alloc = a

	fs.StartSyncer(opts.SyncInterval)
	im.log.Debug("opened",
		zap.String("path", path),
		zap.Stringer("compression", im.comp),
		zap.Bool("mmap", opts.Mmap && im.comp == None && !opts.Mount.ReadOnly),
		zap.Bool("read_only", fs.ReadOnly()))
	return im, nil
}

// Create formats a new filesystem at path, replacing any existing file, and
// opens it. A .xz or .bz2 path is built in memory and written compressed.
func Create(ctx context.Context, path string, p builder.Params, opts OpenOptions) (*Image, error) {
	sb, err := p.Superblock()
	if err != nil {
		return nil, err
	}
	size := int64(sb.BlocksCount) * int64(sb.BlockSize())

	if c := DetectCompression(path); c != None {
		mv := ext2.NewMemoryVolume(size)
		if _, err := builder.Format(ctx, mv, p); err != nil {
			return nil, err
		}
		if err := writeFileAtomic(path, mv.Bytes(), c); err != nil {
			return nil, err
		}
		return Open(ctx, path, opts)
	}

	fv, err := ext2.CreateFileVolume(path, size)
	if err != nil {
		return nil, fmt.Errorf("image: create %s: %w", path, err)
	}
	if _, err := builder.Format(ctx, fv, p); err != nil {
		fv.Close()
		return nil, err
	}
	if err := fv.Close(); err != nil {
		return nil, fmt.Errorf("image: create %s: %w", path, err)
	}
	return Open(ctx, path, opts)
}

// Path returns the file the image was opened from.
func (im *Image) Path() string { return im.path }

// Compression returns the container of the image file.
func (im *Image) Compression() Compression { return im.comp }

// FS returns the mounted filesystem.
func (im *Image) FS() *ext2.FS { return im.fs }

// Allocator returns the allocator of the mounted filesystem.
func (im *Image) Allocator() *alloc.Allocator { return im.alloc }

// Save makes every change durable: deferred frees are applied, the cache and
// metadata are flushed, and a compressed image is rewritten.
func (im *Image) Save(ctx context.Context) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.closed {
		return ErrClosed
	}
	return im.saveLocked(ctx)
}

func (im *Image) saveLocked(ctx context.Context) error {
	if im.fs.ReadOnly() {
		return nil
	}
	if err := im.alloc.Drain(); err != nil {
		return err
	}
	if err := im.fs.Sync(ctx); err != nil {
		return err
	}
	return im.writeBack()
}

// writeBack rewrites a compressed image from its memory volume.
func (im *Image) writeBack() error {
	if im.mem == nil || im.fs.ReadOnly() {
		return nil
	}
	if err := writeFileAtomic(im.path, im.mem.Bytes(), im.comp); err != nil {
		return err
	}
	im.log.Debug("saved", zap.String("path", im.path), zap.Stringer("compression", im.comp))
	return nil
}

// SaveAs writes a copy of the image to path, compressed according to its
// extension. The open image is flushed first and stays open.
func (im *Image) SaveAs(ctx context.Context, path string) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.closed {
		return ErrClosed
	}
	if !im.fs.ReadOnly() {
		if err := im.alloc.Drain(); err != nil {
			return err
		}
		if err := im.fs.Sync(ctx); err != nil {
			return err
		}
	}
	data := make([]byte, im.vol.Size())
	if _, err := im.vol.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("image: read %s: %w", im.path, err)
	}
	return writeFileAtomic(path, data, DetectCompression(path))
}

// Check runs the consistency checks on the mounted filesystem.
func (im *Image) Check(ctx context.Context) ([]*verify.ValidationError, error) {
	if err := im.usable(); err != nil {
		return nil, err
	}
	return verify.Check(ctx, im.fs)
}

func (im *Image) usable() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.closed {
		return ErrClosed
	}
	return nil
}

// Close drains the allocator, unmounts the filesystem, writes back a
// compressed image and releases the file. It returns the first error.
func (im *Image) Close(ctx context.Context) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.closed {
		return ErrClosed
	}
	im.closed = true

	var errs []error
	if err := im.alloc.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := im.fs.Close(ctx); err != nil {
		errs = append(errs, err)
	} else if err := im.writeBack(); err != nil {
		errs = append(errs, err)
	}
	if err := im.closeVolume(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (im *Image) closeVolume() error {
	if im.close == nil {
		return nil
	}
	return im.close.Close()
}
