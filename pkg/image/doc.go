// Package image opens, creates and saves ext2 image files.
//
// An Image bundles the volume, the mounted filesystem and its allocator:
//
//	im, err := image.Open(ctx, "disk.img", image.DefaultOpenOptions())
//	if err != nil {
//	    return err
//	}
//	defer im.Close(ctx)
//
//	ino, err := im.Allocator().AllocInode(ctx, format.RootIno, format.ModeDir|0o755)
//
// Files ending in .xz or .bz2 are decompressed into memory on open and
// recompressed by Save and Close. Other files are accessed in place, through
// positioned reads and writes or, with OpenOptions.Mmap, a shared mapping.
package image
