// Package ext2 provides the mounted-filesystem state that the block and inode
// allocators operate on.
//
// # Overview
//
// A mounted filesystem (FS) owns:
//
//   - the decoded superblock and group descriptor table,
//   - the single filesystem-wide mutex that guards every counter in them,
//   - a buffer cache over the backing Volume, with per-buffer locks and
//     delayed write-back,
//   - the poisoned state entered when on-disk structures are found to
//     contradict the in-memory counters.
//
// # Locking
//
// FS.Lock serializes access to the superblock counters and to every group
// descriptor. It is never held across I/O: callers check a descriptor under
// the lock, release it, read the bitmap block, then take it again and check
// once more before mutating anything.
//
// A Buf returned by Cache.Bread or Cache.Getblk is locked for the caller until
// it is released with Brelse, Bdwrite, Bawrite or Bwrite. Buffer locks are
// always taken before the filesystem mutex, never while holding it.
//
// # Volumes
//
// Three Volume implementations are provided: MemoryVolume (tests, compressed
// images), FileVolume (pread/pwrite) and MappedVolume (mmap).
//
// # Example
//
//	vol, _ := ext2.OpenFileVolume("disk.img", false)
//	fs, err := ext2.Mount(ctx, vol, ext2.Options{Logger: log})
//	if err != nil {
//	    return err
//	}
//	defer fs.Close(ctx)
package ext2
