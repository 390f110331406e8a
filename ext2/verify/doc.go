// Package verify checks the allocation metadata of a mounted ext2
// filesystem for internal consistency.
//
// # Overview
//
// The allocator keeps three copies of the same facts: the bitmaps, the
// per-group counters in the descriptor table, and the filesystem totals in
// the superblock. verify recomputes the counters from the bitmaps and
// reports every disagreement. It is used by tests after allocation
// workloads and by `ext2ctl check`.
//
// Per group:
//   - BlockCount: free blocks in the descriptor equal the clear bits among
//     the group's real blocks
//   - BlockPadding: bits past the last real block of a short final group are
//     set
//   - Metadata: superblock and descriptor copies, both bitmaps and the inode
//     table are marked in use
//   - InodeCount and InodePadding: the same for the inode bitmap
//   - ReservedInodes: inodes 1 to FirstIno-1 are in use (group 0)
//   - UninitGroup: an INODE_UNINIT group has every inode free and no
//     directories
//
// Filesystem-wide:
//   - Totals: the superblock's free block and inode counts and the directory
//     total equal the sums over the groups
//
// Groups flagged BLOCK_UNINIT or INODE_UNINIT are checked against the bitmap
// the allocator would synthesize for them.
//
// # Usage
//
//	if err := verify.AllInvariants(ctx, fs); err != nil {
//	    var ve *verify.ValidationError
//	    if errors.As(err, &ve) {
//	        fmt.Printf("%s (group %d): %s\n", ve.Type, ve.Group, ve.Message)
//	    }
//	}
//
// Check returns every violation instead of the first:
//
//	issues, err := verify.Check(ctx, fs)
//
// # Concurrency
//
// Groups are checked in parallel with a bounded errgroup. Each group's
// bitmaps are held while its descriptor is copied, so a check running
// alongside allocation still sees a consistent group. Totals are read under
// the filesystem lock.
package verify
