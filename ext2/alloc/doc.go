// Package alloc manages free space on a mounted ext2 filesystem: it hands
// out and takes back blocks and inodes, keeping every group's bitmap in step
// with the free counters in its descriptor and in the superblock.
//
// # Layers
//
// Requests are resolved bottom-up:
//
//   - ext2/bitmap: bit access and the first-fit searches
//   - group allocators: satisfy a request inside one block group
//   - HashAlloc: pick the group (preferred, quadratic probe, linear sweep)
//   - Allocator: locality heuristics and the public operations
//
// The three group allocators (single block, contiguous cluster, inode) share
// one capability, GroupAllocator, which HashAlloc drives:
//
//	cg := groupOf(preference)
//	bno, err := alloc.HashAlloc(ctx, groups, cg, pref, size, ga)
//	// bno == 0, err == nil: every group is full
//
// # Group selection
//
// HashAlloc first tries the preferred group with the caller's hint. It then
// probes (cg+1), (cg+2), (cg+4), ... modulo the group count without a hint,
// and finally sweeps every group not yet probed starting at cg+2. Every group
// is tried at most once per request.
//
// # Locking
//
// All group descriptors and counters are guarded by the filesystem mutex
// (ext2.FS.Lock). Bitmap reads happen without it:
//
//	lock; check free count; unlock
//	Bread(bitmap)                // may block on I/O
//	lock; recheck free count     // another request may have taken the last unit
//	search; set bit; update counters; unlock
//	Bdwrite(bitmap)              // delayed write-back
//
// A failed recheck is ordinary exhaustion of that group, not an error.
// Holding the bitmap buffer serializes every mutation of one group's bitmap,
// so lazy initialization of a group happens exactly once.
//
// # Errors
//
// Exhaustion returns ErrNoSpace (ErrNoInodes for inodes) and is logged once
// per request. Volume failures are returned wrapped in ext2.ErrIO; whether the
// search continues in other groups is set by Options.IOErrorPolicy. A group
// whose free count is positive but whose bitmap is full is corrupted: the
// filesystem is poisoned and every later request fails with ext2.ErrPoisoned.
//
// # Cluster summaries
//
// With Options.MaxContig > 0 the allocator keeps, per group, the number of
// free runs of each length up to MaxContig (the top bucket counts longer runs
// too) and the longest length present. Cluster requests that the summary
// rules out are rejected without reading the bitmap. The summaries are built
// from every bitmap in New and updated on every bit change.
//
// # Thread safety
//
// An Allocator is safe for concurrent use. Create one per mounted filesystem;
// two allocators over the same FS would keep diverging summaries.
package alloc
