// Package dirty tracks blocks that have been modified in the buffer cache but
// not yet written to the volume, and flushes them in block order.
//
// # Overview
//
// Allocators mutate bitmap blocks in memory and schedule them for delayed
// write. The Tracker records the block numbers; at flush time they are sorted
// and merged into contiguous runs so each run reaches the volume with a single
// write.
//
// Flushing is split in two phases, mirroring how a non-journaled filesystem
// orders its metadata:
//
//   - WriteRuns writes the data runs (bitmaps, inode table blocks).
//   - FlushHeaderAndMeta writes the superblock and group descriptor table and
//     then, depending on FlushMode, syncs the volume.
//
// # Thread Safety
//
// Tracker is NOT thread-safe. The buffer cache guards it with its own mutex
// and never holds that mutex across I/O.
package dirty
