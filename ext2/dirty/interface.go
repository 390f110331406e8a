package dirty

import "context"

// RunWriter writes count contiguous cached blocks starting at start.
type RunWriter interface {
	WriteRun(ctx context.Context, start uint32, count uint32) error
}

// MetaWriter persists filesystem-wide metadata and syncs the volume.
type MetaWriter interface {
	// WriteMeta writes the superblock and group descriptor table.
	WriteMeta(ctx context.Context) error

	// Sync flushes the volume. full requests a device cache flush as well.
	Sync(full bool) error
}
