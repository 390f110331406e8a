// Package testutil builds small filesystem images for tests.
package testutil

import (
	"context"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/joshuapare/ext2kit/ext2"
	"github.com/joshuapare/ext2kit/ext2/builder"
)

// SmallParams describes a 10-group filesystem with 1 KiB blocks, 256 blocks
// and 32 inodes per group, and no reserved blocks. Groups 0, 1, 3, 5, 7 and 9
// carry superblock copies.
func SmallParams() builder.Params {
	return builder.Params{
		BlockSize:       1024,
		BlocksCount:     1 + 10*256,
		BlocksPerGroup:  256,
		InodesPerGroup:  32,
		ReservedPercent: -1,
	}
}

// LazyParams is SmallParams with lazy group initialization.
func LazyParams() builder.Params {
	p := SmallParams()
	p.LazyInit = true
	return p
}

// NewVolume formats a fresh in-memory volume.
func NewVolume(t testing.TB, p builder.Params) *ext2.MemoryVolume {
	t.Helper()
	vol := ext2.NewMemoryVolume(0)
	if _, err := builder.Format(context.Background(), vol, p); err != nil {
		t.Fatalf("format: %v", err)
	}
	return vol
}

// Mount mounts vol with a test logger and closes it when the test ends.
func Mount(t testing.TB, vol ext2.Volume, opts ext2.Options) *ext2.FS {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t, zaptest.Level(zapcore.WarnLevel))
	}
	fs, err := ext2.Mount(context.Background(), vol, opts)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close(context.Background()) })
	return fs
}

// NewFS formats an in-memory volume with p and mounts it.
func NewFS(t testing.TB, p builder.Params) (*ext2.FS, *ext2.MemoryVolume) {
	t.Helper()
	vol := NewVolume(t, p)
	return Mount(t, vol, ext2.Options{}), vol
}
