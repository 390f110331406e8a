package alloc

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/ext2kit/ext2/builder"
	"github.com/joshuapare/ext2kit/internal/format"
	"github.com/joshuapare/ext2kit/internal/testutil"
)

type held struct {
	blocks []uint32
	inodes []uint32
}

func churn(ctx context.Context, a *Allocator, worker, rounds int) (held, error) {
	rng := rand.New(rand.NewPCG(uint64(worker), 99))
	var h held
	parent := uint32(1 + worker*37%int(a.geo.InodesCount))
	ip := &Inode{Ino: parent}
	for r := 0; r < rounds; r++ {
		b, err := a.AllocBlock(ctx, ip, uint32(r), ip.NextAllocGoal, Cred{})
		if err != nil {
			return h, fmt.Errorf("worker %d alloc block: %w", worker, err)
		}
		h.blocks = append(h.blocks, b)

		mode := uint16(modeReg)
		if rng.IntN(4) == 0 {
			mode = modeDir
		}
		ino, err := a.AllocInode(ctx, parent, mode)
		if err != nil {
			return h, fmt.Errorf("worker %d alloc inode: %w", worker, err)
		}
		if format.IsDir(mode) {
			// Keep directories; free files again half of the time.
			h.inodes = append(h.inodes, ino)
		} else if rng.IntN(2) == 0 {
			if err := a.FreeInode(ctx, ino, mode); err != nil {
				return h, fmt.Errorf("worker %d free inode: %w", worker, err)
			}
		} else {
			h.inodes = append(h.inodes, ino)
		}

		if rng.IntN(3) == 0 {
			k := rng.IntN(len(h.blocks))
			if err := a.FreeBlock(ctx, ip, h.blocks[k]); err != nil {
				return h, fmt.Errorf("worker %d free block: %w", worker, err)
			}
			h.blocks[k] = h.blocks[len(h.blocks)-1]
			h.blocks = h.blocks[:len(h.blocks)-1]
		}
	}
	return h, nil
}

func TestAllocator_ConcurrentChurn(t *testing.T) {
	rounds := 25
	if testing.Short() {
		rounds = 8
	}
	cases := []struct {
		name   string
		params builder.Params
		opts   Options
	}{
		{"plain", testutil.SmallParams(), Options{}},
		{"summaries", testutil.SmallParams(), summaryOpts()},
		{"lazy", testutil.LazyParams(), summaryOpts()},
		{"async free", testutil.SmallParams(), Options{MaxContig: 16, AsyncFree: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAllocator(t, tc.params, tc.opts)
			const workers = 8
			results := make([]held, workers)

			g, ctx := errgroup.WithContext(context.Background())
			for w := 0; w < workers; w++ {
				g.Go(func() error {
					h, err := churn(ctx, a, w, rounds)
					results[w] = h
					return err
				})
			}
			require.NoError(t, g.Wait())
			require.NoError(t, a.Drain())
			require.NoError(t, a.fs.Err())

			blocks := make(map[uint32]int)
			inodes := make(map[uint32]int)
			for w, h := range results {
				for _, b := range h.blocks {
					prev, dup := blocks[b]
					require.False(t, dup, "block %d held by workers %d and %d", b, prev, w)
					blocks[b] = w
					require.True(t, blockBitmap(t, a, a.geo.GroupOfBlock(b)).IsSet(int(b-a.geo.GroupBase(a.geo.GroupOfBlock(b)))))
				}
				for _, ino := range h.inodes {
					prev, dup := inodes[ino]
					require.False(t, dup, "inode %d held by workers %d and %d", ino, prev, w)
					inodes[ino] = w
				}
			}
			checkCounters(t, a)
		})
	}
}
