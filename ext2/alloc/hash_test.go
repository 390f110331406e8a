package alloc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type probe struct {
	cg   uint32
	pref uint32
}

// recorder fails every group except those in ok, which return cg+1000.
func recorder(ok map[uint32]bool, probes *[]probe) GroupAllocator {
	return GroupAllocFunc(func(_ context.Context, cg, pref uint32, _ int) (uint32, error) {
		*probes = append(*probes, probe{cg, pref})
		if ok[cg] {
			return cg + 1000, nil
		}
		return 0, nil
	})
}

func TestHashAlloc_PreferredGroupWins(t *testing.T) {
	var probes []probe
	res, err := HashAlloc(context.Background(), 10, 3, 777, 1, recorder(map[uint32]bool{3: true}, &probes))
	require.NoError(t, err)
	require.Equal(t, uint32(1003), res)
	require.Equal(t, []probe{{3, 777}}, probes)
}

func TestHashAlloc_QuadraticRehash(t *testing.T) {
	// Groups 3, 4, 5 and 7 are full; 3+8 = 11 mod 10 = 1 succeeds before any
	// linear sweep.
	var probes []probe
	res, err := HashAlloc(context.Background(), 10, 3, 42, 1, recorder(map[uint32]bool{1: true, 6: true}, &probes))
	require.NoError(t, err)
	require.Equal(t, uint32(1001), res)
	require.Equal(t, []probe{{3, 42}, {4, 0}, {5, 0}, {7, 0}, {1, 0}}, probes)
}

func TestHashAlloc_LinearSweep(t *testing.T) {
	var probes []probe
	res, err := HashAlloc(context.Background(), 10, 3, 0, 1, recorder(map[uint32]bool{9: true}, &probes))
	require.NoError(t, err)
	require.Equal(t, uint32(1009), res)

	var order []uint32
	for _, p := range probes {
		order = append(order, p.cg)
	}
	// 3 | 4 5 7 1 | 6 8 9
	require.Equal(t, []uint32{3, 4, 5, 7, 1, 6, 8, 9}, order)
}

func TestHashAlloc_ExhaustionProbesEachGroupOnce(t *testing.T) {
	for n := uint32(1); n <= 70; n++ {
		for _, cg := range []uint32{0, n / 2, n - 1} {
			var probes []probe
			res, err := HashAlloc(context.Background(), n, cg, 5, 1, recorder(nil, &probes))
			require.NoError(t, err)
			require.Zero(t, res)
			require.Len(t, probes, int(n), "n=%d cg=%d", n, cg)
			require.Equal(t, cg, probes[0].cg)

			seen := make(map[uint32]bool)
			for _, p := range probes {
				require.False(t, seen[p.cg], "n=%d cg=%d: group %d probed twice", n, cg, p.cg)
				require.Less(t, p.cg, n)
				seen[p.cg] = true
			}
		}
	}
}

func TestHashAlloc_ErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	ga := GroupAllocFunc(func(_ context.Context, cg, _ uint32, _ int) (uint32, error) {
		calls++
		if cg == 4 {
			return 0, boom
		}
		return 0, nil
	})
	_, err := HashAlloc(context.Background(), 10, 3, 0, 1, ga)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, calls)
}

func TestHashAlloc_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	ga := GroupAllocFunc(func(context.Context, uint32, uint32, int) (uint32, error) {
		calls++
		cancel()
		return 0, nil
	})
	_, err := HashAlloc(ctx, 10, 0, 0, 1, ga)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestHashAlloc_NoGroups(t *testing.T) {
	res, err := HashAlloc(context.Background(), 0, 0, 0, 1, GroupAllocFunc(func(context.Context, uint32, uint32, int) (uint32, error) {
		t.Fatal("no group should be probed")
		return 0, nil
	}))
	require.NoError(t, err)
	require.Zero(t, res)
}
