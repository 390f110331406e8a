package alloc

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/joshuapare/ext2kit/ext2"
)

// GroupAllocator attempts an allocation inside a single group.
//
// pref is an absolute block or inode number, or 0 for no preference; size is
// the request's size parameter (run length for clusters, file mode for
// inodes). A result of 0 with a nil error means the group cannot satisfy the
// request. Implementations must recheck the group's free count after any I/O.
type GroupAllocator interface {
	AllocInGroup(ctx context.Context, cg, pref uint32, size int) (uint32, error)
}

// GroupAllocFunc adapts a function to GroupAllocator.
type GroupAllocFunc func(ctx context.Context, cg, pref uint32, size int) (uint32, error)

// AllocInGroup calls f.
func (f GroupAllocFunc) AllocInGroup(ctx context.Context, cg, pref uint32, size int) (uint32, error) {
	return f(ctx, cg, pref, size)
}

// HashAlloc looks for a group able to satisfy a request.
//
//  1. The preferred group cg, with pref.
//  2. Quadratic probe: (cg + i) mod ngroups for i = 1, 2, 4, ... < ngroups,
//     without a hint.
//  3. Linear sweep from (cg + 2) mod ngroups over every group the probe
//     skipped.
//
// Each group is tried at most once. It returns 0 when every group failed.
// Errors from ga abort the search; ctx is checked between groups.
func HashAlloc(ctx context.Context, ngroups, cg, pref uint32, size int, ga GroupAllocator) (uint32, error) {
	if ngroups == 0 {
		return 0, nil
	}
	cg %= ngroups
	if res, err := ga.AllocInGroup(ctx, cg, pref, size); err != nil || res != 0 {
		return res, err
	}

	n := uint64(ngroups)
	for i := uint64(1); i < n; i *= 2 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		g := uint32((uint64(cg) + i) % n)
		if res, err := ga.AllocInGroup(ctx, g, 0, size); err != nil || res != 0 {
			return res, err
		}
	}

	// Offsets 0 and the powers of two were covered above.
	for d := uint64(2); d < n; d++ {
		if d&(d-1) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		g := uint32((uint64(cg) + d) % n)
		if res, err := ga.AllocInGroup(ctx, g, 0, size); err != nil || res != 0 {
			return res, err
		}
	}
	return 0, nil
}

// skipIOErrors turns a group's I/O failure into "no space here" so the
// search continues elsewhere.
type skipIOErrors struct {
	ga   GroupAllocator
	log  *zap.Logger
	errs []error
}

func (s *skipIOErrors) AllocInGroup(ctx context.Context, cg, pref uint32, size int) (uint32, error) {
	res, err := s.ga.AllocInGroup(ctx, cg, pref, size)
	if err != nil && errors.Is(err, ext2.ErrIO) && ctx.Err() == nil {
		s.log.Warn("skipping group after I/O error", zap.Uint32("group", cg), zap.Error(err))
		s.errs = append(s.errs, err)
		return 0, nil
	}
	return res, err
}
