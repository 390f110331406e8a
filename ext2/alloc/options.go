package alloc

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"go.uber.org/zap"
)

// IOErrorPolicy decides what the group search does when reading a group's
// bitmap fails.
type IOErrorPolicy int

const (
	// FailFast aborts the request with the I/O error.
	FailFast IOErrorPolicy = iota
	// SkipGroup logs the error and moves on to the next group. If no
	// group can satisfy the request the collected I/O errors are returned
	// instead of ErrNoSpace.
	SkipGroup
)

func (p IOErrorPolicy) String() string {
	switch p {
	case FailFast:
		return "failfast"
	case SkipGroup:
		return "skipgroup"
	default:
		return fmt.Sprintf("IOErrorPolicy(%d)", int(p))
	}
}

// ParseIOErrorPolicy accepts "failfast" (or empty) and "skipgroup".
func ParseIOErrorPolicy(s string) (IOErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "failfast", "fail-fast":
		return FailFast, nil
	case "skipgroup", "skip-group":
		return SkipGroup, nil
	}
	return FailFast, fmt.Errorf("alloc: unknown I/O error policy %q", s)
}

// DefaultMaxContig is the longest free run the cluster summaries track by
// default.
const DefaultMaxContig = 32

// Options configures an Allocator.
type Options struct {
	// Logger receives diagnostics. Nil uses the filesystem's logger.
	Logger *zap.Logger

	// IOErrorPolicy applies to bitmap reads during the group search.
	IOErrorPolicy IOErrorPolicy

	// MaxContig sizes the per-group free-run summaries. Zero disables the
	// summaries, cluster allocation and ReallocBlocks.
	MaxContig int

	// ReallocBlocks enables ReallocBlocks.
	ReallocBlocks bool

	// AsyncFree defers FreeBlock and FreeInode to a background worker.
	AsyncFree bool

	// Rand drives top-level directory placement. Nil seeds a private source.
	Rand *rand.Rand
}

// DefaultOptions returns the options used by the command-line tools.
func DefaultOptions() Options {
	return Options{MaxContig: DefaultMaxContig, ReallocBlocks: true}
}
