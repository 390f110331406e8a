package dirty

import (
	"context"
	"slices"
)

// defaultCapacity is the pre-allocated capacity of the dirty set.
const defaultCapacity = 64

// FlushMode controls durability guarantees when metadata is flushed.
type FlushMode int

const (
	// FlushAuto writes the metadata and syncs the volume's data.
	FlushAuto FlushMode = iota

	// FlushDataOnly writes the metadata without syncing. The caller is
	// responsible for a later sync; useful when batching.
	FlushDataOnly

	// FlushFull writes the metadata and asks for a full device flush
	// (F_FULLFSYNC on macOS).
	FlushFull
)

// String returns the configuration spelling of the mode.
func (m FlushMode) String() string {
	switch m {
	case FlushAuto:
		return "auto"
	case FlushDataOnly:
		return "data"
	case FlushFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseFlushMode converts a configuration value into a FlushMode.
func ParseFlushMode(s string) (FlushMode, bool) {
	switch s {
	case "", "auto":
		return FlushAuto, true
	case "data":
		return FlushDataOnly, true
	case "full":
		return FlushFull, true
	default:
		return FlushAuto, false
	}
}

// Range is a run of contiguous dirty blocks.
type Range struct {
	Start uint32
	Count uint32
}

// Tracker accumulates dirty block numbers.
//
// NOT thread-safe. Only one goroutine should use it at a time.
type Tracker struct {
	blocks map[uint32]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{blocks: make(map[uint32]struct{}, defaultCapacity)}
}

// Add records count blocks starting at start. Re-adding a dirty block is free.
func (t *Tracker) Add(start, count uint32) {
	for i := uint32(0); i < count; i++ {
		t.blocks[start+i] = struct{}{}
	}
}

// Has reports whether block bno is dirty.
func (t *Tracker) Has(bno uint32) bool {
	_, ok := t.blocks[bno]
	return ok
}

// Len returns the number of dirty blocks.
func (t *Tracker) Len() int { return len(t.blocks) }

// Take returns the coalesced dirty runs and empties the tracker.
func (t *Tracker) Take() []Range {
	runs := t.coalesce()
	clear(t.blocks)
	return runs
}

// Reset forgets every dirty block.
func (t *Tracker) Reset() {
	clear(t.blocks)
}

// DebugCoalescedRanges returns the runs a flush would write, without
// consuming them.
func (t *Tracker) DebugCoalescedRanges() []Range {
	return t.coalesce()
}

// coalesce sorts the dirty blocks and merges neighbours into runs.
func (t *Tracker) coalesce() []Range {
	if len(t.blocks) == 0 {
		return nil
	}
	sorted := make([]uint32, 0, len(t.blocks))
	for b := range t.blocks {
		sorted = append(sorted, b)
	}
	slices.Sort(sorted)

	merged := make([]Range, 0, len(sorted))
	current := Range{Start: sorted[0], Count: 1}
	for _, b := range sorted[1:] {
		if b == current.Start+current.Count {
			current.Count++
			continue
		}
		merged = append(merged, current)
		current = Range{Start: b, Count: 1}
	}
	return append(merged, current)
}

// WriteRuns writes each run through w in ascending block order. It returns
// the runs that were not written when it stops early, so the caller can
// re-queue them.
//
// The context is checked between runs. If cancelled, some runs may have been
// written while others have not.
func WriteRuns(ctx context.Context, runs []Range, w RunWriter) ([]Range, error) {
	for i, r := range runs {
		if err := ctx.Err(); err != nil {
			return runs[i:], err
		}
		if err := w.WriteRun(ctx, r.Start, r.Count); err != nil {
			return runs[i:], err
		}
	}
	return nil, nil
}

// FlushHeaderAndMeta writes the filesystem metadata and optionally syncs:
//   - FlushAuto: WriteMeta, then Sync(false)
//   - FlushDataOnly: WriteMeta only
//   - FlushFull: WriteMeta, then Sync(true)
func FlushHeaderAndMeta(ctx context.Context, mode FlushMode, w MetaWriter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.WriteMeta(ctx); err != nil {
		return err
	}
	if mode == FlushDataOnly {
		return nil
	}
	// Check for cancellation before the sync
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.Sync(mode == FlushFull)
}
