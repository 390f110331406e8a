package buf

import (
	"fmt"
	"math"
)

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow int64.
func AddOverflowSafe(a, b int64) (int64, bool) {
	switch {
	case b > 0 && a > math.MaxInt64-b:
		return 0, false
	case b < 0 && a < math.MinInt64-b:
		return 0, false
	default:
		return a + b, true
	}
}

// MulOverflowSafe multiplies two non-negative values, returning ok = false on
// overflow or when either operand is negative.
func MulOverflowSafe(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt64/b {
		return 0, false
	}
	return a * b, true
}

// BlockOffset converts a block number into a byte offset on the volume.
func BlockOffset(bno uint32, blockSize int) (int64, bool) {
	return MulOverflowSafe(int64(bno), int64(blockSize))
}

// CheckTableBounds validates that count entries of entrySize bytes fit in a
// buffer of bufLen bytes starting at offset. It returns the end offset.
//
//	end, err := buf.CheckTableBounds(len(data), 0, int(groups), format.GroupDescSize)
//	if err != nil {
//	    return fmt.Errorf("group table: %w", err)
//	}
func CheckTableBounds(bufLen, offset, count, entrySize int) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("negative offset: %d", offset)
	}
	if count < 0 {
		return 0, fmt.Errorf("negative count: %d", count)
	}
	total, ok := MulOverflowSafe(int64(count), int64(entrySize))
	if !ok {
		return 0, fmt.Errorf("overflow: count=%d * size=%d", count, entrySize)
	}
	end, ok := AddOverflowSafe(int64(offset), total)
	if !ok || end > math.MaxInt {
		return 0, fmt.Errorf("overflow: offset=%d + size=%d", offset, total)
	}
	if end > int64(bufLen) {
		return 0, fmt.Errorf("bounds: end=%d > len=%d", end, bufLen)
	}
	return int(end), nil
}

// Slice returns the sub-slice [off:off+n] if it fits within len(b).
func Slice(b []byte, off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off > len(b) {
		return nil, false
	}
	end, ok := AddOverflowSafe(int64(off), int64(n))
	if !ok || end > int64(len(b)) {
		return nil, false
	}
	return b[off:end], true
}
