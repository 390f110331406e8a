// Package bitmap implements the block and inode bitmap primitives of a block
// group: single-bit access and the first-fit searches the allocators use.
//
// Bit i lives in byte i/8 under mask 1<<(i%8), matching the ext2 on-disk
// layout. A set bit means the unit is in use.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a view over a bitmap block. It never copies.
type Bitmap []byte

// Bits returns the capacity of the bitmap in bits.
func (b Bitmap) Bits() int { return len(b) * 8 }

// ByteIndex returns the byte holding bit i.
func ByteIndex(i int) int { return i >> 3 }

// Mask returns the mask selecting bit i within its byte.
func Mask(i int) byte { return 1 << (uint(i) & 7) }

func (b Bitmap) check(i int) {
	if i < 0 || i >= len(b)*8 {
		panic(fmt.Sprintf("bitmap: index %d out of range [0,%d)", i, len(b)*8))
	}
}

// IsSet reports whether bit i is set.
func (b Bitmap) IsSet(i int) bool {
	b.check(i)
	return b[ByteIndex(i)]&Mask(i) != 0
}

// IsClear reports whether bit i is clear.
func (b Bitmap) IsClear(i int) bool { return !b.IsSet(i) }

// Set marks bit i in use.
func (b Bitmap) Set(i int) {
	b.check(i)
	b[ByteIndex(i)] |= Mask(i)
}

// Clear marks bit i free.
func (b Bitmap) Clear(i int) {
	b.check(i)
	b[ByteIndex(i)] &^= Mask(i)
}

// MarkEnd sets every bit in [start, end). Used for the padding past the last
// real unit of a group.
func (b Bitmap) MarkEnd(start, end int) {
	if start >= end {
		return
	}
	b.check(start)
	b.check(end - 1)
	i := start
	for ; i < end && i&7 != 0; i++ {
		b[ByteIndex(i)] |= Mask(i)
	}
	for ; i+8 <= end; i += 8 {
		b[ByteIndex(i)] = 0xFF
	}
	for ; i < end; i++ {
		b[ByteIndex(i)] |= Mask(i)
	}
}

// CountClear counts the clear bits in [0, limit).
func (b Bitmap) CountClear(limit int) int {
	if limit <= 0 {
		return 0
	}
	b.check(limit - 1)
	full := limit >> 3
	n := 0
	for _, v := range b[:full] {
		n += 8 - bits.OnesCount8(v)
	}
	for i := full << 3; i < limit; i++ {
		if b[ByteIndex(i)]&Mask(i) == 0 {
			n++
		}
	}
	return n
}
