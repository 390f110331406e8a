package bitmap

import (
	"bytes"
	"math/bits"
)

// FindOneFree returns the first clear bit at or after pref, wrapping to the
// start of the bitmap once. Only the first nbits bits are considered. It
// reports false only when every bit in range is set; callers that already
// hold a positive free count must treat that as corruption.
func FindOneFree(b Bitmap, pref, nbits int) (int, bool) {
	if nbits > b.Bits() {
		nbits = b.Bits()
	}
	if pref < 0 || pref >= nbits {
		pref = 0
	}
	if i, ok := scanFree(b, pref, nbits); ok {
		return i, true
	}
	return scanFree(b, 0, pref)
}

// scanFree looks for a clear bit in [from, to), skipping full bytes.
func scanFree(b Bitmap, from, to int) (int, bool) {
	i := from
	for i < to {
		free := ^b[ByteIndex(i)] >> (uint(i) & 7)
		if free == 0 {
			i = (i | 7) + 1
			continue
		}
		j := i + bits.TrailingZeros8(free)
		if j < to {
			return j, true
		}
		return -1, false
	}
	return -1, false
}

// FindFreeByte returns the first bit of the first wholly clear byte at or
// after the byte holding pref, wrapping to the start once. Only bytes lying
// entirely below nbits qualify, so the result is an 8-aligned run of 8 free
// units.
func FindFreeByte(b Bitmap, pref, nbits int) (int, bool) {
	if nbits > b.Bits() {
		nbits = b.Bits()
	}
	nbytes := nbits / 8
	start := 0
	if pref >= 0 && pref < nbits {
		start = ByteIndex(pref)
	}
	if start >= nbytes {
		start = 0
	}
	if i := bytes.IndexByte(b[start:nbytes], 0); i >= 0 {
		return (start + i) * 8, true
	}
	if i := bytes.IndexByte(b[:start], 0); i >= 0 {
		return i * 8, true
	}
	return -1, false
}

// FindRun returns the start of the first run of n clear bits found scanning
// from pref to nbits, then from 0. A run never wraps past the end of the
// bitmap. First-fit: no attempt is made to pick the best run.
func FindRun(b Bitmap, pref, n, nbits int) (int, bool) {
	if n <= 0 {
		return -1, false
	}
	if nbits > b.Bits() {
		nbits = b.Bits()
	}
	if n > nbits {
		return -1, false
	}
	if pref < 0 || pref >= nbits {
		pref = 0
	}
	if i, ok := scanRun(b, pref, nbits, n); ok {
		return i, true
	}
	if pref == 0 {
		return -1, false
	}
	// Runs that start below pref may extend up to pref+n-1.
	return scanRun(b, 0, min(pref+n-1, nbits), n)
}

// scanRun counts consecutive clear bits in [from, to). Whole bytes are
// consumed at once when aligned; at a byte holding set bits the trailing
// clear bits extend the current run before falling back to bit steps.
func scanRun(b Bitmap, from, to, n int) (int, bool) {
	run, start := 0, from
	i := from
	for i < to {
		if i&7 == 0 && i+8 <= to {
			v := b[ByteIndex(i)]
			switch {
			case v == 0xFF:
				run = 0
				i += 8
				continue
			case v == 0:
				if run == 0 {
					start = i
				}
				run += 8
				if run >= n {
					return start, true
				}
				i += 8
				continue
			case run > 0:
				tz := bits.TrailingZeros8(v)
				if run+tz >= n {
					return start, true
				}
				// The run ends at the first set bit of this byte.
				run = 0
				i += tz
				continue
			}
		}
		if b[ByteIndex(i)]&Mask(i) != 0 {
			run = 0
		} else {
			if run == 0 {
				start = i
			}
			run++
			if run >= n {
				return start, true
			}
		}
		i++
	}
	return -1, false
}
