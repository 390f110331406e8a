package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// onlyFree returns an nbits-wide bitmap where every bit except free is set.
func onlyFree(nbits int, free ...int) Bitmap {
	b := make(Bitmap, (nbits+7)/8)
	b.MarkEnd(0, nbits)
	for _, i := range free {
		b.Clear(i)
	}
	return b
}

func TestFindOneFree_FirstFit(t *testing.T) {
	b := onlyFree(64, 5, 9, 20)

	i, ok := FindOneFree(b, 0, 64)
	require.True(t, ok)
	require.Equal(t, 5, i)

	i, ok = FindOneFree(b, 10, 64)
	require.True(t, ok)
	require.Equal(t, 20, i)

	// Once 20 is taken the search from 10 wraps around to 5.
	b.Set(20)
	i, ok = FindOneFree(b, 10, 64)
	require.True(t, ok)
	require.Equal(t, 5, i)
}

func TestFindOneFree_PreferredBitItself(t *testing.T) {
	b := onlyFree(64, 9, 20)
	i, ok := FindOneFree(b, 9, 64)
	require.True(t, ok)
	require.Equal(t, 9, i)
}

func TestFindOneFree_AllSet(t *testing.T) {
	b := onlyFree(64)
	_, ok := FindOneFree(b, 17, 64)
	require.False(t, ok)
}

func TestFindOneFree_RespectsLimit(t *testing.T) {
	// Bit 40 is clear but lies past the group's last unit.
	b := onlyFree(64, 40)
	_, ok := FindOneFree(b, 0, 40)
	require.False(t, ok)

	i, ok := FindOneFree(b, 0, 41)
	require.True(t, ok)
	require.Equal(t, 40, i)
}

func TestFindOneFree_OutOfRangePrefFallsBackToZero(t *testing.T) {
	b := onlyFree(64, 2)
	i, ok := FindOneFree(b, 1000, 64)
	require.True(t, ok)
	require.Equal(t, 2, i)
}

func TestFindRun_SkipsSetBit(t *testing.T) {
	b := make(Bitmap, 8)
	b.Set(3)

	i, ok := FindRun(b, 0, 8, 64)
	require.True(t, ok)
	require.Equal(t, 4, i)
	for j := i; j < i+8; j++ {
		require.True(t, b.IsClear(j))
	}
}

func TestFindRun_SpansByteBoundary(t *testing.T) {
	b := make(Bitmap, 8)
	b.MarkEnd(0, 6)

	i, ok := FindRun(b, 0, 8, 64)
	require.True(t, ok)
	require.Equal(t, 6, i)
}

func TestFindRun_AcrossSeveralBytes(t *testing.T) {
	b := onlyFree(64)
	for j := 13; j < 40; j++ {
		b.Clear(j)
	}
	i, ok := FindRun(b, 0, 27, 64)
	require.True(t, ok)
	require.Equal(t, 13, i)

	_, ok = FindRun(b, 0, 28, 64)
	require.False(t, ok)
}

func TestFindRun_ShortRunInsideByte(t *testing.T) {
	// Free bits 2..4 within byte 1, everything else set.
	b := onlyFree(32, 10, 11, 12)
	i, ok := FindRun(b, 0, 3, 32)
	require.True(t, ok)
	require.Equal(t, 10, i)
}

func TestFindRun_WrapsToStart(t *testing.T) {
	b := onlyFree(64)
	for j := 2; j < 10; j++ {
		b.Clear(j)
	}
	i, ok := FindRun(b, 30, 8, 64)
	require.True(t, ok)
	require.Equal(t, 2, i)
}

func TestFindRun_RunStraddlingPreference(t *testing.T) {
	b := onlyFree(64)
	for j := 20; j < 28; j++ {
		b.Clear(j)
	}
	// The forward pass from 24 only sees 4 clear bits; the wrap pass finds 20.
	i, ok := FindRun(b, 24, 8, 64)
	require.True(t, ok)
	require.Equal(t, 20, i)
}

func TestFindRun_DoesNotCrossLimit(t *testing.T) {
	b := make(Bitmap, 8)
	b.MarkEnd(0, 60)
	_, ok := FindRun(b, 0, 4, 62)
	require.False(t, ok)
	i, ok := FindRun(b, 0, 4, 64)
	require.True(t, ok)
	require.Equal(t, 60, i)
}

func TestFindRun_FirstFitNotBestFit(t *testing.T) {
	b := onlyFree(64)
	// A 9-bit run at 8 precedes an exact 4-bit run at 40.
	for j := 8; j < 17; j++ {
		b.Clear(j)
	}
	for j := 40; j < 44; j++ {
		b.Clear(j)
	}
	i, ok := FindRun(b, 0, 4, 64)
	require.True(t, ok)
	require.Equal(t, 8, i)
}

func TestFindFreeByte(t *testing.T) {
	b := onlyFree(64, 3, 4, 5, 6, 7, 8)
	_, ok := FindFreeByte(b, 0, 64)
	require.False(t, ok, "bits 3..8 are free but straddle a byte boundary")

	for j := 24; j < 32; j++ {
		b.Clear(j)
	}
	for j := 48; j < 56; j++ {
		b.Clear(j)
	}
	i, ok := FindFreeByte(b, 0, 64)
	require.True(t, ok)
	require.Equal(t, 24, i)

	// Starts at the byte holding pref, then wraps.
	i, ok = FindFreeByte(b, 42, 64)
	require.True(t, ok)
	require.Equal(t, 48, i)
	i, ok = FindFreeByte(b, 60, 64)
	require.True(t, ok)
	require.Equal(t, 24, i)

	// A byte reaching past nbits does not qualify.
	_, ok = FindFreeByte(b, 40, 52)
	require.True(t, ok)
	i, _ = FindFreeByte(b, 40, 52)
	require.Equal(t, 24, i)
}
