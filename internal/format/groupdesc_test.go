package format

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC16KnownVector(t *testing.T) {
	// CRC-16/ARC check value.
	require.Equal(t, uint16(0xBB3D), CRC16(0, []byte("123456789")))
}

func TestGroupTableRoundTrip(t *testing.T) {
	groups := []GroupDesc{
		{BlockBitmap: 3, InodeBitmap: 4, InodeTable: 5, FreeBlocks: 240, FreeInodes: 21, UsedDirs: 2, Flags: BGInodeZeroed},
		{BlockBitmap: 259, InodeBitmap: 260, InodeTable: 261, FreeBlocks: 248, FreeInodes: 32, Flags: BGBlockUninit | BGInodeUninit, ItableUnused: 32},
	}
	raw := make([]byte, 1024)
	uuid := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	require.NoError(t, EncodeGroupTable(raw, groups, &uuid))

	parsed, err := ParseGroupTable(raw, 2)
	require.NoError(t, err)
	require.Equal(t, groups, parsed)
	require.True(t, parsed[1].HasFlag(BGBlockUninit))
	require.False(t, parsed[0].HasFlag(BGBlockUninit))

	for i := range groups {
		require.NoError(t, VerifyGroupChecksum(uuid, uint32(i), raw[i*GroupDescSize:]))
	}
	// The group number is part of the checksum input.
	require.NotEqual(t, groups[0].Checksum, GroupChecksum(uuid, 1, raw[:GroupDescSize]))
}

func TestVerifyGroupChecksumDetectsDamage(t *testing.T) {
	raw := make([]byte, GroupDescSize)
	gd := GroupDesc{BlockBitmap: 3, FreeBlocks: 10}
	uuid := [16]byte{0xAA}
	require.NoError(t, EncodeGroupTable(raw, []GroupDesc{gd}, &uuid))

	raw[GDFreeBlocksOffset]++
	require.ErrorIs(t, VerifyGroupChecksum(uuid, 0, raw), ErrChecksum)
}

func TestParseGroupTableTruncated(t *testing.T) {
	_, err := ParseGroupTable(make([]byte, 40), 2)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestIsDir(t *testing.T) {
	require.True(t, IsDir(ModeDir|0o755))
	require.False(t, IsDir(ModeReg|0o644))
	require.False(t, IsDir(ModeLnk))
}
