package format

import (
	"encoding/binary"
	"fmt"

	"github.com/joshuapare/ext2kit/internal/buf"
)

// Group descriptor field offsets.
const (
	GDBlockBitmapOffset  = 0x00
	GDInodeBitmapOffset  = 0x04
	GDInodeTableOffset   = 0x08
	GDFreeBlocksOffset   = 0x0C
	GDFreeInodesOffset   = 0x0E
	GDUsedDirsOffset     = 0x10
	GDFlagsOffset        = 0x12
	GDItableUnusedOffset = 0x1C
	GDChecksumOffset     = 0x1E
)

// GroupDesc is one entry of the block group descriptor table.
//
//	Offset  Size  Description
//	------  ----  ----------------------------------------------------------
//	 0x00    4    Block bitmap block
//	 0x04    4    Inode bitmap block
//	 0x08    4    First inode table block
//	 0x0C    2    Free blocks count
//	 0x0E    2    Free inodes count
//	 0x10    2    Used directories count
//	 0x12    2    Flags (INODE_UNINIT, BLOCK_UNINIT, INODE_ZEROED)
//	 0x1C    2    Unused inodes at the end of the inode table
//	 0x1E    2    crc16 checksum (GDT_CSUM)
type GroupDesc struct {
	BlockBitmap  uint32
	InodeBitmap  uint32
	InodeTable   uint32
	FreeBlocks   uint16
	FreeInodes   uint16
	UsedDirs     uint16
	Flags        uint16
	ItableUnused uint16
	Checksum     uint16
}

// ParseGroupDesc decodes a single descriptor.
func ParseGroupDesc(b []byte) (GroupDesc, error) {
	if len(b) < GroupDescSize {
		return GroupDesc{}, fmt.Errorf("group descriptor: %w", ErrTruncated)
	}
	return GroupDesc{
		BlockBitmap:  buf.U32LE(b[GDBlockBitmapOffset:]),
		InodeBitmap:  buf.U32LE(b[GDInodeBitmapOffset:]),
		InodeTable:   buf.U32LE(b[GDInodeTableOffset:]),
		FreeBlocks:   buf.U16LE(b[GDFreeBlocksOffset:]),
		FreeInodes:   buf.U16LE(b[GDFreeInodesOffset:]),
		UsedDirs:     buf.U16LE(b[GDUsedDirsOffset:]),
		Flags:        buf.U16LE(b[GDFlagsOffset:]),
		ItableUnused: buf.U16LE(b[GDItableUnusedOffset:]),
		Checksum:     buf.U16LE(b[GDChecksumOffset:]),
	}, nil
}

// EncodeInto writes the descriptor into b. Reserved bytes are left untouched.
func (g *GroupDesc) EncodeInto(b []byte) error {
	if len(b) < GroupDescSize {
		return fmt.Errorf("group descriptor: %w", ErrTruncated)
	}
	buf.PutU32LE(b[GDBlockBitmapOffset:], g.BlockBitmap)
	buf.PutU32LE(b[GDInodeBitmapOffset:], g.InodeBitmap)
	buf.PutU32LE(b[GDInodeTableOffset:], g.InodeTable)
	buf.PutU16LE(b[GDFreeBlocksOffset:], g.FreeBlocks)
	buf.PutU16LE(b[GDFreeInodesOffset:], g.FreeInodes)
	buf.PutU16LE(b[GDUsedDirsOffset:], g.UsedDirs)
	buf.PutU16LE(b[GDFlagsOffset:], g.Flags)
	buf.PutU16LE(b[GDItableUnusedOffset:], g.ItableUnused)
	buf.PutU16LE(b[GDChecksumOffset:], g.Checksum)
	return nil
}

// HasFlag reports whether flag is set in the descriptor's bg_flags.
func (g *GroupDesc) HasFlag(flag uint16) bool { return g.Flags&flag != 0 }

// ParseGroupTable decodes count descriptors from the start of b.
func ParseGroupTable(b []byte, count uint32) ([]GroupDesc, error) {
	if _, err := buf.CheckTableBounds(len(b), 0, int(count), GroupDescSize); err != nil {
		return nil, fmt.Errorf("group table: %w: %w", ErrTruncated, err)
	}
	out := make([]GroupDesc, count)
	for i := range out {
		gd, err := ParseGroupDesc(b[i*GroupDescSize:])
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", i, err)
		}
		out[i] = gd
	}
	return out, nil
}

// EncodeGroupTable writes groups into b. When uuid is non-nil each
// descriptor's checksum is recomputed first.
func EncodeGroupTable(b []byte, groups []GroupDesc, uuid *[16]byte) error {
	if _, err := buf.CheckTableBounds(len(b), 0, len(groups), GroupDescSize); err != nil {
		return fmt.Errorf("group table: %w: %w", ErrTruncated, err)
	}
	for i := range groups {
		raw := b[i*GroupDescSize : (i+1)*GroupDescSize]
		if err := groups[i].EncodeInto(raw); err != nil {
			return err
		}
		if uuid != nil {
			groups[i].Checksum = GroupChecksum(*uuid, uint32(i), raw)
			buf.PutU16LE(raw[GDChecksumOffset:], groups[i].Checksum)
		}
	}
	return nil
}

// GroupChecksum computes the uninit_bg checksum of an encoded descriptor:
// crc16(~0, uuid || le32(group) || desc[:0x1E]).
func GroupChecksum(uuid [16]byte, group uint32, raw []byte) uint16 {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], group)
	crc := CRC16(0xFFFF, uuid[:])
	crc = CRC16(crc, le[:])
	return CRC16(crc, raw[:GDChecksumOffset])
}

// VerifyGroupChecksum checks an encoded descriptor against its stored checksum.
func VerifyGroupChecksum(uuid [16]byte, group uint32, raw []byte) error {
	if len(raw) < GroupDescSize {
		return fmt.Errorf("group descriptor: %w", ErrTruncated)
	}
	want := buf.U16LE(raw[GDChecksumOffset:])
	if got := GroupChecksum(uuid, group, raw); got != want {
		return fmt.Errorf("group %d: stored %#04x computed %#04x: %w", group, want, got, ErrChecksum)
	}
	return nil
}
