package buf

import "testing"

func TestLittleEndianRoundTrip(t *testing.T) {
	b := make([]byte, 6)
	PutU16LE(b, 0xEF53)
	PutU32LE(b[2:], 0xDEADBEEF)
	if b[0] != 0x53 || b[1] != 0xEF {
		t.Fatalf("PutU16LE byte order: % x", b[:2])
	}
	if got := U16LE(b); got != 0xEF53 {
		t.Fatalf("U16LE=%#x", got)
	}
	if got := U32LE(b[2:]); got != 0xDEADBEEF {
		t.Fatalf("U32LE=%#x", got)
	}
}

func TestShortBuffers(t *testing.T) {
	if U16LE([]byte{1}) != 0 || U32LE([]byte{1, 2, 3}) != 0 {
		t.Fatalf("short reads must return 0")
	}
	b := []byte{7}
	PutU32LE(b, 1)
	if b[0] != 7 {
		t.Fatalf("short write must not modify buffer")
	}
}
