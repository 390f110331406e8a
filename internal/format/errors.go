package format

import "errors"

var (
	// ErrSignatureMismatch indicates the superblock magic was not 0xEF53.
	ErrSignatureMismatch = errors.New("format: signature mismatch")
	// ErrTruncated indicates the buffer lacked the bytes required for a structure.
	ErrTruncated = errors.New("format: truncated buffer")
	// ErrGeometry indicates superblock geometry fields contradict each other.
	ErrGeometry = errors.New("format: inconsistent geometry")
	// ErrUnsupported indicates the structure or feature is not supported.
	ErrUnsupported = errors.New("format: unsupported feature")
	// ErrChecksum indicates a group descriptor checksum mismatch.
	ErrChecksum = errors.New("format: checksum mismatch")
)
