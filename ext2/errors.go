package ext2

import (
	"errors"
	"fmt"
)

var (
	// ErrIO wraps every failed volume read or write.
	ErrIO = errors.New("ext2: I/O error")

	// ErrCorrupt marks on-disk state that contradicts the in-memory counters.
	ErrCorrupt = errors.New("ext2: filesystem corrupted")

	// ErrPoisoned is returned by every mutation after corruption was detected.
	ErrPoisoned = errors.New("ext2: filesystem poisoned")

	// ErrReadOnly is returned by mutations on a read-only mount.
	ErrReadOnly = errors.New("ext2: read-only filesystem")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ext2: filesystem closed")
)

// CorruptionError describes an invariant violation found in a block group.
// It matches ErrCorrupt with errors.Is.
type CorruptionError struct {
	Group  uint32
	Kind   string
	Detail string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("ext2: group %d: corrupted %s: %s", e.Group, e.Kind, e.Detail)
}

// Is reports whether target is ErrCorrupt.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupt
}

// Corruption builds a CorruptionError with a formatted detail.
func Corruption(group uint32, kind, format string, args ...any) *CorruptionError {
	return &CorruptionError{Group: group, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func ioError(op string, bno uint32, err error) error {
	return fmt.Errorf("%w: %s block %d: %w", ErrIO, op, bno, err)
}
