package alloc

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSpace indicates that no group can satisfy the request.
	ErrNoSpace = errors.New("alloc: no space left on device")

	// ErrNoInodes indicates inode exhaustion. It matches ErrNoSpace.
	ErrNoInodes = fmt.Errorf("%w: no free inodes", ErrNoSpace)

	// ErrBadBlock indicates a block number outside the data area or inside
	// a group's metadata.
	ErrBadBlock = errors.New("alloc: bad block number")

	// ErrBadInode indicates an inode number out of range or reserved.
	ErrBadInode = errors.New("alloc: bad inode number")

	// ErrBadMapping indicates block pointers that disagree with the buffers
	// handed to ReallocBlocks.
	ErrBadMapping = errors.New("alloc: block map does not match buffers")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("alloc: allocator closed")
)
