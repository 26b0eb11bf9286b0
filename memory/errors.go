package memory

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory is returned when no free block can satisfy a request and the heap could not be
	// extended. The heap is unchanged when it is returned.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrHeapLimit is returned when extending a heap would take its extent past its maximum size
	ErrHeapLimit = errors.New("heap limit reached")
	// ErrInvalidPointer is returned when a pointer does not address the payload of a live block
	ErrInvalidPointer = errors.New("invalid block pointer")
	// ErrInvalidHandle is returned when a handle is unknown, has been disposed, or its slot has been reused
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrWrongBlockType is returned when a direct block API is used on an indirect block or vice versa
	ErrWrongBlockType = errors.New("wrong block type")
	// ErrFakeBlock is returned when an operation that needs heap storage is applied to a fake indirect block
	ErrFakeBlock = errors.New("operation not supported on a fake indirect block")
	// ErrBlockLocked is returned when a resize would have to move a block whose busy count is nonzero
	ErrBlockLocked = errors.New("block is locked")
	// ErrBusyOverflow is returned when a block's busy count is already at its maximum
	ErrBusyOverflow = errors.New("busy count overflow")
	// ErrNotBusy is returned when decrementing the busy count of a block that is not busy
	ErrNotBusy = errors.New("block is not busy")
	// ErrReentrantCall is the panic value raised when the allocator is entered from a relocation callback
	ErrReentrantCall = errors.New("allocator entered from a relocation callback")
	// ErrHeapInUse is returned when destroying a heap that still holds client blocks
	ErrHeapInUse = errors.New("heap still has live blocks")
)
