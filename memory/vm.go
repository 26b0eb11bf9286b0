package memory

//go:generate mockgen -source vm.go -destination ./mocks/vm.go -package mocks

// VirtualMemory is the capability a VM-backed heap uses to commit and release the pages behind its
// address range. Offsets and sizes are relative to the start of the heap and are always multiples of
// PageSize.
type VirtualMemory interface {
	// PageSize is the granularity of LockRange and UnlockRange
	PageSize() int
	// SetHeapLimits declares the minimum number of bytes the heap needs committed and the maximum it
	// may ever ask for
	SetHeapLimits(minSize, maxSize int) error
	// LockRange commits the pages in [offset, offset+size)
	LockRange(offset, size int) error
	// UnlockRange releases the pages in [offset, offset+size). Their contents are lost.
	UnlockRange(offset, size int) error
}
