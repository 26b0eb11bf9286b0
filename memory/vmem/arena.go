package vmem

import (
	"github.com/cockroachdb/errors"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
)

// Arena is a VirtualMemory over an ordinary byte slice. It tracks which pages are locked and refuses to
// lock more than its budget, which makes it suitable for exercising heap growth limits. Unlocked pages
// are scribbled over so that stale reads are noticeable.
type Arena struct {
	pageSize    int
	budget      int
	data        []byte
	locked      []bool
	lockedBytes int
	minSize     int
	maxSize     int
}

const unlockedFill byte = 0xCD

// NewArena creates an Arena of size bytes, rounded up to pageSize. budget is the maximum number of bytes
// that may be locked at once; zero means the whole arena.
func NewArena(size, pageSize, budget int) (*Arena, error) {
	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, errors.Newf("arena size must be positive, but is %d", size)
	}

	size = memutils.AlignUp(size, uint(pageSize))
	if budget == 0 || budget > size {
		budget = size
	}

	arena := &Arena{
		pageSize: pageSize,
		budget:   budget,
		data:     make([]byte, size),
		locked:   make([]bool, size/pageSize),
		maxSize:  size,
	}

	for i := range arena.data {
		arena.data[i] = unlockedFill
	}

	return arena, nil
}

// Bytes returns the arena's memory, which is what a heap should be created over
func (a *Arena) Bytes() []byte { return a.data }

func (a *Arena) PageSize() int { return a.pageSize }

// LockedBytes returns the number of bytes currently locked
func (a *Arena) LockedBytes() int { return a.lockedBytes }

// Limits returns the values of the last successful SetHeapLimits call
func (a *Arena) Limits() (minSize, maxSize int) { return a.minSize, a.maxSize }

// IsLocked reports whether the page containing offset is locked
func (a *Arena) IsLocked(offset int) bool {
	if offset < 0 || offset >= len(a.data) {
		return false
	}
	return a.locked[offset/a.pageSize]
}

func (a *Arena) SetHeapLimits(minSize, maxSize int) error {
	if minSize < 0 || minSize > maxSize || maxSize > len(a.data) {
		return errors.Wrapf(ErrOutOfRange, "heap limits [%d, %d) in an arena of %d bytes", minSize, maxSize, len(a.data))
	}
	if minSize > a.budget {
		return errors.Wrapf(ErrBudgetExceeded, "minimum size %d is above the budget of %d", minSize, a.budget)
	}

	a.minSize = minSize
	a.maxSize = maxSize
	return nil
}

func (a *Arena) checkRange(offset, size int) error {
	if offset < 0 || size < 0 || offset+size > len(a.data) || offset%a.pageSize != 0 || size%a.pageSize != 0 {
		return errors.Wrapf(ErrOutOfRange, "[%d, %d) with page size %d", offset, offset+size, a.pageSize)
	}
	return nil
}

func (a *Arena) LockRange(offset, size int) error {
	err := a.checkRange(offset, size)
	if err != nil {
		return err
	}

	if a.lockedBytes+size > a.budget {
		return errors.Wrapf(ErrBudgetExceeded, "locking %d bytes with %d of %d already locked", size, a.lockedBytes, a.budget)
	}

	first, last := offset/a.pageSize, (offset+size)/a.pageSize
	for page := first; page < last; page++ {
		if a.locked[page] {
			return errors.Wrapf(ErrLockState, "page %d is already locked", page)
		}
	}

	for page := first; page < last; page++ {
		a.locked[page] = true
	}
	a.lockedBytes += size
	return nil
}

func (a *Arena) UnlockRange(offset, size int) error {
	err := a.checkRange(offset, size)
	if err != nil {
		return err
	}

	first, last := offset/a.pageSize, (offset+size)/a.pageSize
	for page := first; page < last; page++ {
		if !a.locked[page] {
			return errors.Wrapf(ErrLockState, "page %d is not locked", page)
		}
	}

	for page := first; page < last; page++ {
		a.locked[page] = false
	}
	for i := offset; i < offset+size; i++ {
		a.data[i] = unlockedFill
	}
	a.lockedBytes -= size
	return nil
}
