// Package vmem provides implementations of memory.VirtualMemory.
package vmem

import "github.com/cockroachdb/errors"

var (
	// ErrBudgetExceeded is returned when locking pages would take a region past its budget
	ErrBudgetExceeded = errors.New("virtual memory budget exceeded")
	// ErrOutOfRange is returned for ranges outside the region or not aligned to its pages
	ErrOutOfRange = errors.New("range is outside of the region or not page aligned")
	// ErrLockState is returned when locking a locked page or unlocking an unlocked one
	ErrLockState = errors.New("page is not in the expected lock state")
)
