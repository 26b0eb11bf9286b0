//go:build linux || darwin || freebsd

package vmem

import (
	"github.com/cockroachdb/errors"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
	"golang.org/x/sys/unix"
)

// Mapped is a VirtualMemory backed by an anonymous mapping. The whole range is reserved without access
// when created; LockRange makes pages readable and writable and UnlockRange returns them to the kernel.
// Touching a page that is not locked faults.
type Mapped struct {
	pageSize int
	data     []byte
}

// NewMapped reserves size bytes, rounded up to the system page size
func NewMapped(size int) (*Mapped, error) {
	pageSize := unix.Getpagesize()
	if size <= 0 {
		return nil, errors.Newf("mapping size must be positive, but is %d", size)
	}

	size = memutils.AlignUp(size, uint(pageSize))
	data, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes", size)
	}

	return &Mapped{pageSize: pageSize, data: data}, nil
}

// Bytes returns the mapping, which is what a heap should be created over
func (m *Mapped) Bytes() []byte { return m.data }

func (m *Mapped) PageSize() int { return m.pageSize }

func (m *Mapped) SetHeapLimits(minSize, maxSize int) error {
	if minSize < 0 || minSize > maxSize || maxSize > len(m.data) {
		return errors.Wrapf(ErrOutOfRange, "heap limits [%d, %d) in a mapping of %d bytes", minSize, maxSize, len(m.data))
	}
	return nil
}

func (m *Mapped) span(offset, size int) ([]byte, error) {
	if offset < 0 || size < 0 || offset+size > len(m.data) || offset%m.pageSize != 0 || size%m.pageSize != 0 {
		return nil, errors.Wrapf(ErrOutOfRange, "[%d, %d) with page size %d", offset, offset+size, m.pageSize)
	}
	return m.data[offset : offset+size], nil
}

func (m *Mapped) LockRange(offset, size int) error {
	if size == 0 {
		return nil
	}

	span, err := m.span(offset, size)
	if err != nil {
		return err
	}

	err = unix.Mprotect(span, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return errors.Wrapf(err, "failed to lock [%d, %d)", offset, offset+size)
	}
	return nil
}

func (m *Mapped) UnlockRange(offset, size int) error {
	if size == 0 {
		return nil
	}

	span, err := m.span(offset, size)
	if err != nil {
		return err
	}

	err = unix.Madvise(span, unix.MADV_DONTNEED)
	if err != nil {
		return errors.Wrapf(err, "failed to release [%d, %d)", offset, offset+size)
	}

	err = unix.Mprotect(span, unix.PROT_NONE)
	if err != nil {
		return errors.Wrapf(err, "failed to unlock [%d, %d)", offset, offset+size)
	}
	return nil
}

// Close unmaps the region. Heaps created over it must be destroyed first.
func (m *Mapped) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
