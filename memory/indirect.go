package memory

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
	"golang.org/x/exp/slog"
)

// NewIndirectBlock allocates a block with a payload of size bytes in this heap and returns a handle to
// it. If the heap has more than one free block it is compacted first.
func (h *Heap) NewIndirectBlock(size int) (Handle, error) {
	h.allocator.checkReentry("Heap::NewIndirectBlock")
	h.logger.Debug("Heap::NewIndirectBlock", slog.Int("Size", size))

	if h.freeHead != h.freeTail {
		h.compact(nil)
	}

	slot, err := h.allocator.allocateMasterPointer(h)
	if err != nil {
		return 0, err
	}

	off, err := h.newBlock(size, BlockOptions{}, BlockIndirect, slot)
	if err != nil {
		h.allocator.freeMasterPointer(slot, h)
		return 0, err
	}

	record := h.allocator.masters.mustRecord(slot)
	record.setPtr(h.payloadPtr(off))
	record.setLink(h.id)

	memutils.DebugValidate(h)
	return makeHandle(slot, record.generation()), nil
}

// NewFakeIndirectBlock wraps size bytes of memory at addr, which no heap manages, in a handle drawn from
// this heap's pool. The memory is never moved, resized or released by the allocator.
func (h *Heap) NewFakeIndirectBlock(addr Ptr, size int) (Handle, error) {
	h.allocator.checkReentry("Heap::NewFakeIndirectBlock")
	h.logger.Debug("Heap::NewFakeIndirectBlock", slog.Int("Size", size))

	if addr == 0 {
		return 0, errors.Wrap(ErrInvalidPointer, "fake indirect blocks may not wrap a nil address")
	}
	if size < 0 || int64(size) > math.MaxUint32 {
		return 0, errors.Newf("fake indirect block size %d is out of range", size)
	}

	slot, err := h.allocator.allocateMasterPointer(h)
	if err != nil {
		return 0, err
	}

	record := h.allocator.masters.mustRecord(slot)
	record.setPtr(addr)
	record.setLink(uint32(size))
	record.setFlags(masterLive | masterFake)

	return makeHandle(slot, record.generation()), nil
}

// indirectBlock resolves a handle to the heap and block offset it refers to
func (a *Allocator) indirectBlock(handle Handle) (*Heap, int, error) {
	record, err := a.masters.resolve(handle)
	if err != nil {
		return nil, 0, err
	}
	if record.isFake() {
		return nil, 0, errors.Wrapf(ErrFakeBlock, "handle %#x", uint64(handle))
	}

	heap, ok := a.heaps.Get(record.link())
	if !ok {
		panic(errors.AssertionFailedf("handle %#x refers to heap %d, which does not exist", uint64(handle), record.link()))
	}

	off, err := heap.blockOffset(record.ptr())
	if err != nil {
		panic(errors.AssertionFailedf("handle %#x holds %#x, which is not a block: %v", uint64(handle), record.ptr(), err))
	}

	return heap, off, nil
}

// Deref returns the current payload address of the block a handle refers to. For a fake indirect
// block, this is the address it wraps.
func (a *Allocator) Deref(handle Handle) (Ptr, error) {
	a.checkReentry("Allocator::Deref")

	record, err := a.masters.resolve(handle)
	if err != nil {
		return 0, err
	}
	return record.ptr(), nil
}

// HandleBytes returns the payload of the block a handle refers to. The slice aliases heap memory and is
// only valid until the next call that may move blocks, unless the block is pinned.
func (a *Allocator) HandleBytes(handle Handle) ([]byte, error) {
	a.checkReentry("Allocator::HandleBytes")

	heap, off, err := a.indirectBlock(handle)
	if err != nil {
		return nil, err
	}
	return heap.used(off).data(), nil
}

// DisposeIndirectBlock releases the block a handle refers to, unless it is a fake indirect block, and
// returns the master pointer to the pool. The handle and every copy of it become invalid.
func (a *Allocator) DisposeIndirectBlock(handle Handle) error {
	a.checkReentry("Allocator::DisposeIndirectBlock")
	a.logger.Debug("Allocator::DisposeIndirectBlock")

	record, err := a.masters.resolve(handle)
	if err != nil {
		return err
	}

	if record.isFake() {
		owner := a.masters.slots[handle.slot()].origin
		if owner == nil {
			owner = record.h
		}
		a.freeMasterPointer(handle.slot(), owner)
		return nil
	}

	heap, off, err := a.indirectBlock(handle)
	if err != nil {
		return err
	}

	block := heap.used(off)
	if block.locked() {
		panic(errors.AssertionFailedf("heap %s: attempted to dispose indirect block %#x while its busy count is %d", heap.name, block.payload(), block.busy()))
	}

	heap.killBlock(off)
	a.freeMasterPointer(handle.slot(), heap)

	memutils.DebugValidate(heap)
	return nil
}

// GetIndirectBlockSize returns the payload size of the block a handle refers to
func (a *Allocator) GetIndirectBlockSize(handle Handle) (int, error) {
	a.checkReentry("Allocator::GetIndirectBlockSize")

	heap, off, err := a.indirectBlock(handle)
	if err != nil {
		return 0, err
	}
	return heap.used(off).payloadSize(), nil
}

// SetIndirectBlockSize resizes the block a handle refers to and returns its new payload address. The
// handle stays valid whether or not the block moved.
func (a *Allocator) SetIndirectBlockSize(handle Handle, size int) (Ptr, error) {
	a.checkReentry("Allocator::SetIndirectBlockSize")
	a.logger.Debug("Allocator::SetIndirectBlockSize", slog.Int("Size", size))

	heap, off, err := a.indirectBlock(handle)
	if err != nil {
		return 0, err
	}

	off, err = heap.setBlockSize(off, size)
	memutils.DebugValidate(heap)
	return heap.payloadPtr(off), err
}

// IsFakeIndirectBlock reports whether a handle wraps external memory
func (a *Allocator) IsFakeIndirectBlock(handle Handle) (bool, error) {
	a.checkReentry("Allocator::IsFakeIndirectBlock")

	record, err := a.masters.resolve(handle)
	if err != nil {
		return false, err
	}
	return record.isFake(), nil
}

// GetFakeIndirectBlockSize returns the size of the external memory a fake indirect block wraps
func (a *Allocator) GetFakeIndirectBlockSize(handle Handle) (int, error) {
	a.checkReentry("Allocator::GetFakeIndirectBlockSize")

	record, err := a.masters.resolve(handle)
	if err != nil {
		return 0, err
	}
	if !record.isFake() {
		return 0, errors.Wrapf(ErrWrongBlockType, "handle %#x refers to a heap block", uint64(handle))
	}
	return int(record.link()), nil
}
