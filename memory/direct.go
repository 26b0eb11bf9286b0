package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
	"golang.org/x/exp/slog"
)

// NewDirectBlock allocates a block that the client refers to by its payload address. It is placed in
// this heap's fixed heap, which is the heap itself unless configured otherwise. The block never moves
// except when the client resizes it.
func (h *Heap) NewDirectBlock(size int) (Ptr, error) {
	h.allocator.checkReentry("Heap::NewDirectBlock")
	h.logger.Debug("Heap::NewDirectBlock", slog.Int("Size", size))

	fixed := h.fixedHeap
	off, err := fixed.newBlock(size, BlockOptions{}, 0, fixed.id)
	if err != nil {
		return 0, err
	}

	memutils.DebugValidate(fixed)
	return fixed.payloadPtr(off), nil
}

// directBlock resolves ptr to a direct block of this heap or of its fixed heap
func (h *Heap) directBlock(ptr Ptr) (*Heap, int, error) {
	heap := h
	if !h.holdsPayload(ptr) && h.fixedHeap.holdsPayload(ptr) {
		heap = h.fixedHeap
	}

	off, err := heap.blockOffset(ptr)
	if err != nil {
		return nil, 0, err
	}

	if heap.used(off).isIndirect() {
		return nil, 0, errors.Wrapf(ErrWrongBlockType, "%#x is an indirect block", ptr)
	}

	return heap, off, nil
}

// DisposeDirectBlock releases a direct block
func (h *Heap) DisposeDirectBlock(ptr Ptr) error {
	h.allocator.checkReentry("Heap::DisposeDirectBlock")
	h.logger.Debug("Heap::DisposeDirectBlock")

	heap, off, err := h.directBlock(ptr)
	if err != nil {
		return err
	}

	block := heap.used(off)
	if block.locked() {
		panic(errors.AssertionFailedf("heap %s: attempted to dispose direct block %#x while its busy count is %d", heap.name, ptr, block.busy()))
	}

	heap.killBlock(off)
	memutils.DebugValidate(heap)
	return nil
}

// GetDirectBlockSize returns the payload size of a direct block
func (h *Heap) GetDirectBlockSize(ptr Ptr) (int, error) {
	h.allocator.checkReentry("Heap::GetDirectBlockSize")

	heap, off, err := h.directBlock(ptr)
	if err != nil {
		return 0, err
	}
	return heap.used(off).payloadSize(), nil
}

// SetDirectBlockSize resizes a direct block. The returned address replaces ptr, which is no longer
// valid if the block moved.
func (h *Heap) SetDirectBlockSize(ptr Ptr, size int) (Ptr, error) {
	h.allocator.checkReentry("Heap::SetDirectBlockSize")
	h.logger.Debug("Heap::SetDirectBlockSize", slog.Int("Size", size))

	heap, off, err := h.directBlock(ptr)
	if err != nil {
		return ptr, err
	}

	off, err = heap.setBlockSize(off, size)
	memutils.DebugValidate(heap)
	return heap.payloadPtr(off), err
}

// Bytes returns the payload of the block at ptr. The slice aliases heap memory and is only valid
// until the next call that may move or release the block.
func (h *Heap) Bytes(ptr Ptr) ([]byte, error) {
	h.allocator.checkReentry("Heap::Bytes")

	off, err := h.blockOffset(ptr)
	if err != nil {
		return nil, err
	}
	return h.used(off).data(), nil
}
