package memory

import "github.com/cockroachdb/errors"

func (h *Heap) introspect(operation string, ptr Ptr) (usedBlock, error) {
	h.allocator.checkReentry(operation)

	off, err := h.blockOffset(ptr)
	if err != nil {
		return usedBlock{}, err
	}
	return h.used(off), nil
}

// BlockSize returns the payload size of the block at ptr
func (h *Heap) BlockSize(ptr Ptr) (int, error) {
	block, err := h.introspect("Heap::BlockSize", ptr)
	if err != nil {
		return 0, err
	}
	return block.payloadSize(), nil
}

// BlockType returns the type tag of the block at ptr
func (h *Heap) BlockType(ptr Ptr) (uint8, error) {
	block, err := h.introspect("Heap::BlockType", ptr)
	if err != nil {
		return 0, err
	}
	return block.tag(), nil
}

// BlockOwner returns the owning task id of the block at ptr
func (h *Heap) BlockOwner(ptr Ptr) (uint32, error) {
	block, err := h.introspect("Heap::BlockOwner", ptr)
	if err != nil {
		return 0, err
	}
	return block.owner(), nil
}

// BlockBusy returns the busy count of the block at ptr
func (h *Heap) BlockBusy(ptr Ptr) (int, error) {
	block, err := h.introspect("Heap::BlockBusy", ptr)
	if err != nil {
		return 0, err
	}
	return block.busy(), nil
}

// BlockDelta returns the number of bytes in the block at ptr that are neither header nor payload
func (h *Heap) BlockDelta(ptr Ptr) (int, error) {
	block, err := h.introspect("Heap::BlockDelta", ptr)
	if err != nil {
		return 0, err
	}
	return block.delta(), nil
}

// BlockFlags returns the header flags of the block at ptr
func (h *Heap) BlockFlags(ptr Ptr) (BlockFlags, error) {
	block, err := h.introspect("Heap::BlockFlags", ptr)
	if err != nil {
		return 0, err
	}
	return block.flags(), nil
}

// BlockHeap returns the heap that owns the block at ptr
func (a *Allocator) BlockHeap(ptr Ptr) (*Heap, error) {
	a.checkReentry("Allocator::BlockHeap")

	heap, err := a.HeapForPtr(ptr)
	if err != nil {
		return nil, err
	}

	off, err := heap.blockOffset(ptr)
	if err != nil {
		return nil, err
	}

	block := heap.used(off)
	owner := block.link()
	if block.isIndirect() {
		owner = a.masters.mustRecord(block.link()).link()
	}

	result, ok := a.heaps.Get(owner)
	if !ok {
		panic(errors.AssertionFailedf("block %#x is linked to heap %d, which does not exist", ptr, owner))
	}
	return result, nil
}

// IncrementBusy raises the busy count of the block at ptr. Blocks with a nonzero busy count are never
// moved by compaction or resizing.
func (h *Heap) IncrementBusy(ptr Ptr) error {
	block, err := h.introspect("Heap::IncrementBusy", ptr)
	if err != nil {
		return err
	}

	if block.busy() >= maxBusy {
		return errors.Wrapf(ErrBusyOverflow, "block %#x", ptr)
	}

	block.setBusy(block.busy() + 1)
	return nil
}

// DecrementBusy lowers the busy count of the block at ptr
func (h *Heap) DecrementBusy(ptr Ptr) error {
	block, err := h.introspect("Heap::DecrementBusy", ptr)
	if err != nil {
		return err
	}

	if block.busy() == 0 {
		return errors.Wrapf(ErrNotBusy, "block %#x", ptr)
	}

	block.setBusy(block.busy() - 1)
	return nil
}

// SetBusy overwrites the busy count of the block at ptr
func (h *Heap) SetBusy(ptr Ptr, busy int) error {
	block, err := h.introspect("Heap::SetBusy", ptr)
	if err != nil {
		return err
	}

	if busy < 0 || busy > maxBusy {
		return errors.Wrapf(ErrBusyOverflow, "busy count %d for block %#x", busy, ptr)
	}

	block.setBusy(busy)
	return nil
}

// Pin raises the busy count of the block at ptr and returns a function that lowers it again. The
// returned function may be called more than once; only the first call has any effect.
func (h *Heap) Pin(ptr Ptr) (func(), error) {
	h.logger.Debug("Heap::Pin")

	err := h.IncrementBusy(ptr)
	if err != nil {
		return nil, err
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		err := h.DecrementBusy(ptr)
		if err != nil {
			panic(errors.NewAssertionErrorWithWrappedErrf(err, "heap %s: pinned block %#x was unpinned elsewhere", h.name, ptr))
		}
	}, nil
}
