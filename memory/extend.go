package memory

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
	"golang.org/x/exp/slog"
)

// ExtendVMHeap grows the heap by at least amount bytes, rounded up to the page size. VM-backed heaps
// lock the new pages first. Either the heap grows by the full rounded amount or it does not change.
func (h *Heap) ExtendVMHeap(amount int) error {
	h.allocator.checkReentry("Heap::ExtendVMHeap")
	h.logger.Debug("Heap::ExtendVMHeap", slog.Int("Amount", amount))

	err := h.extendVMHeap(amount)
	memutils.DebugValidate(h)
	return err
}

func (h *Heap) extendVMHeap(amount int) error {
	if amount <= 0 {
		return nil
	}

	amount = memutils.AlignUp(amount, uint(h.pageSize))
	newExtent := h.extent + amount
	if newExtent > len(h.mem) {
		return errors.Wrapf(ErrHeapLimit, "heap %s: extending by %d bytes would exceed its size of %d", h.name, amount, len(h.mem))
	}

	if h.vm != nil && newExtent > h.maxExtent {
		h.prevMaxExtent = h.maxExtent

		err := h.vm.SetHeapLimits(newExtent, len(h.mem))
		if err != nil {
			h.restoreHeapLimits()
			return errors.Wrapf(err, "heap %s: failed to raise heap limits to %d", h.name, newExtent)
		}

		err = h.vm.LockRange(h.maxExtent, newExtent-h.maxExtent)
		if err != nil {
			h.restoreHeapLimits()
			return errors.Wrapf(err, "heap %s: failed to lock [%d, %d)", h.name, h.maxExtent, newExtent)
		}

		h.maxExtent = newExtent
	}

	oldEnd := h.extent
	h.extent = newExtent
	h.free += amount

	if h.freeTail != noBlock && h.freeAt(h.freeTail).end() == oldEnd {
		tail := h.freeAt(h.freeTail)
		tail.setSize(tail.size() + amount)
	} else {
		h.setFreeChain(oldEnd, amount, h.freeTail, noBlock)
	}

	return nil
}

func (h *Heap) restoreHeapLimits() {
	h.maxExtent = h.prevMaxExtent

	err := h.vm.SetHeapLimits(h.prevMaxExtent, len(h.mem))
	if err != nil {
		h.logger.LogAttrs(context.Background(), slog.LevelError, "failed to restore heap limits",
			slog.String("heap", h.name),
			slog.Int("maxExtent", h.prevMaxExtent),
			slog.Any("error", err))
	}
}

// ShrinkHeapLeaving gives back the pages at the end of the heap that its trailing free block covers,
// keeping at least leaving bytes (and never less than a block header) free at the end. It only shrinks
// when the heap ends in a free block, and returns the number of bytes released.
func (h *Heap) ShrinkHeapLeaving(leaving int) (int, error) {
	h.allocator.checkReentry("Heap::ShrinkHeapLeaving")
	h.logger.Debug("Heap::ShrinkHeapLeaving", slog.Int("Leaving", leaving))

	if h.freeTail == noBlock {
		return 0, nil
	}

	tail := h.freeAt(h.freeTail)
	if tail.end() != h.extent {
		return 0, nil
	}

	keep := leaving
	if keep < HeaderSize {
		keep = HeaderSize
	}

	newEnd := memutils.AlignUp(tail.off+keep, uint(h.pageSize))
	if newEnd >= h.extent {
		return 0, nil
	}

	if h.vm != nil {
		h.prevMaxExtent = h.maxExtent

		err := h.vm.SetHeapLimits(newEnd, len(h.mem))
		if err != nil {
			h.restoreHeapLimits()
			return 0, errors.Wrapf(err, "heap %s: failed to lower heap limits to %d", h.name, newEnd)
		}

		err = h.vm.UnlockRange(newEnd, h.maxExtent-newEnd)
		if err != nil {
			h.restoreHeapLimits()
			return 0, errors.Wrapf(err, "heap %s: failed to unlock [%d, %d)", h.name, newEnd, h.maxExtent)
		}

		h.maxExtent = newEnd
	}

	released := h.extent - newEnd
	tail.setSize(newEnd - tail.off)
	h.extent = newEnd
	h.free -= released

	memutils.DebugValidate(h)
	return released, nil
}
