package memory

// CurrentHeap returns the heap that allocator-level allocations target, or nil if none is selected
func (a *Allocator) CurrentHeap() *Heap {
	return a.current
}

// SetCurrentHeap selects the heap that allocator-level allocations target and returns the previous one
func (a *Allocator) SetCurrentHeap(heap *Heap) *Heap {
	a.checkReentry("Allocator::SetCurrentHeap")

	if heap != nil && heap.allocator != a {
		panic("attempted to select a heap that belongs to a different allocator")
	}

	previous := a.current
	a.current = heap
	return previous
}

// UseHeap selects heap as the current heap and returns a function that restores the previous selection.
// It is intended to be deferred:
//
//	defer allocator.UseHeap(heap)()
func (a *Allocator) UseHeap(heap *Heap) (restore func()) {
	previous := a.SetCurrentHeap(heap)
	restored := false

	return func() {
		if restored {
			return
		}
		restored = true
		a.SetCurrentHeap(previous)
	}
}
