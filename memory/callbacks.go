package memory

// RelocationEvent describes a single block move performed by compaction or resize
type RelocationEvent struct {
	// HeapID identifies the heap the block lives in
	HeapID uint32
	// Old is the payload address before the move
	Old Ptr
	// New is the payload address after the move
	New Ptr
	// Size is the payload size of the block
	Size int
	// Handle is the handle of an indirect block, or zero for a direct block
	Handle Handle
}

// RelocationCallback is called after each block move, once the block's bytes and its handle are in
// their new position. It must not call back into the Allocator: doing so panics with ErrReentrantCall.
type RelocationCallback func(event RelocationEvent)

type relocationCallbacks struct {
	Callback  RelocationCallback
	Allocator *Allocator
}

func (c *relocationCallbacks) Relocated(event RelocationEvent) {
	if c.Callback == nil {
		return
	}

	c.Allocator.guard.Run(func() {
		c.Callback(event)
	})
}
