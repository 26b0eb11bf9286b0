package memory

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
	"golang.org/x/exp/slog"
)

const (
	// defaultPageSize is the page size used by heaps that specify neither a page size nor a
	// VirtualMemory to take one from
	defaultPageSize int = 4096
	// defaultMasterBatchSize is the number of master pointers allocated at a time when a heap's
	// master pointer pool runs dry
	defaultMasterBatchSize int = 32
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// DefaultPageSize is the page size of heaps that do not provide their own. It must be a power of two.
	DefaultPageSize int
	// DefaultMasterBatchSize is the master pointer batch size of heaps that do not provide their own
	DefaultMasterBatchSize int
}

// HeapCreateInfo describes a heap to create with Allocator.CreateHeap
type HeapCreateInfo struct {
	// Name is used in logs and statistics
	Name string
	// Base is the address of the first byte of Memory. It must be nonzero and aligned to BlockAlignment,
	// and [Base, Base+len(Memory)) must not overlap any other heap of the same Allocator.
	Base Ptr
	// Memory is the full reserved range of the heap. Its length is the heap's maximum size.
	Memory []byte
	// InitialExtent is the number of bytes of Memory the heap manages when created. Zero means all of it.
	InitialExtent int
	// PageSize is the granularity of ExtendVMHeap and ShrinkHeapLeaving. When zero, the page size of
	// VirtualMemory is used if present, otherwise CreateOptions.DefaultPageSize.
	PageSize int
	// VirtualMemory, if provided, makes the heap VM-backed: pages are locked before the heap grows
	// into them and unlocked after it shrinks away from them
	VirtualMemory VirtualMemory

	// MasterHeap is the heap that stores the master pointer batches used by indirect blocks of this
	// heap. Defaults to the heap itself.
	MasterHeap *Heap
	// RelocationHeap is the heap whose master pointer pool receives master pointers released by this
	// heap. Defaults to the heap itself.
	RelocationHeap *Heap
	// FixedHeap is the heap that direct blocks requested through this heap are placed in. Defaults
	// to the heap itself.
	FixedHeap *Heap
	// MasterBatchSize overrides CreateOptions.DefaultMasterBatchSize for this heap
	MasterBatchSize int

	// DisableCompactionSearch prevents allocations from compacting part of the heap when no single
	// free block is large enough
	DisableCompactionSearch bool
	// OnRelocate is called after every block move in this heap
	OnRelocate RelocationCallback
}

// New creates a new Allocator with no heaps.
//
// logger - The logger every operation is reported to
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	allocator := &Allocator{
		logger:          logger,
		pageSize:        options.DefaultPageSize,
		masterBatchSize: options.DefaultMasterBatchSize,
		heaps:           swiss.NewMap[uint32, *Heap](8),
		nextHeapID:      1,
	}

	if allocator.pageSize == 0 {
		allocator.pageSize = defaultPageSize
	}
	if allocator.masterBatchSize == 0 {
		allocator.masterBatchSize = defaultMasterBatchSize
	}

	err := memutils.CheckPow2(allocator.pageSize, "memory.CreateOptions.DefaultPageSize")
	if err != nil {
		return nil, err
	}
	if allocator.pageSize < HeaderSize {
		return nil, errors.Newf("memory.CreateOptions.DefaultPageSize is %d, which is smaller than a block header", allocator.pageSize)
	}
	if allocator.masterBatchSize < 0 {
		return nil, errors.Newf("memory.CreateOptions.DefaultMasterBatchSize must be positive, but is %d", options.DefaultMasterBatchSize)
	}

	return allocator, nil
}

// CreateHeap creates a heap over the provided address range and registers it with the allocator. The
// first heap created becomes the current heap.
func (a *Allocator) CreateHeap(info HeapCreateInfo) (*Heap, error) {
	a.checkReentry("Allocator::CreateHeap")
	a.logger.Debug("Allocator::CreateHeap", slog.String("Name", info.Name), slog.Int("Size", len(info.Memory)))

	pageSize := info.PageSize
	if pageSize == 0 && info.VirtualMemory != nil {
		pageSize = info.VirtualMemory.PageSize()
	}
	if pageSize == 0 {
		pageSize = a.pageSize
	}

	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, errors.Wrapf(err, "heap %s", info.Name)
	}
	if pageSize < HeaderSize {
		return nil, errors.Newf("heap %s: page size %d is smaller than a block header", info.Name, pageSize)
	}

	size := len(info.Memory)
	if info.Base == 0 {
		return nil, errors.Newf("heap %s: base address may not be nil", info.Name)
	}
	err = memutils.CheckAligned(int(info.Base), BlockAlignment, "base address")
	if err != nil {
		return nil, errors.Wrapf(err, "heap %s", info.Name)
	}
	err = memutils.CheckAligned(size, BlockAlignment, "memory length")
	if err != nil {
		return nil, errors.Wrapf(err, "heap %s", info.Name)
	}
	if uint64(info.Base)+uint64(size) > math.MaxUint32 {
		return nil, errors.Newf("heap %s: range [%#x, %#x) does not fit in the address space", info.Name, info.Base, uint64(info.Base)+uint64(size))
	}

	extent := info.InitialExtent
	if extent == 0 {
		extent = size
	}
	if extent < 0 || extent > size {
		return nil, errors.Newf("heap %s: initial extent %d is outside of the heap's %d bytes", info.Name, extent, size)
	}
	if extent < HeaderSize {
		return nil, errors.Newf("heap %s: initial extent %d cannot hold a single block", info.Name, extent)
	}
	err = memutils.CheckAligned(extent, BlockAlignment, "initial extent")
	if err != nil {
		return nil, errors.Wrapf(err, "heap %s", info.Name)
	}
	if info.VirtualMemory != nil {
		err = memutils.CheckAligned(extent, pageSize, "initial extent")
		if err != nil {
			return nil, errors.Wrapf(err, "heap %s", info.Name)
		}
	}

	var overlapping *Heap
	a.heaps.Iter(func(id uint32, other *Heap) bool {
		if uint64(info.Base) < uint64(other.base)+uint64(len(other.mem)) &&
			uint64(other.base) < uint64(info.Base)+uint64(size) {
			overlapping = other
			return true
		}
		return false
	})
	if overlapping != nil {
		return nil, errors.Newf("heap %s: range [%#x, %#x) overlaps heap %s", info.Name, info.Base, uint64(info.Base)+uint64(size), overlapping.name)
	}

	for _, related := range []*Heap{info.MasterHeap, info.RelocationHeap, info.FixedHeap} {
		if related != nil && (related.allocator != a || related.mem == nil) {
			return nil, errors.Newf("heap %s: related heap %s does not belong to this allocator", info.Name, related.name)
		}
	}

	batchSize := info.MasterBatchSize
	if batchSize == 0 {
		batchSize = a.masterBatchSize
	}
	if batchSize < 0 {
		return nil, errors.Newf("heap %s: master batch size must be positive, but is %d", info.Name, batchSize)
	}

	heap := &Heap{
		allocator: a,
		logger:    a.logger,
		id:        a.nextHeapID,
		name:      info.Name,

		base:     info.Base,
		mem:      info.Memory,
		extent:   extent,
		pageSize: pageSize,
		vm:       info.VirtualMemory,

		freeHead: noBlock,
		freeTail: noBlock,
		cursor:   noBlock,

		masterHeap:      info.MasterHeap,
		relocationHeap:  info.RelocationHeap,
		fixedHeap:       info.FixedHeap,
		masterFree:      nilLink,
		masterBatchSize: batchSize,

		compactionSearch: !info.DisableCompactionSearch,
		callbacks: &relocationCallbacks{
			Callback:  info.OnRelocate,
			Allocator: a,
		},
	}

	if heap.masterHeap == nil {
		heap.masterHeap = heap
	}
	if heap.relocationHeap == nil {
		heap.relocationHeap = heap
	}
	if heap.fixedHeap == nil {
		heap.fixedHeap = heap
	}

	if heap.vm != nil {
		err = heap.vm.SetHeapLimits(extent, size)
		if err != nil {
			return nil, errors.Wrapf(err, "heap %s: failed to set heap limits", info.Name)
		}

		err = heap.vm.LockRange(0, extent)
		if err != nil {
			return nil, errors.Wrapf(err, "heap %s: failed to lock initial extent", info.Name)
		}
		heap.maxExtent = extent
		heap.prevMaxExtent = extent
	}

	heap.setFreeChain(0, extent, noBlock, noBlock)
	heap.free = extent

	a.nextHeapID++
	a.heaps.Put(heap.id, heap)
	if a.current == nil {
		a.current = heap
	}

	memutils.DebugValidate(heap)
	return heap, nil
}

// DestroyHeap unregisters a heap. It fails if the heap still contains client blocks, if live handles
// still use master pointers stored in it, or if another heap still refers to it. Unreleased blocks are
// logged at error level.
func (a *Allocator) DestroyHeap(heap *Heap) error {
	a.checkReentry("Allocator::DestroyHeap")
	a.logger.Debug("Allocator::DestroyHeap", slog.String("Name", heap.name))

	if heap.allocator != a || heap.mem == nil {
		return errors.Newf("heap %s does not belong to this allocator", heap.name)
	}

	var referrer *Heap
	a.heaps.Iter(func(id uint32, other *Heap) bool {
		if other != heap && (other.masterHeap == heap || other.relocationHeap == heap || other.fixedHeap == heap) {
			referrer = other
			return true
		}
		return false
	})
	if referrer != nil {
		return errors.Newf("heap %s is still referenced by heap %s", heap.name, referrer.name)
	}

	unreleased := 0
	heap.visitBlocks(func(off, size int, free bool) {
		if free {
			return
		}

		block := heap.used(off)
		if block.isPrivate() {
			return
		}

		unreleased++
		heap.logUnreleasedBlock(block)
	})

	liveMasters := a.masters.liveCount(heap)
	if liveMasters > 0 {
		heap.logger.LogAttrs(context.Background(), slog.LevelError,
			"[UNRELEASED MEMORY] live master pointers",
			slog.String("heap", heap.name),
			slog.Int("count", liveMasters))
	}

	if unreleased > 0 || liveMasters > 0 {
		return errors.Wrapf(ErrHeapInUse, "heap %s: %d unreleased blocks, %d live master pointers", heap.name, unreleased, liveMasters)
	}

	// Master records live in the heap's own pages, so they are retired while the pages are still locked
	a.masters.retire(heap)
	a.heaps.Delete(heap.id)
	if a.current == heap {
		a.current = nil
	}

	var err error
	if heap.vm != nil && heap.maxExtent > 0 {
		err = heap.vm.UnlockRange(0, heap.maxExtent)
		if err != nil {
			err = errors.Wrapf(err, "heap %s: destroyed, but failed to unlock its pages", heap.name)
		}
	}

	heap.mem = nil
	return err
}
