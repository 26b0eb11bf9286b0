package memory

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/newtonresearch/newton-framework-sub009/memory/internal/utils"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
	"golang.org/x/exp/slog"
)

// Allocator owns a set of heaps, the master pointer table their handles are drawn from, and the
// current heap selection. It is not safe for concurrent use.
type Allocator struct {
	logger          *slog.Logger
	pageSize        int
	masterBatchSize int

	heaps      *swiss.Map[uint32, *Heap]
	nextHeapID uint32
	current    *Heap

	masters masterTable
	guard   utils.CallbackGuard
}

func (a *Allocator) checkReentry(operation string) {
	if a.guard.Active() {
		panic(errors.Wrapf(ErrReentrantCall, "%s", operation))
	}
}

// Heaps returns every registered heap, ordered by base address
func (a *Allocator) Heaps() []*Heap {
	heaps := make([]*Heap, 0, a.heaps.Count())
	a.heaps.Iter(func(id uint32, heap *Heap) bool {
		heaps = append(heaps, heap)
		return false
	})

	sort.Slice(heaps, func(i, j int) bool {
		return heaps[i].base < heaps[j].base
	})
	return heaps
}

// HeapByID returns the registered heap with the provided id
func (a *Allocator) HeapByID(id uint32) (*Heap, bool) {
	return a.heaps.Get(id)
}

// HeapForPtr returns the heap whose address range contains ptr
func (a *Allocator) HeapForPtr(ptr Ptr) (*Heap, error) {
	var found *Heap
	a.heaps.Iter(func(id uint32, heap *Heap) bool {
		if heap.holdsPayload(ptr) {
			found = heap
			return true
		}
		if found == nil && heap.Contains(ptr) {
			found = heap
		}
		return false
	})

	if found == nil {
		return nil, errors.Wrapf(ErrInvalidPointer, "no heap contains %#x", ptr)
	}
	return found, nil
}

func (a *Allocator) currentOrError() (*Heap, error) {
	if a.current == nil {
		return nil, errors.New("no current heap is selected")
	}
	return a.current, nil
}

// NewDirectBlock allocates a direct block through the current heap
func (a *Allocator) NewDirectBlock(size int) (Ptr, error) {
	a.checkReentry("Allocator::NewDirectBlock")

	heap, err := a.currentOrError()
	if err != nil {
		return 0, err
	}
	return heap.NewDirectBlock(size)
}

// DisposeDirectBlock releases a direct block in whichever heap contains it
func (a *Allocator) DisposeDirectBlock(ptr Ptr) error {
	a.checkReentry("Allocator::DisposeDirectBlock")

	heap, err := a.HeapForPtr(ptr)
	if err != nil {
		return err
	}
	return heap.DisposeDirectBlock(ptr)
}

// GetDirectBlockSize returns the payload size of a direct block in whichever heap contains it
func (a *Allocator) GetDirectBlockSize(ptr Ptr) (int, error) {
	a.checkReentry("Allocator::GetDirectBlockSize")

	heap, err := a.HeapForPtr(ptr)
	if err != nil {
		return 0, err
	}
	return heap.GetDirectBlockSize(ptr)
}

// SetDirectBlockSize resizes a direct block in whichever heap contains it
func (a *Allocator) SetDirectBlockSize(ptr Ptr, size int) (Ptr, error) {
	a.checkReentry("Allocator::SetDirectBlockSize")

	heap, err := a.HeapForPtr(ptr)
	if err != nil {
		return ptr, err
	}
	return heap.SetDirectBlockSize(ptr, size)
}

// NewIndirectBlock allocates an indirect block in the current heap
func (a *Allocator) NewIndirectBlock(size int) (Handle, error) {
	a.checkReentry("Allocator::NewIndirectBlock")

	heap, err := a.currentOrError()
	if err != nil {
		return 0, err
	}
	return heap.NewIndirectBlock(size)
}

// NewFakeIndirectBlock wraps external memory in a handle drawn from the current heap's pool
func (a *Allocator) NewFakeIndirectBlock(addr Ptr, size int) (Handle, error) {
	a.checkReentry("Allocator::NewFakeIndirectBlock")

	heap, err := a.currentOrError()
	if err != nil {
		return 0, err
	}
	return heap.NewFakeIndirectBlock(addr, size)
}

// CalculateStatistics summarizes every heap of the allocator
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()

	for _, heap := range a.Heaps() {
		heap.AddDetailedStatistics(stats)
	}
}

// BuildStatsString returns a JSON document describing every heap. When detailed is true, every block
// of every heap is listed.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.checkReentry("Allocator::BuildStatsString")

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	var total memutils.DetailedStatistics
	a.CalculateStatistics(&total)

	totalObj := rootObj.Name("Total").Object()
	printDetailedStatistics(&totalObj, &total)
	totalObj.End()

	heapsObj := rootObj.Name("Heaps").Object()
	for _, heap := range a.Heaps() {
		heapObj := heapsObj.Name(heap.name).Object()
		heap.printJson(&heapObj, detailed)
		heapObj.End()
	}
	heapsObj.End()

	rootObj.End()

	return string(writer.Bytes())
}
