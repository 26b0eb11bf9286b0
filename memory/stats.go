package memory

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
)

// AddStatistics adds this heap to a running summary
func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += h.extent

	h.visitBlocks(func(off, size int, free bool) {
		if free {
			return
		}

		stats.AllocationCount++
		stats.AllocationBytes += size
	})
}

// AddDetailedStatistics adds this heap, including the size of every block and free range, to a running
// summary
func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += h.extent

	h.visitBlocks(func(off, size int, free bool) {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
	})
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}

	json.Name("Fragmentation").Float64(stats.Fragmentation())
}

func (h *Heap) printJson(json *jwriter.ObjectState, detailed bool) {
	json.Name("ID").Int(int(h.id))
	json.Name("Start").Int(int(h.base))
	json.Name("Extent").Int(h.extent)
	json.Name("Size").Int(len(h.mem))
	json.Name("Free").Int(h.free)
	json.Name("Slack").Int(h.slack)
	json.Name("Wasted").Int(h.wasted)
	json.Name("PageSize").Int(h.pageSize)
	json.Name("VMBacked").Bool(h.vm != nil)
	json.Name("FreeMasterPointers").Int(h.masterFreeCount)

	var stats memutils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	statsObj := json.Name("Stats").Object()
	printDetailedStatistics(&statsObj, &stats)
	statsObj.End()

	compactionObj := json.Name("Compaction").Object()
	compactionObj.Name("BytesMoved").Int(h.stats.BytesMoved)
	compactionObj.Name("AllocationsMoved").Int(h.stats.AllocationsMoved)
	compactionObj.Name("RegionsMerged").Int(h.stats.RegionsMerged)
	compactionObj.Name("PinnedSkipped").Int(h.stats.PinnedSkipped)
	compactionObj.End()

	if detailed {
		h.printDetailedMap(json)
	}
}

func (h *Heap) printDetailedMap(json *jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	h.visitBlocks(func(off, size int, free bool) {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(off)
		obj.Name("Size").Int(size)

		if free {
			obj.Name("Type").String("Free")
			return
		}

		block := h.used(off)
		switch {
		case block.isPrivate():
			obj.Name("Type").String("Private")
		case block.isIndirect():
			obj.Name("Type").String("Indirect")
		default:
			obj.Name("Type").String("Direct")
		}

		obj.Name("Payload").Int(block.payloadSize())
		obj.Name("Delta").Int(block.delta())
		obj.Name("Busy").Int(block.busy())
		obj.Name("Tag").Int(int(block.tag()))
		obj.Name("Owner").Int(int(block.owner()))
	})
}
