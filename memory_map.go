package poolalloc

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/poolalloc/memutils"
	"github.com/vkngwrapper/poolalloc/memutils/metadata"
)

// BlockDescriptor describes a single block of the pool
type BlockDescriptor struct {
	// Index is the block's position in the pool, starting from 0
	Index int
	// Offset is the offset of the block's header within the pool
	Offset int
	// Handle is the offset of the block's payload. It can be passed to Release if the block is not free.
	Handle Handle
	// Size is the block's payload capacity
	Size int
	Free bool
}

// End returns the offset immediately after the block's payload
func (d BlockDescriptor) End() int {
	return int(d.Handle) + d.Size
}

// VisitMemoryMap calls the provided callback once for each block in address order. If the callback
// returns an error, the walk stops and the error is returned. The callback is executed while the
// allocator is locked and must not call back into it.
func (a *Allocator) VisitMemoryMap(visit func(block BlockDescriptor) error) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.metadata == nil {
		return memutils.NotInitializedError
	}

	return a.visitMemoryMap(visit)
}

func (a *Allocator) visitMemoryMap(visit func(block BlockDescriptor) error) error {
	index := 0
	return a.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, free bool) error {
		block := BlockDescriptor{
			Index:  index,
			Offset: offset,
			Handle: Handle(handle),
			Size:   size,
			Free:   free,
		}
		index++

		return visit(block)
	})
}

// MemoryMap returns a snapshot of every block in address order
func (a *Allocator) MemoryMap() ([]BlockDescriptor, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.metadata == nil {
		return nil, memutils.NotInitializedError
	}

	blocks := make([]BlockDescriptor, 0, a.metadata.BlockCount())
	err := a.visitMemoryMap(func(block BlockDescriptor) error {
		blocks = append(blocks, block)
		return nil
	})
	return blocks, err
}

// BuildStatsString produces a json document describing the pool. If detailedMap is true, the
// document includes every block in the pool.
func (a *Allocator) BuildStatsString(detailedMap bool) (string, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.metadata == nil {
		return "", memutils.NotInitializedError
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.metadata.AddDetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	generalObj := rootObj.Name("General").Object()
	generalObj.Name("Strategy").String(a.metadata.Strategy().String())
	generalObj.Name("SizeGranularity").Int(int(a.granularity))
	generalObj.Name("Flags").String(a.createFlags.String())
	generalObj.Name("AllocationCount").Int(a.allocationCount)
	generalObj.Name("FreeCount").Int(a.freeCount)
	generalObj.End()

	totalObj := rootObj.Name("Total").Object()
	printDetailedStatistics(&totalObj, &stats)
	totalObj.End()

	if detailedMap {
		mapObj := rootObj.Name("DetailedMap").Object()
		mapObj.Name("BlockHeaderSize").Int(metadata.BlockHeaderSize)
		a.metadata.BlockJsonData(mapObj)
		a.printDetailedMapBlocks(&mapObj)
		mapObj.End()
	}

	rootObj.End()

	err := writer.Error()
	if err != nil {
		return "", err
	}

	return string(writer.Bytes()), nil
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("PoolBytes").Int(stats.PoolBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	json.Name("UnusedBytes").Int(stats.UnusedBytes)
	json.Name("Fragmentation").Float64(stats.Fragmentation())

	if stats.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}

	if stats.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

func (a *Allocator) printDetailedMapBlocks(json *jwriter.ObjectState) {
	blocksObj := json.Name("Blocks").Object()
	defer blocksObj.End()

	_ = a.visitMemoryMap(func(block BlockDescriptor) error {
		obj := blocksObj.Name(strconv.Itoa(block.Index)).Object()
		defer obj.End()

		obj.Name("Offset").Int(block.Offset)
		obj.Name("Handle").Int(int(block.Handle))
		obj.Name("Size").Int(block.Size)
		if block.Free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("USED")
		}

		return nil
	})
}
