package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/poolalloc/memutils"
)

// BlockMetadata represents a single contiguous region of memory within some system. It manages
// the blocks that tile the region, allowing allocations to be requested, freed and merged, as well as
// enumerated and queried.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It gives the implementation an opportunity
	// to ensure that metadata structures are prepared for allocations, as well as allows the consumer
	// to inform the implementation of the size in bytes of the region it will be managing,
	// via the size parameter.
	Init(size int)
	// Size retrieves the size in bytes that the metadata was initialized with
	Size() int
	// Strategy returns the strategy used to select free blocks for new allocations
	Strategy() AllocationStrategy

	// Validate performs internal consistency checks on the metadata. These checks walk every block and
	// may be expensive. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error, but this may assist in diagnosing issues with the implementation.
	Validate() error
	// AllocationCount returns the number of allocations currently live in the implementation.
	AllocationCount() int
	// FreeRegionsCount returns the number of free blocks. Adjacent free blocks are counted separately
	// until they have been merged by Coalesce.
	FreeRegionsCount() int
	// BlockCount returns the number of blocks, free or allocated, that tile the region
	BlockCount() int
	// SumFreeSize returns the payload capacity, in bytes, of all free blocks.
	SumFreeSize() int
	// SumUsedSize returns the payload capacity, in bytes, of all allocated blocks.
	SumUsedSize() int
	// LargestFreeSize returns the payload capacity of the largest free block, or 0 if there is none
	LargestFreeSize() int

	// IsEmpty will return true if this region has no live allocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each block in address order.
	// offset is the offset of the block header, size is the payload capacity. handle is the
	// payload offset and may be passed to the other methods if the block is allocated. Returning
	// an error from the callback stops the walk, and the error is returned.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, free bool) error) error

	// AllocationSize accepts a BlockAllocationHandle that maps to a live allocation and returns
	// its payload capacity in bytes.
	//
	// The implementation must return an error if the provided handle does not map to a live
	// allocation within this region. The error wraps memutils.DoubleReleaseError when the handle
	// refers to free memory and memutils.InvalidHandleError otherwise.
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)

	// AddDetailedStatistics sums this region's block statistics into the statistics currently present
	// in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this region's statistics into the statistics currently present in the
	// provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations and returns the region to a single free block
	Clear()
	// BlockJsonData populates a json object with information about this region
	BlockJsonData(json jwriter.ObjectState)

	// CheckCorruption accepts the memory that this metadata manages. It will return
	// nil if anti-corruption markers are present in every block header.
	//
	// Markers are only written when memutils is built with the build flag `debug_mem_utils`.
	// It is the responsibility of consumers to write the markers themselves, by calling
	// memutils.WriteMagicValue over each header after Init and Alloc.
	CheckCorruption(blockData []byte) error

	// CreateAllocationRequest retrieves an AllocationRequest object indicating which free block the
	// implementation would use for the requested memory. That object can be passed to Alloc to commit the
	// allocation. The boolean return value is false, with no error, if no block can hold the allocation.
	//
	// allocSize - the size in bytes of the requested allocation, already rounded by the consumer
	CreateAllocationRequest(allocSize int) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, splitting the chosen free block if the remainder can hold
	// a block of its own. The implementation must return an error if the request is no longer valid- i.e.
	// the chosen block no longer exists, is not free, or is no longer large enough.
	//
	// The returned offset is the header offset of the free block split from the allocation, or -1 if the
	// block was not split.
	Alloc(request AllocationRequest) (splitOffset int, err error)

	// Free marks an allocation as a free block once again. It does not merge the block with its
	// neighbours; call Coalesce for that.
	//
	// The implementation must return an error if the provided handle does not map to a live allocation
	// within this region, following the same rules as AllocationSize.
	Free(allocHandle BlockAllocationHandle) error
	// Coalesce merges every run of adjacent free blocks into a single block and returns the number
	// of merges performed.
	Coalesce() int
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	size     int
	strategy AllocationStrategy
}

// NewBlockMetadata creates a new BlockMetadataBase that will select free blocks with the provided strategy
func NewBlockMetadata(strategy AllocationStrategy) BlockMetadataBase {
	return BlockMetadataBase{
		size:     0,
		strategy: strategy,
	}
}

// Init prepares this structure for allocations and sizes the region in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the region in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// Strategy returns the strategy used to select free blocks
func (m *BlockMetadataBase) Strategy() AllocationStrategy { return m.strategy }

// BlockJsonData populates a json object with information about this region
func (m *BlockMetadataBase) BlockJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
	json.Name("Strategy").String(m.strategy.String())
}
