package poolalloc

import (
	"github.com/vkngwrapper/poolalloc/memutils"
	"github.com/vkngwrapper/poolalloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

// AllocatorStatistics is a snapshot of an Allocator's pool
type AllocatorStatistics struct {
	Strategy metadata.AllocationStrategy

	// PoolBytes is the size of the pool, block headers included
	PoolBytes int
	// TotalBytes is the payload capacity of every block. UsedBytes + FreeBytes == TotalBytes.
	TotalBytes int
	// UsedBytes is the payload capacity of every allocated block
	UsedBytes int
	// FreeBytes is the payload capacity of every free block
	FreeBytes int
	// MetadataBytes is the number of pool bytes reserved for block headers
	MetadataBytes int
	// LargestFreeBytes is the payload capacity of the largest free block
	LargestFreeBytes int

	// AllocationCount is the number of allocations made since Init
	AllocationCount int
	// FreeCount is the number of allocations released since Init
	FreeCount int
	// LiveAllocationCount is the number of allocations that have not been released
	LiveAllocationCount int
	BlockCount          int
	FreeBlockCount      int

	// Fragmentation is the percentage of free bytes that lie outside the largest free block
	Fragmentation float64
}

// LogValue allows AllocatorStatistics to be passed directly to a slog.Logger
func (s AllocatorStatistics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("Strategy", s.Strategy.String()),
		slog.Int("PoolBytes", s.PoolBytes),
		slog.Int("UsedBytes", s.UsedBytes),
		slog.Int("FreeBytes", s.FreeBytes),
		slog.Int("AllocationCount", s.AllocationCount),
		slog.Int("FreeCount", s.FreeCount),
		slog.Int("BlockCount", s.BlockCount),
		slog.Int("FreeBlockCount", s.FreeBlockCount),
		slog.Float64("Fragmentation", s.Fragmentation),
	)
}

// Stats retrieves a snapshot of the pool. Fragmentation is recomputed for every snapshot.
func (a *Allocator) Stats() (AllocatorStatistics, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.metadata == nil {
		return AllocatorStatistics{}, memutils.NotInitializedError
	}

	blockCount := a.metadata.BlockCount()
	usedBytes := a.metadata.SumUsedSize()
	freeBytes := a.metadata.SumFreeSize()
	largestFree := a.metadata.LargestFreeSize()

	return AllocatorStatistics{
		Strategy:            a.metadata.Strategy(),
		PoolBytes:           a.metadata.Size(),
		TotalBytes:          usedBytes + freeBytes,
		UsedBytes:           usedBytes,
		FreeBytes:           freeBytes,
		MetadataBytes:       blockCount * metadata.BlockHeaderSize,
		LargestFreeBytes:    largestFree,
		AllocationCount:     a.allocationCount,
		FreeCount:           a.freeCount,
		LiveAllocationCount: a.metadata.AllocationCount(),
		BlockCount:          blockCount,
		FreeBlockCount:      a.metadata.FreeRegionsCount(),
		Fragmentation:       memutils.Fragmentation(freeBytes, largestFree),
	}, nil
}

// DetailedStatistics retrieves block counts and the size range of allocations and free blocks
func (a *Allocator) DetailedStatistics() (memutils.DetailedStatistics, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()

	if a.metadata == nil {
		return stats, memutils.NotInitializedError
	}

	a.metadata.AddDetailedStatistics(&stats)
	return stats, nil
}

// Fragmentation returns the percentage of free bytes that lie outside the largest free block.
// It is 0 if there are no free bytes.
func (a *Allocator) Fragmentation() (float64, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.metadata == nil {
		return 0, memutils.NotInitializedError
	}

	return memutils.Fragmentation(a.metadata.SumFreeSize(), a.metadata.LargestFreeSize()), nil
}
