package memutils_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/poolalloc/memutils"
)

func TestDetailedStatisticsAccumulate(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()

	require.Equal(t, math.MaxInt, stats.AllocationSizeMin)
	require.Equal(t, math.MaxInt, stats.UnusedRangeSizeMin)
	require.Equal(t, 0.0, stats.Fragmentation())

	stats.AddAllocation(64)
	stats.AddAllocation(16)
	stats.AddUnusedRange(300)
	stats.AddUnusedRange(100)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      4,
			AllocationCount: 2,
			AllocationBytes: 80,
		},
		UnusedRangeCount:   2,
		UnusedBytes:        400,
		AllocationSizeMin:  16,
		AllocationSizeMax:  64,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 300,
	}, stats)
	require.InDelta(t, 25.0, stats.Fragmentation(), 0.0001)

	var other memutils.DetailedStatistics
	other.Clear()
	other.PoolBytes = 512
	other.AddAllocation(8)
	other.AddUnusedRange(500)

	stats.AddDetailedStatistics(&other)
	require.Equal(t, 6, stats.BlockCount)
	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 512, stats.PoolBytes)
	require.Equal(t, 900, stats.UnusedBytes)
	require.Equal(t, 8, stats.AllocationSizeMin)
	require.Equal(t, 500, stats.UnusedRangeSizeMax)
}

func TestFragmentation(t *testing.T) {
	require.Equal(t, 0.0, memutils.Fragmentation(0, 0))
	require.Equal(t, 0.0, memutils.Fragmentation(1000, 1000))
	require.InDelta(t, 50.0, memutils.Fragmentation(200, 100), 0.0001)
	require.InDelta(t, 90.0, memutils.Fragmentation(1000, 100), 0.0001)
}
