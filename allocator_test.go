package poolalloc

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/poolalloc/memutils"
	"github.com/vkngwrapper/poolalloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

type AllocatorSetup struct {
	PoolSize         int
	Strategy         metadata.AllocationStrategy
	AllocatorOptions CreateOptions
	LogOutput        io.Writer
}

func readyAllocator(t *testing.T, setup AllocatorSetup) *Allocator {
	logOutput := setup.LogOutput
	if logOutput == nil {
		logOutput = io.Discard
	}

	poolSize := setup.PoolSize
	if poolSize == 0 {
		poolSize = 4096
	}

	logger := slog.New(slog.NewJSONHandler(logOutput, &slog.HandlerOptions{Level: slog.LevelDebug}))
	allocator, err := NewInitialized(logger, poolSize, setup.Strategy, setup.AllocatorOptions)
	require.NoError(t, err)

	requireInvariants(t, allocator)
	return allocator
}

func requireInvariants(t *testing.T, allocator *Allocator) {
	t.Helper()

	require.NoError(t, allocator.Validate())

	stats, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, stats.TotalBytes, stats.UsedBytes+stats.FreeBytes)
	require.Equal(t, stats.PoolBytes, stats.TotalBytes+stats.MetadataBytes)
	require.Equal(t, stats.BlockCount, stats.FreeBlockCount+stats.LiveAllocationCount)
	require.Equal(t, stats.AllocationCount-stats.FreeCount, stats.LiveAllocationCount)

	blocks, err := allocator.MemoryMap()
	require.NoError(t, err)
	require.Len(t, blocks, stats.BlockCount)

	expectedOffset := 0
	for index, block := range blocks {
		require.Equal(t, index, block.Index)
		require.Equal(t, expectedOffset, block.Offset)
		require.Equal(t, block.Offset+metadata.BlockHeaderSize, int(block.Handle))
		expectedOffset = block.End()
	}
	require.Equal(t, stats.PoolBytes, expectedOffset)
}

func requireDisjoint(t *testing.T, allocator *Allocator, handles ...Handle) {
	t.Helper()

	type span struct{ start, end int }
	var spans []span
	for _, handle := range handles {
		size, err := allocator.AllocationSize(handle)
		require.NoError(t, err)
		spans = append(spans, span{start: int(handle), end: int(handle) + size})
	}

	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			overlap := spans[i].start < spans[j].end && spans[j].start < spans[i].end
			require.False(t, overlap, "allocations %d and %d overlap", handles[i], handles[j])
		}
	}
}

func TestAllocateDistinctBlocks(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{
		PoolSize: 4096,
		Strategy: metadata.AllocationStrategyFirstFit,
	})

	var handles []Handle
	for _, size := range []int{100, 200, 50} {
		handle, err := allocator.Allocate(size)
		require.NoError(t, err)
		require.NotEqual(t, NullHandle, handle)
		handles = append(handles, handle)
		requireInvariants(t, allocator)
	}

	require.Equal(t, []Handle{24, 152, 376}, handles)
	requireDisjoint(t, allocator, handles...)

	stats, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, AllocatorStatistics{
		Strategy:            metadata.AllocationStrategyFirstFit,
		PoolBytes:           4096,
		TotalBytes:          4000,
		UsedBytes:           360,
		FreeBytes:           3640,
		MetadataBytes:       96,
		LargestFreeBytes:    3640,
		AllocationCount:     3,
		FreeCount:           0,
		LiveAllocationCount: 3,
		BlockCount:          4,
		FreeBlockCount:      1,
		Fragmentation:       0,
	}, stats)
}

func TestAllocateRoundsToGranularity(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{})

	for size := 1; size <= 40; size++ {
		handle, err := allocator.Allocate(size)
		require.NoError(t, err)

		capacity, err := allocator.AllocationSize(handle)
		require.NoError(t, err)
		require.GreaterOrEqual(t, capacity, size)
		require.Zero(t, capacity%8)
		require.Zero(t, int(handle)%8)
	}

	requireInvariants(t, allocator)
}

func TestAllocateCustomGranularity(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{SizeGranularity: 32},
	})

	handle, err := allocator.Allocate(1)
	require.NoError(t, err)

	capacity, err := allocator.AllocationSize(handle)
	require.NoError(t, err)
	require.Equal(t, 32, capacity)

	_, err = New(nil, CreateOptions{SizeGranularity: 12})
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
}

func TestAllocateZeroAndNegative(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{})

	handle, err := allocator.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, NullHandle, handle)

	handle, err = allocator.Allocate(-1)
	require.Error(t, err)
	require.Equal(t, NullHandle, handle)

	stats, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 1, stats.BlockCount)
}

func TestAllocateOutOfMemory(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{})

	_, err := allocator.Allocate(1000)
	require.NoError(t, err)

	before, err := allocator.Stats()
	require.NoError(t, err)

	handle, err := allocator.Allocate(5000)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))
	require.Equal(t, NullHandle, handle)

	after, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, before, after)
	requireInvariants(t, allocator)
}

func TestReleaseCoalescesEqualBlocks(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{})

	var handles []Handle
	for i := 0; i < 3; i++ {
		handle, err := allocator.Allocate(128)
		require.NoError(t, err)
		handles = append(handles, handle)
	}

	before, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, 4, before.BlockCount)

	for _, handle := range handles {
		require.NoError(t, allocator.Release(handle))
		requireInvariants(t, allocator)
	}

	merges, err := allocator.Coalesce()
	require.NoError(t, err)
	require.Equal(t, 0, merges)

	after, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, after.FreeBlockCount)
	require.Less(t, after.BlockCount, before.BlockCount)
	require.Equal(t, 4072, after.FreeBytes)
	require.Equal(t, 3, after.FreeCount)
}

func TestFragmentationAfterCoalesce(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{})

	var handles []Handle
	for i := 0; i < 10; i++ {
		handle, err := allocator.Allocate(64)
		require.NoError(t, err)
		handles = append(handles, handle)
	}

	for i := 0; i < len(handles); i += 2 {
		require.NoError(t, allocator.Release(handles[i]))
	}
	requireInvariants(t, allocator)

	before, err := allocator.Fragmentation()
	require.NoError(t, err)
	// 5 holes of 64 bytes next to a 3192 byte tail
	require.InDelta(t, 320.0/3512.0*100.0, before, 0.0001)

	_, err = allocator.Coalesce()
	require.NoError(t, err)

	after, err := allocator.Fragmentation()
	require.NoError(t, err)
	require.LessOrEqual(t, after, before)

	stats, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, after, stats.Fragmentation)
}

func TestFragmentationFullPool(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{PoolSize: 128})

	_, err := allocator.Allocate(104)
	require.NoError(t, err)

	fragmentation, err := allocator.Fragmentation()
	require.NoError(t, err)
	require.Equal(t, 0.0, fragmentation)
}

func TestReleaseNullAndDoubleRelease(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{})

	require.NoError(t, allocator.Release(NullHandle))

	handle, err := allocator.Allocate(64)
	require.NoError(t, err)
	_, err = allocator.Allocate(64)
	require.NoError(t, err)

	require.NoError(t, allocator.Release(handle))

	before, err := allocator.Stats()
	require.NoError(t, err)

	err = allocator.Release(handle)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.DoubleReleaseError))

	after, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, before, after)
	requireInvariants(t, allocator)
}

func TestReleaseStaleHandleAfterMerge(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{})

	first, err := allocator.Allocate(64)
	require.NoError(t, err)
	second, err := allocator.Allocate(64)
	require.NoError(t, err)

	require.NoError(t, allocator.Release(first))
	// second is merged into first and the tail
	require.NoError(t, allocator.Release(second))

	stats, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.BlockCount)

	err = allocator.Release(second)
	require.True(t, errors.Is(err, memutils.DoubleReleaseError))
	requireInvariants(t, allocator)
}

func TestReleaseInvalidHandles(t *testing.T) {
	var logOutput bytes.Buffer
	allocator := readyAllocator(t, AllocatorSetup{LogOutput: &logOutput})

	handle, err := allocator.Allocate(64)
	require.NoError(t, err)

	for _, invalid := range []Handle{3, handle + 8, 4096, 1 << 40} {
		err = allocator.Release(invalid)
		require.Error(t, err)
		require.True(t, errors.Is(err, memutils.InvalidHandleError), "unexpected error for %d: %v", invalid, err)
	}

	stats, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.LiveAllocationCount)
	require.Equal(t, 0, stats.FreeCount)
	require.Contains(t, logOutput.String(), "Allocator::Release rejected handle")
	requireInvariants(t, allocator)
}

func TestResizeRoundTrip(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{})

	handle, err := allocator.Allocate(5 * 4)
	require.NoError(t, err)

	payload, err := allocator.Bytes(handle)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint32(payload[i*4:], uint32(i))
	}

	resized, err := allocator.Resize(handle, 10*4)
	require.NoError(t, err)
	require.NotEqual(t, handle, resized)
	requireInvariants(t, allocator)

	payload, err = allocator.Bytes(resized)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(payload), 10*4)
	for i := 0; i < 5; i++ {
		require.Equal(t, uint32(i), binary.LittleEndian.Uint32(payload[i*4:]))
	}

	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint32(payload[i*4:], uint32(i*10))
	}
	for i := 0; i < 10; i++ {
		require.Equal(t, uint32(i*10), binary.LittleEndian.Uint32(payload[i*4:]))
	}

	err = allocator.Release(handle)
	require.True(t, errors.Is(err, memutils.DoubleReleaseError))
}

func TestResizeSpecialCases(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{})

	handle, err := allocator.Resize(NullHandle, 30)
	require.NoError(t, err)
	require.NotEqual(t, NullHandle, handle)

	capacity, err := allocator.AllocationSize(handle)
	require.NoError(t, err)
	require.Equal(t, 32, capacity)

	// Resize never shrinks
	same, err := allocator.Resize(handle, 8)
	require.NoError(t, err)
	require.Equal(t, handle, same)

	same, err = allocator.Resize(handle, 32)
	require.NoError(t, err)
	require.Equal(t, handle, same)

	capacity, err = allocator.AllocationSize(handle)
	require.NoError(t, err)
	require.Equal(t, 32, capacity)

	released, err := allocator.Resize(handle, 0)
	require.NoError(t, err)
	require.Equal(t, NullHandle, released)

	stats, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, stats.LiveAllocationCount)
	require.Equal(t, 1, stats.FreeCount)

	_, err = allocator.Resize(Handle(4000), 64)
	require.True(t, errors.Is(err, memutils.DoubleReleaseError))

	_, err = allocator.Resize(Handle(5), 64)
	require.True(t, errors.Is(err, memutils.InvalidHandleError))
	requireInvariants(t, allocator)
}

func TestResizeFailureLeavesOriginal(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{PoolSize: 256})

	handle, err := allocator.Allocate(100)
	require.NoError(t, err)

	payload, err := allocator.Bytes(handle)
	require.NoError(t, err)
	for i := range payload {
		payload[i] = byte(i)
	}

	before, err := allocator.Stats()
	require.NoError(t, err)

	resized, err := allocator.Resize(handle, 1000)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))
	require.Equal(t, NullHandle, resized)

	after, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, before, after)

	payload, err = allocator.Bytes(handle)
	require.NoError(t, err)
	for i := range payload {
		require.Equal(t, byte(i), payload[i])
	}
	requireInvariants(t, allocator)
}

func TestBytesCapacityIsCapped(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{})

	first, err := allocator.Allocate(16)
	require.NoError(t, err)
	second, err := allocator.Allocate(16)
	require.NoError(t, err)

	payload, err := allocator.Bytes(first)
	require.NoError(t, err)
	require.Len(t, payload, 16)
	require.Equal(t, 16, cap(payload))

	grown := append(payload, 0xFF)
	grown[0] = 0xAA

	secondPayload, err := allocator.Bytes(second)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 16), secondPayload)

	payload, err = allocator.Bytes(first)
	require.NoError(t, err)
	require.Equal(t, byte(0), payload[0])
}

func TestStrategiesChooseDifferentHoles(t *testing.T) {
	testCases := map[metadata.AllocationStrategy]int{
		metadata.AllocationStrategyFirstFit: 0,
		metadata.AllocationStrategyBestFit:  2,
		metadata.AllocationStrategyWorstFit: 4,
	}

	for strategy, expectedIndex := range testCases {
		t.Run(strategy.String(), func(t *testing.T) {
			allocator := readyAllocator(t, AllocatorSetup{Strategy: strategy})

			large, err := allocator.Allocate(256)
			require.NoError(t, err)
			_, err = allocator.Allocate(16)
			require.NoError(t, err)
			small, err := allocator.Allocate(64)
			require.NoError(t, err)
			_, err = allocator.Allocate(16)
			require.NoError(t, err)

			require.NoError(t, allocator.Release(large))
			require.NoError(t, allocator.Release(small))

			handle, err := allocator.Allocate(48)
			require.NoError(t, err)

			var chosen int
			err = allocator.VisitMemoryMap(func(block BlockDescriptor) error {
				if block.Handle == handle {
					chosen = block.Index
				}
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, expectedIndex, chosen)
			requireInvariants(t, allocator)
		})
	}
}

func TestVisitMemoryMapStops(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{})

	for i := 0; i < 4; i++ {
		_, err := allocator.Allocate(32)
		require.NoError(t, err)
	}

	stop := errors.New("stop")
	var visited []int
	err := allocator.VisitMemoryMap(func(block BlockDescriptor) error {
		visited = append(visited, block.Index)
		if block.Index == 2 {
			return stop
		}
		return nil
	})
	require.Equal(t, stop, err)
	require.Equal(t, []int{0, 1, 2}, visited)
}

func TestLifecycle(t *testing.T) {
	allocator, err := New(nil, CreateOptions{})
	require.NoError(t, err)
	require.False(t, allocator.IsInitialized())

	_, err = allocator.Allocate(8)
	require.True(t, errors.Is(err, memutils.NotInitializedError))
	require.True(t, errors.Is(allocator.Release(24), memutils.NotInitializedError))
	_, err = allocator.Stats()
	require.True(t, errors.Is(err, memutils.NotInitializedError))

	// Teardown is harmless without a pool
	allocator.Teardown()

	err = allocator.Init(metadata.BlockHeaderSize-1, metadata.AllocationStrategyFirstFit)
	require.True(t, errors.Is(err, memutils.PoolTooSmallError))

	err = allocator.Init(1024, metadata.AllocationStrategy(9))
	require.Error(t, err)
	require.False(t, allocator.IsInitialized())

	require.NoError(t, allocator.Init(1024, metadata.AllocationStrategyBestFit))
	err = allocator.Init(1024, metadata.AllocationStrategyBestFit)
	require.True(t, errors.Is(err, memutils.AlreadyInitializedError))

	strategy, err := allocator.Strategy()
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationStrategyBestFit, strategy)

	handle, err := allocator.Allocate(100)
	require.NoError(t, err)

	allocator.Teardown()
	require.False(t, allocator.IsInitialized())

	_, err = allocator.Resize(handle, 200)
	require.True(t, errors.Is(err, memutils.NotInitializedError))
	_, err = allocator.Coalesce()
	require.True(t, errors.Is(err, memutils.NotInitializedError))
	_, err = allocator.MemoryMap()
	require.True(t, errors.Is(err, memutils.NotInitializedError))
	_, err = allocator.Fragmentation()
	require.True(t, errors.Is(err, memutils.NotInitializedError))

	require.NoError(t, allocator.Init(2048, metadata.AllocationStrategyWorstFit))
	stats, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 2024, stats.FreeBytes)
	require.Equal(t, metadata.AllocationStrategyWorstFit, stats.Strategy)
}

func TestHeaderSizedPool(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{PoolSize: metadata.BlockHeaderSize})

	stats, err := allocator.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, stats.TotalBytes)

	_, err = allocator.Allocate(1)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))
}

func TestTeardownLogsUnreleasedMemory(t *testing.T) {
	var logOutput bytes.Buffer
	allocator := readyAllocator(t, AllocatorSetup{LogOutput: &logOutput})

	_, err := allocator.Allocate(64)
	require.NoError(t, err)
	kept, err := allocator.Allocate(64)
	require.NoError(t, err)
	released, err := allocator.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, allocator.Release(released))

	logOutput.Reset()
	allocator.Teardown()

	require.Equal(t, 2, bytes.Count(logOutput.Bytes(), []byte("[UNRELEASED MEMORY]")))
	require.Contains(t, logOutput.String(), `"handle":24`)
	require.NotZero(t, kept)
}

func TestMemoryCallbacks(t *testing.T) {
	var allocated, freed []int
	var allocator *Allocator

	allocator = readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{
			MemoryCallbackOptions: &MemoryCallbackOptions{
				Allocate: func(a *Allocator, handle Handle, size int, userData interface{}) {
					require.Same(t, allocator, a)
					require.Equal(t, "user data", userData)
					allocated = append(allocated, size)
				},
				Free: func(a *Allocator, handle Handle, size int, userData interface{}) {
					freed = append(freed, size)
				},
				UserData: "user data",
			},
		},
	})

	first, err := allocator.Allocate(10)
	require.NoError(t, err)
	second, err := allocator.Resize(first, 100)
	require.NoError(t, err)
	require.NoError(t, allocator.Release(second))

	require.Equal(t, []int{16, 104}, allocated)
	require.Equal(t, []int{16, 104}, freed)
}

func TestIndependentAllocators(t *testing.T) {
	first := readyAllocator(t, AllocatorSetup{Strategy: metadata.AllocationStrategyFirstFit})
	second := readyAllocator(t, AllocatorSetup{PoolSize: 1024, Strategy: metadata.AllocationStrategyBestFit})

	handle, err := first.Allocate(512)
	require.NoError(t, err)

	err = second.Release(handle)
	require.True(t, errors.Is(err, memutils.DoubleReleaseError))

	stats, err := second.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 1024, stats.PoolBytes)
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", CreateFlags(0).String())
	require.Equal(t, "AllocatorCreateExternallySynchronized", AllocatorCreateExternallySynchronized.String())
	require.Equal(t, "AllocatorCreateExternallySynchronized|Unknown", (AllocatorCreateExternallySynchronized | 4).String())
}

func TestCheckCorruptionCleanPool(t *testing.T) {
	allocator := readyAllocator(t, AllocatorSetup{})

	handle, err := allocator.Allocate(64)
	require.NoError(t, err)

	payload, err := allocator.Bytes(handle)
	require.NoError(t, err)
	for i := range payload {
		payload[i] = 0xFF
	}

	require.NoError(t, allocator.CheckCorruption())
}
