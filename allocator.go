package poolalloc

import (
	"context"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/poolalloc/internal/utils"
	"github.com/vkngwrapper/poolalloc/memutils"
	"github.com/vkngwrapper/poolalloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Handle identifies a live allocation within an Allocator's pool. It is the offset of the
// allocation's payload within the pool and is validated against the allocator's block table
// before every use.
type Handle uint64

// NullHandle is returned when no allocation was made, and is accepted by Release and Resize
const NullHandle Handle = Handle(metadata.NoAllocation)

// Allocator manages a single fixed-size pool of bytes. The pool is carved into a sequence of
// blocks in address order, each of which is either free or allocated. Every block reserves
// metadata.BlockHeaderSize bytes of the pool in front of its payload.
//
// An Allocator is created with New and owns no pool until Init is called. After Teardown, every
// operation fails with memutils.NotInitializedError until Init is called again.
type Allocator struct {
	mutex       utils.OptionalMutex
	logger      *slog.Logger
	createFlags CreateFlags
	granularity uint
	callbacks   memoryCallbacks

	newMetadata func(strategy metadata.AllocationStrategy) metadata.BlockMetadata
	metadata    metadata.BlockMetadata
	pool        []byte

	allocationCount int
	freeCount       int
}

// Init creates the allocator's pool. The entire pool begins as a single free block with a payload
// capacity of poolSize - metadata.BlockHeaderSize bytes.
//
// poolSize - The size of the pool in bytes, block headers included
//
// strategy - The strategy used to select a free block for every allocation until Teardown
func (a *Allocator) Init(poolSize int, strategy metadata.AllocationStrategy) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Init",
		slog.Int("PoolSize", poolSize),
		slog.String("Strategy", strategy.String()),
	)

	if a.metadata != nil {
		return cerrors.Wrapf(memutils.AlreadyInitializedError, "the current pool of %d bytes must be torn down first", len(a.pool))
	}

	if poolSize < metadata.BlockHeaderSize {
		return cerrors.Wrapf(memutils.PoolTooSmallError, "a pool of %d bytes cannot hold a %d-byte block header", poolSize, metadata.BlockHeaderSize)
	}

	if !strategy.IsValid() {
		return cerrors.Newf("unknown allocation strategy: %d", strategy)
	}

	md := a.newMetadata(strategy)
	md.Init(poolSize)

	a.pool = make([]byte, poolSize)
	a.metadata = md
	a.allocationCount = 0
	a.freeCount = 0

	memutils.WriteMagicValue(a.pool, 0, metadata.BlockHeaderSize)
	memutils.DebugValidate(a.metadata)

	return nil
}

// Teardown releases the pool. Any allocations that are still live are logged and discarded.
// Teardown is a no-op if the allocator has no pool.
func (a *Allocator) Teardown() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Teardown")

	if a.metadata == nil {
		return
	}

	if !a.metadata.IsEmpty() {
		err := a.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, free bool) error {
			if free {
				return nil
			}

			a.logger.LogAttrs(context.Background(), slog.LevelWarn, "[UNRELEASED MEMORY] unfreed allocation",
				slog.Uint64("handle", uint64(handle)),
				slog.Int("offset", offset),
				slog.Int("size", size),
			)
			return nil
		})
		if err != nil {
			a.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}
	}

	a.metadata.Clear()
	a.metadata = nil
	a.pool = nil
	a.allocationCount = 0
	a.freeCount = 0
}

// IsInitialized returns true if the allocator currently owns a pool
func (a *Allocator) IsInitialized() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.metadata != nil
}

// Strategy returns the strategy the pool was initialized with
func (a *Allocator) Strategy() (metadata.AllocationStrategy, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.metadata == nil {
		return metadata.AllocationStrategyFirstFit, memutils.NotInitializedError
	}

	return a.metadata.Strategy(), nil
}

// Allocate hands out a block with a payload of at least size bytes. The size is rounded up to the
// allocator's size granularity before a free block is chosen.
//
// A size of 0 returns NullHandle and no error. If no free block is large enough, NullHandle is returned
// with an error wrapping memutils.OutOfMemoryError and the pool is unchanged.
func (a *Allocator) Allocate(size int) (Handle, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Allocate", slog.Int("Size", size))

	return a.allocate(size)
}

func (a *Allocator) allocate(size int) (Handle, error) {
	if a.metadata == nil {
		return NullHandle, memutils.NotInitializedError
	}

	if size == 0 {
		return NullHandle, nil
	}

	if size < 0 {
		return NullHandle, cerrors.Newf("invalid allocation size: %d", size)
	}

	allocSize := memutils.AlignUp(size, a.granularity)
	if allocSize < size {
		return NullHandle, cerrors.Wrapf(memutils.OutOfMemoryError, "allocation size %d is too large", size)
	}

	success, request, err := a.metadata.CreateAllocationRequest(allocSize)
	if err != nil {
		return NullHandle, err
	}

	if !success {
		return NullHandle, cerrors.Wrapf(memutils.OutOfMemoryError,
			"no free block can hold %d bytes: %d bytes free across %d blocks, the largest holds %d",
			allocSize, a.metadata.SumFreeSize(), a.metadata.FreeRegionsCount(), a.metadata.LargestFreeSize())
	}

	splitOffset, err := a.metadata.Alloc(request)
	if err != nil {
		return NullHandle, err
	}

	if splitOffset >= 0 {
		memutils.WriteMagicValue(a.pool, splitOffset, metadata.BlockHeaderSize)
	}

	a.allocationCount++
	memutils.DebugValidate(a.metadata)

	handle := Handle(request.BlockAllocationHandle)
	a.callbacks.Allocate(handle, allocSize)

	return handle, nil
}

// findAllocation retrieves the payload capacity of a live allocation. Rejected handles are logged.
func (a *Allocator) findAllocation(operation string, handle Handle) (int, error) {
	size, err := a.metadata.AllocationSize(metadata.BlockAllocationHandle(handle))
	if err != nil {
		a.logger.Warn(operation+" rejected handle",
			slog.Uint64("Handle", uint64(handle)),
			slog.Any("error", err),
		)
		return 0, err
	}

	return size, nil
}

// Release returns an allocation to the pool and then coalesces every run of adjacent free blocks.
// Releasing NullHandle does nothing.
//
// A handle that does not refer to the start of an allocation is rejected with an error wrapping
// memutils.InvalidHandleError, and a handle that refers to memory that is already free is rejected
// with an error wrapping memutils.DoubleReleaseError. Rejected handles leave the pool unchanged.
func (a *Allocator) Release(handle Handle) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Release", slog.Uint64("Handle", uint64(handle)))

	return a.release(handle)
}

func (a *Allocator) release(handle Handle) error {
	if a.metadata == nil {
		return memutils.NotInitializedError
	}

	if handle == NullHandle {
		return nil
	}

	size, err := a.findAllocation("Allocator::Release", handle)
	if err != nil {
		return err
	}

	err = a.metadata.Free(metadata.BlockAllocationHandle(handle))
	if err != nil {
		return err
	}

	a.freeCount++
	a.callbacks.Free(handle, size)

	a.metadata.Coalesce()
	memutils.DebugValidate(a.metadata)

	return nil
}

// Coalesce merges every run of adjacent free blocks into a single block, returning the number of
// merges that were performed. Release already coalesces, so this only has work to do if the pool
// was manipulated some other way.
func (a *Allocator) Coalesce() (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Coalesce")

	if a.metadata == nil {
		return 0, memutils.NotInitializedError
	}

	merges := a.metadata.Coalesce()
	memutils.DebugValidate(a.metadata)

	return merges, nil
}

// Resize ensures that an allocation can hold at least newSize bytes.
//
// Resizing NullHandle is the same as calling Allocate, and resizing to 0 bytes is the same as calling
// Release, returning NullHandle. If the allocation's capacity already covers newSize, the same handle
// is returned; allocations are never shrunk. Otherwise, a new allocation is made, the old payload is
// copied into it, and the old allocation is released.
//
// If the new allocation cannot be made, NullHandle is returned with an error and the original
// allocation and its contents are untouched.
func (a *Allocator) Resize(handle Handle, newSize int) (Handle, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Resize",
		slog.Uint64("Handle", uint64(handle)),
		slog.Int("NewSize", newSize),
	)

	if a.metadata == nil {
		return NullHandle, memutils.NotInitializedError
	}

	if handle == NullHandle {
		return a.allocate(newSize)
	}

	if newSize == 0 {
		return NullHandle, a.release(handle)
	}

	if newSize < 0 {
		return NullHandle, cerrors.Newf("invalid allocation size: %d", newSize)
	}

	capacity, err := a.findAllocation("Allocator::Resize", handle)
	if err != nil {
		return NullHandle, err
	}

	if newSize <= capacity {
		return handle, nil
	}

	newHandle, err := a.allocate(newSize)
	if err != nil {
		return NullHandle, cerrors.Wrapf(err, "failed to resize allocation %d to %d bytes", handle, newSize)
	}

	copy(a.pool[int(newHandle):int(newHandle)+capacity], a.pool[int(handle):int(handle)+capacity])

	err = a.release(handle)
	if err != nil {
		return NullHandle, err
	}

	return newHandle, nil
}

// AllocationSize returns the payload capacity of a live allocation, which may be larger than the
// size that was requested.
func (a *Allocator) AllocationSize(handle Handle) (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.metadata == nil {
		return 0, memutils.NotInitializedError
	}

	return a.findAllocation("Allocator::AllocationSize", handle)
}

// Bytes returns the payload of a live allocation. The slice's capacity ends with the payload, so
// appending to it will never write into the pool. The slice is only valid until the allocation is
// released or moved by Resize.
func (a *Allocator) Bytes(handle Handle) ([]byte, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.metadata == nil {
		return nil, memutils.NotInitializedError
	}

	size, err := a.findAllocation("Allocator::Bytes", handle)
	if err != nil {
		return nil, err
	}

	start := int(handle)
	end := start + size
	return a.pool[start:end:end], nil
}

// Validate walks every block in the pool and verifies that the blocks tile the pool and that
// every counter agrees with the blocks. It should never return an error unless the allocator
// itself is faulty.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.metadata == nil {
		return memutils.NotInitializedError
	}

	err := a.metadata.Validate()
	if err != nil {
		return err
	}

	if a.allocationCount-a.freeCount != a.metadata.AllocationCount() {
		return cerrors.Newf("%d allocations and %d releases were made, but %d allocations are live",
			a.allocationCount, a.freeCount, a.metadata.AllocationCount())
	}

	return nil
}

// CheckCorruption verifies that no block header has been overwritten. Headers are only marked when
// the module is built with the debug_mem_utils build tag; otherwise this always succeeds.
func (a *Allocator) CheckCorruption() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.metadata == nil {
		return memutils.NotInitializedError
	}

	if !memutils.CorruptionDetectionEnabled {
		return nil
	}

	return a.metadata.CheckCorruption(a.pool)
}
