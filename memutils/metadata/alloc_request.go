package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where and how
// the metadata intends to allocate new memory. The request can be committed to the metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is the handle of the free block the allocation will be carved from
	BlockAllocationHandle BlockAllocationHandle
	// Size is the rounded size of the allocation in bytes. The block that is eventually handed out
	// may be larger if the remainder is too small to split off.
	Size int
	// Strategy is the strategy that was used to choose the block
	Strategy AllocationStrategy

	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal
	// purposes
	AlgorithmData uint64
}
