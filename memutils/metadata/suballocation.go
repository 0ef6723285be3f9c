package metadata

// BlockAllocationHandle identifies an allocation within a BlockMetadata. For ListBlockMetadata
// it is the offset of the allocation's payload within the managed block.
type BlockAllocationHandle uint64

const (
	// NoAllocation is the handle value that never refers to an allocation. Payloads always
	// follow a block header, so no payload can begin at offset zero.
	NoAllocation BlockAllocationHandle = 0
)

// BlockHeaderSize is the number of bytes reserved in front of every block's payload. The header
// contents live in the metadata's block table, but the bytes are still accounted for in the layout
// so that blocks tile the managed memory exactly.
const BlockHeaderSize int = 24
