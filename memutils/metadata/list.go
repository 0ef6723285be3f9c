package metadata

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/poolalloc/memutils"
)

const (
	noBlock              = -1
	initialBlockCapacity = 16
)

type listBlock struct {
	offset int
	size   int
	next   int
	free   bool
}

// handle returns the offset of the block's payload, which is used as its allocation handle
func (b *listBlock) handle() BlockAllocationHandle {
	return BlockAllocationHandle(b.offset + BlockHeaderSize)
}

// end returns the offset immediately after the block's payload
func (b *listBlock) end() int {
	return b.offset + BlockHeaderSize + b.size
}

// ListBlockMetadata is a BlockMetadata implementation that tiles its region with a singly-linked
// sequence of blocks in address order. Each block is either free or allocated; there is no separate
// free list, so every search walks the whole sequence and applies the configured AllocationStrategy.
//
// Block records live in a table owned by the metadata and are linked by index. A block's
// BlockHeaderSize header bytes are reserved in the region directly in front of its payload, so the
// blocks exactly tile the region: the sum of every block's size plus one header per block is always
// equal to Size().
type ListBlockMetadata struct {
	BlockMetadataBase

	blocks      []listBlock
	spareBlocks []int
	head        int

	blockCount     int
	freeBlockCount int
	sumFreeSize    int
	sumUsedSize    int

	handleKey *swiss.Map[BlockAllocationHandle, int]
}

var _ BlockMetadata = &ListBlockMetadata{}

// NewListBlockMetadata creates a new ListBlockMetadata that selects free blocks with the provided strategy
func NewListBlockMetadata(strategy AllocationStrategy) *ListBlockMetadata {
	return &ListBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(strategy),
		head:              noBlock,
	}
}

func (m *ListBlockMetadata) allocateBlock() int {
	spareCount := len(m.spareBlocks)
	if spareCount > 0 {
		index := m.spareBlocks[spareCount-1]
		m.spareBlocks = m.spareBlocks[:spareCount-1]
		m.blocks[index] = listBlock{next: noBlock}
		return index
	}

	m.blocks = append(m.blocks, listBlock{next: noBlock})
	return len(m.blocks) - 1
}

func (m *ListBlockMetadata) freeBlock(index int) {
	m.handleKey.Delete(m.blocks[index].handle())
	m.blocks[index] = listBlock{next: noBlock}
	m.spareBlocks = append(m.spareBlocks, index)
}

// Init prepares this structure for allocations. The whole region becomes a single free block
// with a payload of size - BlockHeaderSize bytes. Init panics if size cannot hold a block header;
// consumers are expected to check this before calling.
func (m *ListBlockMetadata) Init(size int) {
	if size < BlockHeaderSize {
		panic("region is too small to hold a single block header")
	}

	m.BlockMetadataBase.Init(size)
	m.blocks = make([]listBlock, 0, initialBlockCapacity)
	m.spareBlocks = nil
	m.handleKey = swiss.NewMap[BlockAllocationHandle, int](initialBlockCapacity)

	m.head = m.allocateBlock()
	head := &m.blocks[m.head]
	head.offset = 0
	head.size = size - BlockHeaderSize
	head.free = true
	m.handleKey.Put(head.handle(), m.head)

	m.blockCount = 1
	m.freeBlockCount = 1
	m.sumFreeSize = head.size
	m.sumUsedSize = 0
}

func (m *ListBlockMetadata) Validate() error {
	if m.head == noBlock {
		return errors.New("the metadata has not been initialized")
	}

	var blockCount, freeCount, sumFreeSize, sumUsedSize int
	expectedOffset := 0

	for index := m.head; index != noBlock; index = m.blocks[index].next {
		if blockCount >= len(m.blocks) {
			return errors.New("the block sequence contains a cycle")
		}

		block := m.blocks[index]
		if block.offset != expectedOffset {
			return errors.Errorf("block at offset %d does not begin where the previous block ended (%d)", block.offset, expectedOffset)
		}

		if block.size < 0 {
			return errors.Errorf("block at offset %d has a negative size %d", block.offset, block.size)
		}

		keyIndex, ok := m.handleKey.Get(block.handle())
		if !ok || keyIndex != index {
			return errors.Errorf("block at offset %d is missing from the handle table", block.offset)
		}

		blockCount++
		if block.free {
			freeCount++
			sumFreeSize += block.size
		} else {
			sumUsedSize += block.size
		}

		expectedOffset = block.end()
	}

	if expectedOffset != m.size {
		return errors.Errorf("the blocks end at offset %d, but the metadata indicates a total size of %d", expectedOffset, m.size)
	}

	if blockCount != m.blockCount {
		return errors.Errorf("the block count of the metadata is %d, but %d blocks were found", m.blockCount, blockCount)
	}

	if freeCount != m.freeBlockCount {
		return errors.Errorf("the free block count of the metadata is %d, but there were %d free blocks", m.freeBlockCount, freeCount)
	}

	if sumFreeSize != m.sumFreeSize {
		return errors.Errorf("the free size of the metadata is %d, but the free blocks added up to %d", m.sumFreeSize, sumFreeSize)
	}

	if sumUsedSize != m.sumUsedSize {
		return errors.Errorf("the used size of the metadata is %d, but the allocated blocks added up to %d", m.sumUsedSize, sumUsedSize)
	}

	if m.handleKey.Count() != blockCount {
		return errors.Errorf("the handle table holds %d entries, but there are %d blocks", m.handleKey.Count(), blockCount)
	}

	return nil
}

func (m *ListBlockMetadata) AllocationCount() int {
	return m.blockCount - m.freeBlockCount
}

func (m *ListBlockMetadata) FreeRegionsCount() int {
	return m.freeBlockCount
}

func (m *ListBlockMetadata) BlockCount() int {
	return m.blockCount
}

func (m *ListBlockMetadata) SumFreeSize() int {
	return m.sumFreeSize
}

func (m *ListBlockMetadata) SumUsedSize() int {
	return m.sumUsedSize
}

func (m *ListBlockMetadata) LargestFreeSize() int {
	largest := 0
	for index := m.head; index != noBlock; index = m.blocks[index].next {
		block := &m.blocks[index]
		if block.free && block.size > largest {
			largest = block.size
		}
	}

	return largest
}

func (m *ListBlockMetadata) IsEmpty() bool {
	return m.AllocationCount() == 0
}

func (m *ListBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, free bool) error) error {
	for index := m.head; index != noBlock; index = m.blocks[index].next {
		block := m.blocks[index]
		err := handleBlock(block.handle(), block.offset, block.size, block.free)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *ListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PoolBytes += m.size

	for index := m.head; index != noBlock; index = m.blocks[index].next {
		block := &m.blocks[index]
		if block.free {
			stats.AddUnusedRange(block.size)
		} else {
			stats.AddAllocation(block.size)
		}
	}
}

func (m *ListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount += m.blockCount
	stats.AllocationCount += m.AllocationCount()
	stats.PoolBytes += m.size
	stats.AllocationBytes += m.sumUsedSize
}

func (m *ListBlockMetadata) Clear() {
	m.Init(m.size)
}

func (m *ListBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	json.Name("Blocks").Int(m.blockCount)
	m.BlockMetadataBase.BlockJsonData(json, m.SumFreeSize(), m.AllocationCount(), m.FreeRegionsCount())
}

func (m *ListBlockMetadata) CheckCorruption(blockData []byte) error {
	if len(blockData) < m.size {
		return errors.Errorf("received %d bytes of block data, but the metadata manages %d bytes", len(blockData), m.size)
	}

	for index := m.head; index != noBlock; index = m.blocks[index].next {
		block := &m.blocks[index]
		if !memutils.ValidateMagicValue(blockData, block.offset, BlockHeaderSize) {
			return errors.Errorf("memory corruption detected in the header of the block at offset %d", block.offset)
		}
	}

	return nil
}

// findBlock retrieves the table index of the block whose payload begins at handle. When no block
// begins there, the returned error explains why the handle is unusable.
func (m *ListBlockMetadata) findBlock(handle BlockAllocationHandle) (int, error) {
	index, ok := m.handleKey.Get(handle)
	if ok {
		return index, nil
	}

	if handle < BlockAllocationHandle(BlockHeaderSize) || handle >= BlockAllocationHandle(m.size) {
		return noBlock, cerrors.Wrapf(memutils.InvalidHandleError, "handle %d lies outside the managed region of %d bytes", handle, m.size)
	}

	// The handle is inside the region but isn't the start of a payload. If it lands inside a free
	// block, it most likely belonged to an allocation that was freed and then merged into its predecessor.
	offset := int(handle)
	for index = m.head; index != noBlock; index = m.blocks[index].next {
		block := &m.blocks[index]
		if offset < block.offset || offset >= block.end() {
			continue
		}

		if block.free {
			return noBlock, cerrors.Wrapf(memutils.DoubleReleaseError, "handle %d lies inside the free block at offset %d", handle, block.offset)
		}

		return noBlock, cerrors.Wrapf(memutils.InvalidHandleError, "handle %d lies inside the allocation at offset %d but is not its start", handle, block.offset)
	}

	return noBlock, cerrors.Wrapf(memutils.InvalidHandleError, "handle %d could not be located", handle)
}

// findAllocation is findBlock for handles that must refer to a live allocation
func (m *ListBlockMetadata) findAllocation(handle BlockAllocationHandle) (int, error) {
	index, err := m.findBlock(handle)
	if err != nil {
		return noBlock, err
	}

	if m.blocks[index].free {
		return noBlock, cerrors.Wrapf(memutils.DoubleReleaseError, "the block at offset %d is already free", m.blocks[index].offset)
	}

	return index, nil
}

func (m *ListBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	index, err := m.findAllocation(allocHandle)
	if err != nil {
		return 0, err
	}

	return m.blocks[index].size, nil
}

func (m *ListBlockMetadata) CreateAllocationRequest(allocSize int) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	memutils.DebugValidate(m)

	// Is there enough free memory at all?
	if allocSize > m.sumFreeSize {
		return false, allocRequest, nil
	}

	chosen := noBlock

search:
	for index := m.head; index != noBlock; index = m.blocks[index].next {
		block := &m.blocks[index]
		if !block.free || block.size < allocSize {
			continue
		}

		switch m.strategy {
		case AllocationStrategyBestFit:
			if chosen == noBlock || block.size < m.blocks[chosen].size {
				chosen = index
			}

			// Nothing can beat an exact fit
			if block.size == allocSize {
				break search
			}
		case AllocationStrategyWorstFit:
			if chosen == noBlock || block.size > m.blocks[chosen].size {
				chosen = index
			}
		default:
			chosen = index
			break search
		}
	}

	if chosen == noBlock {
		return false, allocRequest, nil
	}

	allocRequest.BlockAllocationHandle = m.blocks[chosen].handle()
	allocRequest.Size = allocSize
	allocRequest.Strategy = m.strategy
	allocRequest.AlgorithmData = uint64(chosen)

	return true, allocRequest, nil
}

func (m *ListBlockMetadata) Alloc(req AllocationRequest) (int, error) {
	index, err := m.findBlock(req.BlockAllocationHandle)
	if err != nil {
		return noBlock, err
	}

	if uint64(index) != req.AlgorithmData {
		return noBlock, errors.New("allocation request refers to a block that no longer exists")
	}

	block := &m.blocks[index]
	if !block.free {
		return noBlock, errors.Errorf("block at offset %d is no longer free", block.offset)
	}

	if block.size < req.Size {
		return noBlock, errors.Errorf("block at offset %d holds %d bytes, which is too small for the request of %d bytes", block.offset, block.size, req.Size)
	}

	m.sumFreeSize -= block.size
	splitOffset := noBlock

	// Only split if the remainder can hold a header and at least one byte of payload
	if block.size >= req.Size+BlockHeaderSize+1 {
		newIndex := m.allocateBlock()
		// allocateBlock may have grown the table
		block = &m.blocks[index]

		newBlock := &m.blocks[newIndex]
		newBlock.offset = block.offset + BlockHeaderSize + req.Size
		newBlock.size = block.size - req.Size - BlockHeaderSize
		newBlock.free = true
		newBlock.next = block.next
		m.handleKey.Put(newBlock.handle(), newIndex)

		block.next = newIndex
		block.size = req.Size

		m.blockCount++
		m.freeBlockCount++
		m.sumFreeSize += newBlock.size
		splitOffset = newBlock.offset
	}

	block.free = false
	m.freeBlockCount--
	m.sumUsedSize += block.size

	return splitOffset, nil
}

func (m *ListBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	index, err := m.findAllocation(allocHandle)
	if err != nil {
		return err
	}

	block := &m.blocks[index]
	block.free = true
	m.freeBlockCount++
	m.sumUsedSize -= block.size
	m.sumFreeSize += block.size

	return nil
}

func (m *ListBlockMetadata) Coalesce() int {
	var merges int

	index := m.head
	for index != noBlock {
		block := &m.blocks[index]
		if block.next == noBlock {
			break
		}

		next := &m.blocks[block.next]
		if !block.free || !next.free {
			index = block.next
			continue
		}

		// Absorb the successor, header and all, then look at the new successor
		// without advancing so that longer runs collapse in one pass
		absorbed := block.next
		block.size += BlockHeaderSize + next.size
		block.next = next.next
		m.freeBlock(absorbed)

		m.blockCount--
		m.freeBlockCount--
		m.sumFreeSize += BlockHeaderSize
		merges++
	}

	return merges
}
