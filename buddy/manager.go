package buddy

import (
	"fmt"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/aperture/memutils"
	"golang.org/x/exp/slog"
)

// MinChunkSize is the smallest permitted allocation granularity, matching the
// smallest page size the aperture hardware can map.
const MinChunkSize = 4096

// CreateOptions contains the parameters a new Manager is built from.
type CreateOptions struct {
	// Start and End delimit the byte range to manage. Start is aligned up and
	// End is aligned down to ChunkSize before any blocks are built, so the
	// managed range may be smaller than [Start, End).
	Start int
	End   int

	// ChunkSize is the minimum allocation granularity. It must be a power of
	// two no smaller than MinChunkSize. All block offsets and sizes are
	// multiples of it.
	ChunkSize int

	// NodeLimit bounds the number of live tree nodes the manager may hold at
	// once. When the limit is reached, operations that would need more nodes
	// fail with OutOfMemoryError after unwinding their partial work. A value
	// of 0 leaves the node arena unbounded.
	NodeLimit int
}

// Manager owns a binary buddy tree over one contiguous aperture range. Blocks
// are power-of-two multiples of the chunk size, split on demand and coalesced
// on free, so allocation and free complete in O(maxOrder) steps.
//
// A Manager is not internally synchronized: all mutating calls must come from
// a single goroutine or be serialized by the caller.
type Manager struct {
	logger *slog.Logger

	rangeStart int
	rangeEnd   int
	rangeSize  int
	chunkSize  int
	maxOrder   int

	// Node arena. Tree links are indices into nodes; destroyed node slots are
	// recycled through the recycled list.
	nodes     []blockNode
	recycled  []int32
	liveNodes int
	nodeLimit int

	// roots tile [rangeStart, rangeEnd) exactly, in ascending offset order.
	roots []int32

	// freeList[order] is the head of the intrusive list of free blocks at that
	// order, or nilNode.
	freeList []int32

	handleKey  *swiss.Map[BlockHandle, int32]
	nextHandle BlockHandle

	allocCount int
	freeCount  int
	freeBytes  int
}

var _ memutils.Validatable = &Manager{}

// New creates a Manager for the byte range [options.Start, options.End),
// aligned inward to options.ChunkSize. The aligned range is covered with the
// minimum number of naturally aligned power-of-two roots, all initially free.
func New(logger *slog.Logger, options CreateOptions) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := memutils.CheckPow2(uint(options.ChunkSize), "options.ChunkSize"); err != nil {
		return nil, cerrors.Mark(err, InvalidArgumentError)
	}
	if options.ChunkSize < MinChunkSize {
		return nil, cerrors.Wrapf(InvalidArgumentError, "chunk size %d is smaller than the minimum %d", options.ChunkSize, MinChunkSize)
	}
	if options.Start < 0 || options.Start >= options.End {
		return nil, cerrors.Wrapf(InvalidArgumentError, "degenerate range [%d, %d)", options.Start, options.End)
	}

	alignedStart := memutils.AlignUp(options.Start, uint(options.ChunkSize))
	alignedEnd := memutils.AlignDown(options.End, uint(options.ChunkSize))
	if alignedStart >= alignedEnd {
		return nil, cerrors.Wrapf(InvalidArgumentError, "range [%d, %d) has no space left after alignment to %d", options.Start, options.End, options.ChunkSize)
	}

	m := &Manager{
		logger: logger,

		rangeStart: alignedStart,
		rangeEnd:   alignedEnd,
		rangeSize:  alignedEnd - alignedStart,
		chunkSize:  options.ChunkSize,
		nodeLimit:  options.NodeLimit,

		handleKey: swiss.NewMap[BlockHandle, int32](42),
	}

	err := m.initRoots()
	if err != nil {
		return nil, err
	}

	memutils.DebugValidate(m)
	return m, nil
}

// initRoots covers [rangeStart, rangeEnd) with naturally aligned power-of-two
// blocks: at each offset the order is limited by both the remaining length and
// the alignment of the offset, in chunk units. The result is the minimum
// number of roots for the range.
func (m *Manager) initRoots() error {
	var rootOrders []int
	maxOrder := 0

	offset := m.rangeStart
	for offset < m.rangeEnd {
		remainingChunks := (m.rangeEnd - offset) / m.chunkSize
		order := 63 - bits.LeadingZeros64(uint64(remainingChunks))

		offsetChunks := offset / m.chunkSize
		if offsetChunks != 0 {
			alignLimit := bits.TrailingZeros64(uint64(offsetChunks))
			if alignLimit < order {
				order = alignLimit
			}
		}

		rootOrders = append(rootOrders, order)
		if order > maxOrder {
			maxOrder = order
		}
		offset += m.chunkSize << order
	}

	m.maxOrder = maxOrder
	m.freeList = make([]int32, maxOrder+1)
	for i := range m.freeList {
		m.freeList[i] = nilNode
	}

	offset = m.rangeStart
	for _, order := range rootOrders {
		idx, err := m.allocateNode()
		if err != nil {
			m.release()
			return err
		}

		node := &m.nodes[idx]
		node.offset = offset
		node.order = order

		m.roots = append(m.roots, idx)
		m.insertFreeBlock(idx)
		offset += m.blockSize(order)
	}

	return nil
}

// Destroy tears the manager down. Every block must have been freed first;
// destroying a manager with outstanding allocations indicates a leak in the
// caller and is reported through memutils.DebugAssert.
func (m *Manager) Destroy() {
	memutils.DebugAssert(m.allocCount == 0, "destroying a buddy manager with %d outstanding allocations", m.allocCount)
	for _, root := range m.roots {
		memutils.DebugAssert(m.nodes[root].state == blockFree, "destroying a buddy manager whose root at offset %d is not free", m.nodes[root].offset)
	}

	m.release()
}

func (m *Manager) release() {
	m.nodes = nil
	m.recycled = nil
	m.roots = nil
	m.freeList = nil
	m.handleKey = nil
	m.liveNodes = 0
	m.allocCount = 0
	m.freeCount = 0
	m.freeBytes = 0
}

// Clear instantly frees all allocations and rebuilds the root set, returning
// the manager to its post-creation state. All outstanding handles become
// invalid.
func (m *Manager) Clear() {
	m.nodes = m.nodes[:0]
	m.recycled = nil
	m.roots = nil
	m.handleKey = swiss.NewMap[BlockHandle, int32](42)
	m.liveNodes = 0
	m.allocCount = 0
	m.freeCount = 0
	m.freeBytes = 0

	// The rebuilt root set is never larger than the one built at creation, so
	// the node budget cannot fail here.
	err := m.initRoots()
	if err != nil {
		panic(fmt.Sprintf("failed to rebuild the root set: %+v", err))
	}
}

// Size returns the number of bytes under management, after alignment of the
// construction range.
func (m *Manager) Size() int { return m.rangeSize }

// ChunkSize returns the minimum allocation granularity in bytes.
func (m *Manager) ChunkSize() int { return m.chunkSize }

// MaxOrder returns the highest order present in any root. Alloc requests above
// this order always fail.
func (m *Manager) MaxOrder() int { return m.maxOrder }

// AllocationCount returns the number of live allocations, which should
// generally be the number of successful allocations minus the number of
// successful frees.
func (m *Manager) AllocationCount() int { return m.allocCount }

// SumFreeSize returns the number of free bytes in the managed range.
func (m *Manager) SumFreeSize() int { return m.freeBytes }

// FreeRegionsCount returns the number of free blocks in the managed range.
// Buddy pairs that are both free are always coalesced, so adjacent free blocks
// of the same order never count twice.
func (m *Manager) FreeRegionsCount() int { return m.freeCount }

// IsEmpty will return true if the manager has no live allocations
func (m *Manager) IsEmpty() bool { return m.allocCount == 0 }

func (m *Manager) blockSize(order int) int {
	return m.chunkSize << order
}

func (m *Manager) allocateNode() (int32, error) {
	if m.nodeLimit > 0 && m.liveNodes >= m.nodeLimit {
		return nilNode, cerrors.Wrapf(OutOfMemoryError, "the manager is limited to %d block nodes", m.nodeLimit)
	}

	var idx int32
	if len(m.recycled) > 0 {
		idx = m.recycled[len(m.recycled)-1]
		m.recycled = m.recycled[:len(m.recycled)-1]
	} else {
		m.nodes = append(m.nodes, blockNode{})
		idx = int32(len(m.nodes) - 1)
	}

	m.nextHandle++
	m.nodes[idx] = blockNode{
		state:    blockAllocated,
		parent:   nilNode,
		left:     nilNode,
		right:    nilNode,
		prevFree: nilNode,
		nextFree: nilNode,
		handle:   m.nextHandle,
	}
	m.handleKey.Put(m.nextHandle, idx)
	m.liveNodes++

	return idx, nil
}

func (m *Manager) destroyNode(idx int32) {
	node := &m.nodes[idx]
	m.handleKey.Delete(node.handle)
	node.userData = nil
	m.recycled = append(m.recycled, idx)
	m.liveNodes--
}

func (m *Manager) getBlock(handle BlockHandle) (int32, error) {
	idx, ok := m.handleKey.Get(handle)
	if !ok {
		return nilNode, errors.New("received a handle that does not name a live block")
	}
	return idx, nil
}

func (m *Manager) insertFreeBlock(idx int32) {
	node := &m.nodes[idx]
	if node.state == blockFree {
		panic(fmt.Sprintf("block at offset %d is already free", node.offset))
	}

	node.state = blockFree
	node.prevFree = nilNode
	node.nextFree = m.freeList[node.order]
	m.freeList[node.order] = idx
	if node.nextFree != nilNode {
		m.nodes[node.nextFree].prevFree = idx
	}

	m.freeCount++
	m.freeBytes += m.blockSize(node.order)
}

func (m *Manager) removeFreeBlock(idx int32) {
	node := &m.nodes[idx]
	if node.state != blockFree {
		panic(fmt.Sprintf("block at offset %d is not free", node.offset))
	}

	if node.nextFree != nilNode {
		m.nodes[node.nextFree].prevFree = node.prevFree
	}
	if node.prevFree != nilNode {
		m.nodes[node.prevFree].nextFree = node.nextFree
	} else {
		if m.freeList[node.order] != idx {
			panic(fmt.Sprintf("block at offset %d was not in the free list at the expected location", node.offset))
		}
		m.freeList[node.order] = node.nextFree
	}

	node.prevFree = nilNode
	node.nextFree = nilNode
	node.state = blockAllocated

	m.freeCount--
	m.freeBytes -= m.blockSize(node.order)
}

// AllocationOffset accepts a BlockHandle that maps to a live block and returns
// the byte offset of that block within the aperture.
func (m *Manager) AllocationOffset(handle BlockHandle) (int, error) {
	idx, err := m.getBlock(handle)
	if err != nil {
		return 0, err
	}
	return m.nodes[idx].offset, nil
}

// AllocationSize accepts a BlockHandle that maps to a live block and returns
// the size of that block in bytes, chunkSize * 2^order.
func (m *Manager) AllocationSize(handle BlockHandle) (int, error) {
	idx, err := m.getBlock(handle)
	if err != nil {
		return 0, err
	}
	return m.blockSize(m.nodes[idx].order), nil
}

// AllocationOrder accepts a BlockHandle that maps to a live block and returns
// the order of that block.
func (m *Manager) AllocationOrder(handle BlockHandle) (int, error) {
	idx, err := m.getBlock(handle)
	if err != nil {
		return 0, err
	}
	return m.nodes[idx].order, nil
}

// AllocationUserData accepts a BlockHandle that maps to a live allocation and
// returns the userdata value provided by the consumer for that allocation.
func (m *Manager) AllocationUserData(handle BlockHandle) (any, error) {
	idx, err := m.getBlock(handle)
	if err != nil {
		return nil, err
	}
	if m.nodes[idx].state != blockAllocated {
		return nil, errors.New("user data cannot be retrieved for a free block")
	}
	return m.nodes[idx].userData, nil
}

// SetAllocationUserData accepts a BlockHandle that maps to a live allocation
// and a userData value. The allocation's userData is changed to the provided
// userData.
func (m *Manager) SetAllocationUserData(handle BlockHandle, userData any) error {
	idx, err := m.getBlock(handle)
	if err != nil {
		return err
	}
	if m.nodes[idx].state != blockAllocated {
		return errors.New("user data cannot be set for a free block")
	}
	m.nodes[idx].userData = userData
	return nil
}

// VisitAllRegions calls the provided callback once for each allocated block
// and free region in the managed range, in ascending offset order.
func (m *Manager) VisitAllRegions(handleRegion func(handle BlockHandle, offset int, size int, userData any, free bool) error) error {
	work := make([]int32, 0, len(m.roots)+m.maxOrder)
	for i := len(m.roots) - 1; i >= 0; i-- {
		work = append(work, m.roots[i])
	}

	for len(work) > 0 {
		idx := work[len(work)-1]
		work = work[:len(work)-1]

		node := &m.nodes[idx]
		if node.state == blockSplit {
			work = append(work, node.right, node.left)
			continue
		}

		err := handleRegion(node.handle, node.offset, m.blockSize(node.order), node.userData, node.state == blockFree)
		if err != nil {
			return err
		}
	}

	return nil
}

// AddDetailedStatistics sums this manager's allocation statistics into the
// statistics currently present in the provided memutils.DetailedStatistics
// object.
func (m *Manager) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.RangeCount++
	stats.RangeBytes += m.rangeSize

	_ = m.VisitAllRegions(func(_ BlockHandle, _ int, size int, _ any, free bool) error {
		if free {
			stats.AddFreeRegion(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// AddStatistics sums this manager's allocation statistics into the statistics
// currently present in the provided memutils.Statistics object.
func (m *Manager) AddStatistics(stats *memutils.Statistics) {
	stats.RangeCount++
	stats.AllocationCount += m.allocCount
	stats.RangeBytes += m.rangeSize
	stats.AllocationBytes += m.rangeSize - m.freeBytes
}

// Validate performs internal consistency checks on the buddy tree: free list
// integrity, exact tiling of the managed range, natural alignment, split-child
// geometry, full coalescing, and agreement of the cached counters. When the
// manager is functioning correctly it should not be possible for this method
// to return an error.
func (m *Manager) Validate() error {
	if m.freeBytes > m.rangeSize {
		return errors.New("invalid manager free size")
	}

	// Check integrity of free lists
	var freeListCount, freeListBytes int
	for order := 0; order < len(m.freeList); order++ {
		idx := m.freeList[order]
		if idx == nilNode {
			continue
		}

		if m.nodes[idx].prevFree != nilNode {
			return errors.Errorf("block at offset %d is the head of the order-%d free list but has a previous block", m.nodes[idx].offset, order)
		}

		for idx != nilNode {
			node := &m.nodes[idx]
			if node.state != blockFree {
				return errors.Errorf("block at offset %d is in the order-%d free list but is not free", node.offset, order)
			}
			if node.order != order {
				return errors.Errorf("block at offset %d has order %d but is in the order-%d free list", node.offset, node.order, order)
			}
			if node.nextFree != nilNode && m.nodes[node.nextFree].prevFree != idx {
				return errors.Errorf("block at offset %d lists the block at offset %d as its next free block, but the reverse reference is broken", node.offset, m.nodes[node.nextFree].offset)
			}

			freeListCount++
			freeListBytes += m.blockSize(order)
			idx = node.nextFree
		}
	}

	// Walk the tree: leaves must tile the managed range exactly
	nextOffset := m.rangeStart
	var allocCount, freeCount, nodeCount int

	work := make([]int32, 0, len(m.roots)+m.maxOrder)
	for i := len(m.roots) - 1; i >= 0; i-- {
		root := m.roots[i]
		if m.nodes[root].parent != nilNode {
			return errors.Errorf("root at offset %d has a parent", m.nodes[root].offset)
		}
		work = append(work, root)
	}

	for len(work) > 0 {
		idx := work[len(work)-1]
		work = work[:len(work)-1]

		node := &m.nodes[idx]
		nodeCount++

		if !memutils.IsAligned(node.offset, uint(m.blockSize(node.order))) {
			return errors.Errorf("block at offset %d is not naturally aligned for order %d", node.offset, node.order)
		}

		switch node.state {
		case blockSplit:
			if node.left == nilNode || node.right == nilNode {
				return errors.Errorf("split block at offset %d is missing a child", node.offset)
			}

			left := &m.nodes[node.left]
			right := &m.nodes[node.right]
			if left.order != node.order-1 || right.order != node.order-1 {
				return errors.Errorf("split block at offset %d has children of the wrong order", node.offset)
			}
			if left.offset != node.offset || right.offset != node.offset+m.blockSize(node.order-1) {
				return errors.Errorf("split block at offset %d has children that do not tile it", node.offset)
			}
			if left.parent != idx || right.parent != idx {
				return errors.Errorf("split block at offset %d has a child with a broken parent reference", node.offset)
			}

			work = append(work, node.right, node.left)

		case blockFree, blockAllocated:
			if node.left != nilNode || node.right != nilNode {
				return errors.Errorf("%s block at offset %d has children", node.state, node.offset)
			}
			if node.offset != nextOffset {
				return errors.Errorf("%s block at offset %d does not begin at the expected offset %d", node.state, node.offset, nextOffset)
			}
			nextOffset += m.blockSize(node.order)

			if node.state == blockAllocated {
				allocCount++
				break
			}

			freeCount++
			if node.parent != nilNode {
				parent := &m.nodes[node.parent]
				buddy := parent.left
				if buddy == idx {
					buddy = parent.right
				}
				if m.nodes[buddy].state == blockFree {
					return errors.Errorf("free block at offset %d has a free buddy that should have been coalesced", node.offset)
				}
			}

		default:
			return errors.Errorf("block at offset %d has an invalid state %d", node.offset, uint32(node.state))
		}
	}

	if nextOffset != m.rangeEnd {
		return errors.Errorf("the managed range ends at %d, but the blocks only reached %d", m.rangeEnd, nextOffset)
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free blocks in the tree and the number of blocks in the free lists do not match! free list size: %d, tree free blocks: %d", freeListCount, freeCount)
	}
	if freeListBytes != m.freeBytes {
		return errors.Errorf("the free size of the manager is %d, but the free blocks only added up to %d", m.freeBytes, freeListBytes)
	}
	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the manager is %d, but the allocated blocks only added up to %d", m.allocCount, allocCount)
	}
	if freeCount != m.freeCount {
		return errors.Errorf("the free block count of the manager is %d, but there were only %d free blocks", m.freeCount, freeCount)
	}
	if nodeCount != m.liveNodes {
		return errors.Errorf("the manager has %d live nodes, but only %d were reachable from the roots", m.liveNodes, nodeCount)
	}

	return nil
}
