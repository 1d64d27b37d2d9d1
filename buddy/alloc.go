package buddy

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/aperture/memutils"
)

type undoKind uint32

const (
	// undoSplit records that the named block was split one level, with both
	// children inserted as free.
	undoSplit undoKind = iota
	// undoAlloc records that the named free block was marked allocated.
	undoAlloc
)

type undoOp struct {
	kind undoKind
	node int32
}

// Alloc removes a free block of exactly the requested order from the managed
// range and returns a handle to it. The smallest sufficient order with a free
// block is used; when only a larger block is available it is split level by
// level until a block of the requested order is produced.
//
// Fails with OutOfSpaceError when no free block of order >= order exists
// anywhere, and with OutOfMemoryError when the node budget is exhausted
// mid-split, in which case the partial split is unwound before returning.
func (m *Manager) Alloc(order int) (BlockHandle, error) {
	if order < 0 {
		return NoBlock, cerrors.Wrapf(InvalidArgumentError, "order is %d", order)
	}

	memutils.DebugValidate(m)

	if order > m.maxOrder {
		return NoBlock, cerrors.Wrapf(OutOfSpaceError, "order %d exceeds the range's maximum order %d", order, m.maxOrder)
	}

	// Never search below the requested order
	found := nilNode
	for i := order; i <= m.maxOrder; i++ {
		if m.freeList[i] != nilNode {
			found = m.freeList[i]
			break
		}
	}
	if found == nilNode {
		return NoBlock, cerrors.Wrapf(OutOfSpaceError, "no free block of order %d or higher remains", order)
	}

	m.removeFreeBlock(found)

	var journal []undoOp
	cur := found
	for m.nodes[cur].order > order {
		left, err := m.splitBlock(cur)
		if err != nil {
			m.insertFreeBlock(cur)
			m.rollback(journal)
			return NoBlock, err
		}
		journal = append(journal, undoOp{undoSplit, cur})

		// Descend into the left child, leaving its buddy free
		m.removeFreeBlock(left)
		cur = left
	}

	m.allocCount++

	memutils.DebugValidate(m)
	return m.nodes[cur].handle, nil
}

// Free returns an allocated block to the manager. While the freed block's
// buddy is also free, the pair is merged back into its parent and the ascent
// continues, so the tree is always maximally coalesced between calls.
//
// The handle becomes invalid immediately, as do the handles of any ancestors
// merged away during coalescing.
func (m *Manager) Free(handle BlockHandle) error {
	idx, err := m.getBlock(handle)
	if err != nil {
		return err
	}
	if m.nodes[idx].state != blockAllocated {
		return errors.Errorf("block at offset %d is not allocated", m.nodes[idx].offset)
	}

	m.allocCount--
	m.nodes[idx].userData = nil
	m.insertFreeBlock(idx)
	m.coalesce(idx)

	memutils.DebugValidate(m)
	return nil
}

// splitBlock splits a block one level, producing two buddy children of the
// next order down. The caller must have already removed the block from its
// free list; both children are inserted as free. Returns the left child.
func (m *Manager) splitBlock(parentIdx int32) (int32, error) {
	left, err := m.allocateNode()
	if err != nil {
		return nilNode, err
	}
	right, err := m.allocateNode()
	if err != nil {
		m.destroyNode(left)
		return nilNode, err
	}

	parent := &m.nodes[parentIdx]
	parent.state = blockSplit
	parent.left = left
	parent.right = right

	childOrder := parent.order - 1
	childSize := m.blockSize(childOrder)

	leftNode := &m.nodes[left]
	leftNode.offset = parent.offset
	leftNode.order = childOrder
	leftNode.parent = parentIdx

	rightNode := &m.nodes[right]
	rightNode.offset = parent.offset + childSize
	rightNode.order = childOrder
	rightNode.parent = parentIdx

	m.insertFreeBlock(left)
	m.insertFreeBlock(right)

	return left, nil
}

// coalesce ascends from a newly freed block, merging it with its buddy while
// the buddy is also free. Merged children are destroyed and the parent takes
// their place in the free list.
func (m *Manager) coalesce(idx int32) {
	for {
		parentIdx := m.nodes[idx].parent
		if parentIdx == nilNode {
			return
		}

		parent := &m.nodes[parentIdx]
		buddy := parent.left
		if buddy == idx {
			buddy = parent.right
		}
		if m.nodes[buddy].state != blockFree {
			return
		}

		m.removeFreeBlock(idx)
		m.removeFreeBlock(buddy)
		m.destroyNode(idx)
		m.destroyNode(buddy)
		parent.left = nilNode
		parent.right = nilNode
		m.insertFreeBlock(parentIdx)

		idx = parentIdx
	}
}

// rollback runs the exact inverse of the recorded operations, newest first,
// restoring the manager to its state before the failed call.
func (m *Manager) rollback(journal []undoOp) {
	for i := len(journal) - 1; i >= 0; i-- {
		op := journal[i]
		switch op.kind {
		case undoAlloc:
			m.allocCount--
			m.nodes[op.node].userData = nil
			m.insertFreeBlock(op.node)

		case undoSplit:
			node := &m.nodes[op.node]
			m.removeFreeBlock(node.left)
			m.removeFreeBlock(node.right)
			m.destroyNode(node.left)
			m.destroyNode(node.right)
			node.left = nilNode
			node.right = nilNode
			m.insertFreeBlock(op.node)
		}
	}
}
