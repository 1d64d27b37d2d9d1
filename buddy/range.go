package buddy

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/aperture/memutils"
	"golang.org/x/exp/slog"
)

// AllocRange reserves the exact byte range [start, start+size), rounded
// outward to chunk boundaries, and returns handles to the blocks now allocated
// that together cover it. Their union may be larger than the requested range
// because of the rounding, but never overlaps a previously allocated block.
//
// The operation is atomic: when any part of the rounded range conflicts with
// an allocated block the whole call fails with OutOfSpaceError and the manager
// is restored to its exact state before the call. The same applies to an
// OutOfMemoryError from the node budget.
//
// The intended use is carving out fixed, pre-existing hardware regions, such
// as a boot-time framebuffer, before general-purpose allocation begins; after
// success, Alloc never produces blocks overlapping the reserved range.
func (m *Manager) AllocRange(start, size int) ([]BlockHandle, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(InvalidArgumentError, "size is %d", size)
	}

	memutils.DebugValidate(m)

	lo := memutils.AlignDown(start, uint(m.chunkSize))
	hi := memutils.AlignUp(start+size, uint(m.chunkSize))
	if lo < m.rangeStart || hi > m.rangeEnd {
		return nil, cerrors.Wrapf(OutOfSpaceError, "range [%d, %d) extends outside the managed range [%d, %d)", lo, hi, m.rangeStart, m.rangeEnd)
	}

	var journal []undoOp
	var result []int32

	// Depth-first walk from the root set with an explicit work list, so stack
	// depth does not depend on tree shape
	work := make([]int32, 0, len(m.roots)+m.maxOrder)
	for i := len(m.roots) - 1; i >= 0; i-- {
		work = append(work, m.roots[i])
	}

	for len(work) > 0 {
		idx := work[len(work)-1]
		work = work[:len(work)-1]

		blockStart := m.nodes[idx].offset
		blockEnd := blockStart + m.blockSize(m.nodes[idx].order)
		if blockEnd <= lo || blockStart >= hi {
			continue
		}

		switch m.nodes[idx].state {
		case blockAllocated:
			m.rollback(journal)
			m.logger.Debug("range reservation conflict",
				slog.Int("rangeStart", lo),
				slog.Int("rangeEnd", hi),
				slog.Int("blockOffset", blockStart))
			return nil, cerrors.Wrapf(OutOfSpaceError, "range [%d, %d) conflicts with an allocated block at offset %d", lo, hi, blockStart)

		case blockSplit:
			work = append(work, m.nodes[idx].right, m.nodes[idx].left)

		case blockFree:
			if blockStart >= lo && blockEnd <= hi {
				m.removeFreeBlock(idx)
				m.allocCount++
				journal = append(journal, undoOp{undoAlloc, idx})
				result = append(result, idx)
				continue
			}

			// Partial overlap: split one level and re-evaluate both halves
			m.removeFreeBlock(idx)
			left, err := m.splitBlock(idx)
			if err != nil {
				m.insertFreeBlock(idx)
				m.rollback(journal)
				return nil, err
			}
			journal = append(journal, undoOp{undoSplit, idx})
			work = append(work, m.nodes[idx].right, left)
		}
	}

	handles := make([]BlockHandle, len(result))
	for i, idx := range result {
		handles[i] = m.nodes[idx].handle
	}

	memutils.DebugValidate(m)
	return handles, nil
}
