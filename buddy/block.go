package buddy

import "math"

// BlockHandle is a numeric handle used to identify individual blocks handed out
// by a Manager. Handles remain valid until the block they name is freed; a
// handle whose block was coalesced away during Free no longer maps to anything.
type BlockHandle uint64

const (
	// NoBlock is returned from methods that produce a BlockHandle when no block
	// could be produced.
	NoBlock BlockHandle = math.MaxUint64
)

type blockState uint32

const (
	// blockFree indicates the block is a leaf available for allocation and is a
	// member of exactly one free list.
	blockFree blockState = iota
	// blockAllocated indicates the block is a leaf owned by a caller.
	blockAllocated
	// blockSplit indicates the block is an interior node whose two children
	// exactly tile it.
	blockSplit
)

var blockStateMapping = map[blockState]string{
	blockFree:      "Free",
	blockAllocated: "Allocated",
	blockSplit:     "Split",
}

func (s blockState) String() string {
	return blockStateMapping[s]
}

// nilNode is the null value for node indices within the Manager's arena.
const nilNode int32 = -1

// blockNode is one node of the buddy tree. Nodes live in the Manager's flat
// arena and refer to each other by index rather than pointer, so a destroyed
// node can be recycled without leaving dangling references behind.
type blockNode struct {
	offset int
	order  int
	state  blockState

	parent int32
	left   int32
	right  int32

	// prevFree/nextFree link the node into its per-order free list. Both are
	// nilNode while the node is not free.
	prevFree int32
	nextFree int32

	handle   BlockHandle
	userData any
}
