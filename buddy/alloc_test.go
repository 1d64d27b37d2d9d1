package buddy_test

import (
	"math"
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/aperture/buddy"
	"github.com/vkngwrapper/aperture/memutils"
	"golang.org/x/exp/slog"
)

func TestAllocSplitAndCoalesce(t *testing.T) {
	m, err := buddy.New(slog.Default(), buddy.CreateOptions{
		Start:     0,
		End:       1 << 20,
		ChunkSize: 4096,
	})
	require.NoError(t, err)
	defer m.Destroy()

	alloc, err := m.Alloc(0)
	require.NoError(t, err)

	offset, err := m.AllocationOffset(alloc)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	size, err := m.AllocationSize(alloc)
	require.NoError(t, err)
	require.Equal(t, 4096, size)

	require.NoError(t, m.Validate())

	// One sibling left free at each of the orders 0..7
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			RangeCount:      1,
			RangeBytes:      1 << 20,
			AllocationCount: 1,
			AllocationBytes: 4096,
		},
		FreeRegionCount:   8,
		AllocationSizeMin: 4096,
		AllocationSizeMax: 4096,
		FreeRegionSizeMin: 4096,
		FreeRegionSizeMax: 128 * 4096,
	}, stats)

	// Freeing coalesces all the way back up to a single root
	require.NoError(t, m.Free(alloc))
	require.NoError(t, m.Validate())
	require.Equal(t, 1, m.FreeRegionsCount())
	require.Equal(t, 1<<20, m.SumFreeSize())

	stats.Clear()
	m.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			RangeCount:      1,
			RangeBytes:      1 << 20,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		FreeRegionCount:   1,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRegionSizeMin: 1 << 20,
		FreeRegionSizeMax: 1 << 20,
	}, stats)
}

func TestAllocOrderGeometry(t *testing.T) {
	m, err := buddy.New(slog.Default(), buddy.CreateOptions{
		Start:     0,
		End:       1 << 20,
		ChunkSize: 4096,
	})
	require.NoError(t, err)
	defer m.Destroy()

	var allocs []buddy.BlockHandle
	for order := 0; order <= 3; order++ {
		alloc, err := m.Alloc(order)
		require.NoError(t, err)
		allocs = append(allocs, alloc)

		size, err := m.AllocationSize(alloc)
		require.NoError(t, err)
		require.Equal(t, 4096<<order, size)

		offset, err := m.AllocationOffset(alloc)
		require.NoError(t, err)
		require.Zero(t, offset%size)

		returnedOrder, err := m.AllocationOrder(alloc)
		require.NoError(t, err)
		require.Equal(t, order, returnedOrder)
	}

	require.NoError(t, m.Validate())

	for _, alloc := range allocs {
		require.NoError(t, m.Free(alloc))
	}
	require.Equal(t, 1, m.FreeRegionsCount())
}

func TestAllocBadOrder(t *testing.T) {
	m, err := buddy.New(slog.Default(), buddy.CreateOptions{
		Start:     0,
		End:       1 << 20,
		ChunkSize: 4096,
	})
	require.NoError(t, err)
	defer m.Destroy()

	_, err = m.Alloc(9)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, buddy.OutOfSpaceError))

	_, err = m.Alloc(-1)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, buddy.InvalidArgumentError))
}

func TestAllocExhaustion(t *testing.T) {
	m, err := buddy.New(slog.Default(), buddy.CreateOptions{
		Start:     0,
		End:       16 * 4096,
		ChunkSize: 4096,
	})
	require.NoError(t, err)
	defer m.Destroy()

	seen := map[int]bool{}
	var allocs []buddy.BlockHandle
	for i := 0; i < 16; i++ {
		alloc, err := m.Alloc(0)
		require.NoError(t, err)
		allocs = append(allocs, alloc)

		offset, err := m.AllocationOffset(alloc)
		require.NoError(t, err)
		require.False(t, seen[offset])
		seen[offset] = true
	}

	require.Zero(t, m.SumFreeSize())
	require.False(t, m.IsEmpty())

	_, err = m.Alloc(0)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, buddy.OutOfSpaceError))

	require.NoError(t, m.Validate())

	for _, alloc := range allocs {
		require.NoError(t, m.Free(alloc))
	}

	require.NoError(t, m.Validate())
	require.Equal(t, 1, m.FreeRegionsCount())
	require.Equal(t, 16*4096, m.SumFreeSize())
}

func TestAllocRoundTripArbitraryFreeOrder(t *testing.T) {
	m, err := buddy.New(slog.Default(), buddy.CreateOptions{
		Start:     0,
		End:       1 << 20,
		ChunkSize: 4096,
	})
	require.NoError(t, err)
	defer m.Destroy()

	var initStats memutils.DetailedStatistics
	initStats.Clear()
	m.AddDetailedStatistics(&initStats)

	orders := []int{0, 3, 1, 5, 0, 2, 4, 1}
	var allocs []buddy.BlockHandle
	for _, order := range orders {
		alloc, err := m.Alloc(order)
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}

	require.NoError(t, m.Validate())

	freeOrder := []int{5, 0, 7, 2, 6, 4, 1, 3}
	for _, i := range freeOrder {
		require.NoError(t, m.Free(allocs[i]))
	}

	require.NoError(t, m.Validate())

	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)
	require.Equal(t, initStats, stats)
}

func TestAllocPrefersSmallestSufficientOrder(t *testing.T) {
	m, err := buddy.New(slog.Default(), buddy.CreateOptions{
		Start:     0,
		End:       8 * 4096,
		ChunkSize: 4096,
	})
	require.NoError(t, err)
	defer m.Destroy()

	// Splitting for the order-0 block leaves free siblings at orders 0, 1, 2
	first, err := m.Alloc(0)
	require.NoError(t, err)
	require.Equal(t, 3, m.FreeRegionsCount())

	// The existing order-1 sibling must be used rather than splitting the
	// order-2 block
	second, err := m.Alloc(1)
	require.NoError(t, err)

	offset, err := m.AllocationOffset(second)
	require.NoError(t, err)
	require.Equal(t, 2*4096, offset)
	require.Equal(t, 2, m.FreeRegionsCount())

	require.NoError(t, m.Free(second))
	require.NoError(t, m.Free(first))
	require.Equal(t, 1, m.FreeRegionsCount())
}

func TestAllocNodeBudgetUnwind(t *testing.T) {
	m, err := buddy.New(slog.Default(), buddy.CreateOptions{
		Start:     0,
		End:       1 << 20,
		ChunkSize: 4096,
		NodeLimit: 5,
	})
	require.NoError(t, err)
	defer m.Destroy()

	var initStats memutils.DetailedStatistics
	initStats.Clear()
	m.AddDetailedStatistics(&initStats)

	// The descent from order 8 to order 0 needs more nodes than the budget
	// allows; the partial split chain must be merged back
	_, err = m.Alloc(0)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, buddy.OutOfMemoryError))

	require.NoError(t, m.Validate())
	require.Equal(t, 1, m.FreeRegionsCount())

	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)
	require.Equal(t, initStats, stats)

	// An allocation that fits the budget still works
	alloc, err := m.Alloc(7)
	require.NoError(t, err)
	require.NoError(t, m.Free(alloc))
}

func TestFreeStaleHandle(t *testing.T) {
	m, err := buddy.New(slog.Default(), buddy.CreateOptions{
		Start:     0,
		End:       2 * 4096,
		ChunkSize: 4096,
	})
	require.NoError(t, err)
	defer m.Destroy()

	first, err := m.Alloc(0)
	require.NoError(t, err)
	second, err := m.Alloc(0)
	require.NoError(t, err)

	require.NoError(t, m.Free(first))
	require.Error(t, m.Free(first))

	// Freeing the second block coalesces the pair away; its handle no longer
	// names a live block
	require.NoError(t, m.Free(second))
	require.Error(t, m.Free(second))

	require.NoError(t, m.Validate())
	require.Equal(t, 1, m.FreeRegionsCount())
}

func TestAllocationUserData(t *testing.T) {
	m, err := buddy.New(slog.Default(), buddy.CreateOptions{
		Start:     0,
		End:       1 << 20,
		ChunkSize: 4096,
	})
	require.NoError(t, err)
	defer m.Destroy()

	alloc, err := m.Alloc(0)
	require.NoError(t, err)

	userData, err := m.AllocationUserData(alloc)
	require.NoError(t, err)
	require.Nil(t, userData)

	require.NoError(t, m.SetAllocationUserData(alloc, 99))
	userData, err = m.AllocationUserData(alloc)
	require.NoError(t, err)
	require.Equal(t, 99, userData)

	require.NoError(t, m.Free(alloc))
	_, err = m.AllocationUserData(alloc)
	require.Error(t, err)
}
