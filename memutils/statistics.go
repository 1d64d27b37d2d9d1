package memutils

import "math"

// Statistics is a snapshot of the coarse usage numbers of one or more managed
// address ranges: how many ranges were summed, how many live allocations they
// hold, and the byte totals for both.
type Statistics struct {
	RangeCount      int
	AllocationCount int
	RangeBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.RangeCount = 0
	s.AllocationCount = 0
	s.RangeBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RangeCount += other.RangeCount
	s.AllocationCount += other.AllocationCount
	s.RangeBytes += other.RangeBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with per-region extremes. Free regions
// are counted individually so fragmentation can be judged from the snapshot.
type DetailedStatistics struct {
	Statistics
	FreeRegionCount   int
	AllocationSizeMin int
	AllocationSizeMax int
	FreeRegionSizeMin int
	FreeRegionSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRegionCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeRegionSizeMin = math.MaxInt
	s.FreeRegionSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRegion(size int) {
	s.FreeRegionCount++

	if size < s.FreeRegionSizeMin {
		s.FreeRegionSizeMin = size
	}

	if size > s.FreeRegionSizeMax {
		s.FreeRegionSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRegionCount += other.FreeRegionCount

	if other.FreeRegionSizeMin < s.FreeRegionSizeMin {
		s.FreeRegionSizeMin = other.FreeRegionSizeMin
	}

	if other.FreeRegionSizeMax > s.FreeRegionSizeMax {
		s.FreeRegionSizeMax = other.FreeRegionSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
