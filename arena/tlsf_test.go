package arena_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/memspan/memspan/arena"
	"github.com/memspan/memspan/memutils"
)

func TestTLSFBasicAlloc(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	success, req, err := tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc1)
	require.NoError(t, err)

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	err = tlsf.Free(alloc1)
	require.NoError(t, err)

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)
}

func TestTLSFSameSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(10000)

	allocs := make([]arena.AllocationHandle, 0, 5)
	for i := 0; i < 5; i++ {
		success, req, err := tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
		require.NoError(t, err)
		require.True(t, success)

		err = tlsf.Alloc(req, 1, nil)
		require.NoError(t, err)
		allocs = append(allocs, req.Handle)
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 5,
			AllocationBytes: 500,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 9500,
		UnusedRangeSizeMax: 9500,
	}, stats)

	// Free one from the middle and allocate the same size again; the hole
	// is the best fit, so it is reused
	err := tlsf.Free(allocs[2])
	require.NoError(t, err)

	success, req, err := tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	err = tlsf.Alloc(req, 1, nil)
	require.NoError(t, err)

	offset, err := tlsf.AllocationOffset(req.Handle)
	require.NoError(t, err)
	require.Equal(t, 200, offset)

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 5,
			AllocationBytes: 500,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 9500,
		UnusedRangeSizeMax: 9500,
	}, stats)

	err = tlsf.Validate()
	require.NoError(t, err)
}

func TestTLSFTripleSized(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(10000)

	success, req, err := tlsf.CreateAllocationRequest(10, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc1)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc2)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(1000, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc3)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 3,
			AllocationBytes: 1110,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  10,
		AllocationSizeMax:  1000,
		UnusedRangeSizeMin: 8890,
		UnusedRangeSizeMax: 8890,
	}, stats)

	err = tlsf.Validate()
	require.NoError(t, err)

	err = tlsf.Free(alloc2)
	require.NoError(t, err)

	err = tlsf.Free(alloc1)
	require.NoError(t, err)

	err = tlsf.Free(alloc3)
	require.NoError(t, err)

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 10000,
		UnusedRangeSizeMax: 10000,
	}, stats)
}

func TestTLSFFreeSpaceHuntDiffTiers(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(10000)

	success, req, err := tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc1)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc2)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(1000, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc3)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(8800, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc4 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc4)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 4,
			AllocationBytes: 10000,
		},
		UnusedRangeCount:   0,
		AllocationSizeMin:  100,
		AllocationSizeMax:  8800,
		UnusedRangeSizeMin: math.MaxInt,
		UnusedRangeSizeMax: 0,
	}, stats)

	err = tlsf.Free(alloc1)
	require.NoError(t, err)

	err = tlsf.Free(alloc3)
	require.NoError(t, err)

	// 110 doesn't fit the 100-byte hole, so the hunt moves up a tier and
	// splits the 1000-byte hole
	success, req, err = tlsf.CreateAllocationRequest(110, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc5 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc5)
	require.NoError(t, err)

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 3,
			AllocationBytes: 9010,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  100,
		AllocationSizeMax:  8800,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 890,
	}, stats)
}

func TestTLSFFreeSpaceHuntMinOffsetNullBlock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(1500)

	success, req, err := tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc1)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(1000, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc2)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1500,
			AllocationCount: 2,
			AllocationBytes: 1100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  1000,
		UnusedRangeSizeMin: 400,
		UnusedRangeSizeMax: 400,
	}, stats)

	err = tlsf.Free(alloc1)
	require.NoError(t, err)

	// The 100-byte hole at offset 0 is too small, so the unused tail of the
	// block is the lowest offset that fits
	success, req, err = tlsf.CreateAllocationRequest(150, 1, false, 1, arena.AllocationStrategyMinOffset)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc3)
	require.NoError(t, err)

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1500,
			AllocationCount: 2,
			AllocationBytes: 1150,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  150,
		AllocationSizeMax:  1000,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 250,
	}, stats)
}

func TestTLSFFreeSpaceHuntMinOffsetFreeBlock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(1500)

	success, req, err := tlsf.CreateAllocationRequest(1000, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc1)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc2)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(200, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc3)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1500,
			AllocationCount: 3,
			AllocationBytes: 1300,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  1000,
		UnusedRangeSizeMin: 200,
		UnusedRangeSizeMax: 200,
	}, stats)

	err = tlsf.Free(alloc1)
	require.NoError(t, err)

	err = tlsf.Free(alloc3)
	require.NoError(t, err)

	// Both the 1000-byte hole at offset 0 and the merged 400-byte tail fit;
	// min-offset picks offset 0
	success, req, err = tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinOffset)
	require.NoError(t, err)
	require.True(t, success)

	alloc4 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc4)
	require.NoError(t, err)

	offset4, err := tlsf.AllocationOffset(alloc4)
	require.NoError(t, err)
	require.Equal(t, 0, offset4)

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1500,
			AllocationCount: 2,
			AllocationBytes: 200,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 400,
		UnusedRangeSizeMax: 900,
	}, stats)
}

func TestTLSFFreeSpaceHuntMinTimeSameSizeBlock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(200)

	success, req, err := tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc1)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc2)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      200,
			AllocationCount: 2,
			AllocationBytes: 200,
		},
		UnusedRangeCount:   0,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: math.MaxInt,
		UnusedRangeSizeMax: 0,
	}, stats)

	err = tlsf.Free(alloc1)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc3)
	require.NoError(t, err)

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      200,
			AllocationCount: 2,
			AllocationBytes: 200,
		},
		UnusedRangeCount:   0,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: math.MaxInt,
		UnusedRangeSizeMax: 0,
	}, stats)
}

func TestTLSFFreeSpaceHuntMinTimeNullBlock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(10000)

	success, req, err := tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc1)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc2)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 2,
			AllocationBytes: 200,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 9800,
		UnusedRangeSizeMax: 9800,
	}, stats)

	err = tlsf.Free(alloc1)
	require.NoError(t, err)

	// Min-time prefers the untouched tail of the block over hunting for the
	// freed hole at offset 0
	success, req, err = tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc3)
	require.NoError(t, err)

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 2,
			AllocationBytes: 200,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 9700,
	}, stats)
}

func TestTLSFFreeMinTimeLargerBucket(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(10000)

	success, req, err := tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc1)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc2)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(1000, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc3)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(8800, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc4 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc4)
	require.NoError(t, err)

	err = tlsf.Free(alloc1)
	require.NoError(t, err)

	err = tlsf.Free(alloc3)
	require.NoError(t, err)

	// With the block full, min-time lands in the larger of the two freed
	// holes without walking the smaller bucket
	success, req, err = tlsf.CreateAllocationRequest(100, 1, false, 1, arena.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.True(t, success)

	alloc5 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc5)
	require.NoError(t, err)

	offset5, err := tlsf.AllocationOffset(alloc5)
	require.NoError(t, err)
	require.Equal(t, 200, offset5)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 3,
			AllocationBytes: 9000,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  100,
		AllocationSizeMax:  8800,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 900,
	}, stats)
}

func TestTLSFFreeSpaceHuntSameTier(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(130)

	success, req, err := tlsf.CreateAllocationRequest(20, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc1)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(50, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc2)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(30, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc3)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      130,
			AllocationCount: 3,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  20,
		AllocationSizeMax:  50,
		UnusedRangeSizeMin: 30,
		UnusedRangeSizeMax: 30,
	}, stats)

	err = tlsf.Free(alloc1)
	require.NoError(t, err)

	// The freed 20-byte hole shares a bucket with the request but is too
	// small, so the hunt falls through to the tail of the block
	success, req, err = tlsf.CreateAllocationRequest(30, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc4 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc4)
	require.NoError(t, err)

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      130,
			AllocationCount: 3,
			AllocationBytes: 110,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  30,
		AllocationSizeMax:  50,
		UnusedRangeSizeMin: 20,
		UnusedRangeSizeMax: 20,
	}, stats)

	err = tlsf.Validate()
	require.NoError(t, err)

	err = tlsf.Free(alloc2)
	require.NoError(t, err)

	err = tlsf.Free(alloc3)
	require.NoError(t, err)

	err = tlsf.Free(alloc4)
	require.NoError(t, err)
}

func TestTLSFAlignment(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(1000)

	success, req, err := tlsf.CreateAllocationRequest(10, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	err = tlsf.Alloc(req, 1, nil)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(10, 16, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := req.Handle
	err = tlsf.Alloc(req, 1, nil)
	require.NoError(t, err)

	offset2, err := tlsf.AllocationOffset(alloc2)
	require.NoError(t, err)
	require.Equal(t, 16, offset2)

	// The 6 bytes of missing alignment become a free region of their own
	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 20,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  10,
		AllocationSizeMax:  10,
		UnusedRangeSizeMin: 6,
		UnusedRangeSizeMax: 974,
	}, stats)

	err = tlsf.Validate()
	require.NoError(t, err)
}

func TestTLSFClear(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(100)

	success, req, err := tlsf.CreateAllocationRequest(20, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc1)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      100,
			AllocationCount: 1,
			AllocationBytes: 20,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  20,
		AllocationSizeMax:  20,
		UnusedRangeSizeMin: 80,
		UnusedRangeSizeMax: 80,
	}, stats)

	tlsf.Clear()
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      100,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 100,
	}, stats)

	err = tlsf.Validate()
	require.NoError(t, err)
}

func TestTLSFAllocProperties(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(100)

	success, req, err := tlsf.CreateAllocationRequest(40, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc1)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(40, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc2)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(20, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc3)
	require.NoError(t, err)

	offset1, err := tlsf.AllocationOffset(alloc1)
	require.NoError(t, err)
	require.Equal(t, 0, offset1)

	offset2, err := tlsf.AllocationOffset(alloc2)
	require.NoError(t, err)
	require.Equal(t, 40, offset2)

	offset3, err := tlsf.AllocationOffset(alloc3)
	require.NoError(t, err)
	require.Equal(t, 80, offset3)

	err = tlsf.SetAllocationUserData(alloc1, 99)
	require.NoError(t, err)
	userData, err := tlsf.AllocationUserData(alloc1)
	require.NoError(t, err)
	require.Equal(t, 99, userData)

	_, err = tlsf.AllocationOffset(arena.AllocationHandle(12345))
	require.Error(t, err)
}

func TestTLSFMinOffsetAllocFail(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(100)

	success, req, err := tlsf.CreateAllocationRequest(40, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc1)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(40, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc2)
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(20, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := req.Handle
	err = tlsf.Alloc(req, 1, &alloc3)
	require.NoError(t, err)

	err = tlsf.Free(alloc2)
	require.NoError(t, err)

	// The only hole is the 40 bytes alloc2 gave back
	success, _, err = tlsf.CreateAllocationRequest(50, 1, false, 1, arena.AllocationStrategyMinOffset)
	require.NoError(t, err)
	require.False(t, success)

	success, req, err = tlsf.CreateAllocationRequest(40, 1, false, 1, arena.AllocationStrategyMinOffset)
	require.NoError(t, err)
	require.True(t, success)

	err = tlsf.Alloc(req, 1, nil)
	require.NoError(t, err)

	offset, err := tlsf.AllocationOffset(req.Handle)
	require.NoError(t, err)
	require.Equal(t, 40, offset)
}

func TestTLSFUpperAddressFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(100)

	_, _, err := tlsf.CreateAllocationRequest(20, 1, true, 1, arena.AllocationStrategyMinMemory)
	require.Error(t, err)
}

func TestTLSFVisitRegions(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tlsf := arena.NewTLSFMetadata(1, arena.NoIsolation{})
	tlsf.Init(100)

	success, req, err := tlsf.CreateAllocationRequest(40, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc1 := req.Handle
	err = tlsf.Alloc(req, 1, "first")
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(40, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc2 := req.Handle
	err = tlsf.Alloc(req, 1, "second")
	require.NoError(t, err)

	success, req, err = tlsf.CreateAllocationRequest(20, 1, false, 1, arena.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	alloc3 := req.Handle
	err = tlsf.Alloc(req, 1, "third")
	require.NoError(t, err)

	// The physical chain is walked from the top of the block down
	type regionInfo struct {
		handle   arena.AllocationHandle
		offset   int
		size     int
		userData any
	}
	var visited []regionInfo
	err = tlsf.VisitAllRegions(func(handle arena.AllocationHandle, offset int, size int, userData any, free bool) error {
		require.False(t, free)
		visited = append(visited, regionInfo{handle: handle, offset: offset, size: size, userData: userData})
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []regionInfo{
		{handle: alloc3, offset: 80, size: 20, userData: "third"},
		{handle: alloc2, offset: 40, size: 40, userData: "second"},
		{handle: alloc1, offset: 0, size: 40, userData: "first"},
	}, visited)
}
