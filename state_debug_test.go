//go:build debug_memspan

package memspan_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memspan/memspan"
	"github.com/memspan/memspan/memutils"
)

// requirePanicsWithSubstring asserts that fn panics and that the panic value
// mentions substring. The diagnostics embed addresses, so exact matches are
// not possible.
func requirePanicsWithSubstring(t *testing.T, substring string, fn func()) {
	t.Helper()
	defer func() {
		recovered := recover()
		require.NotNil(t, recovered, "expected a panic mentioning %q", substring)
		require.Contains(t, fmt.Sprint(recovered), substring)
	}()
	fn()
}

func TestDebugLoadUninitialized(t *testing.T) {
	values := memspan.Alloc[int32](2)

	requirePanicsWithSubstring(t, "Load of uninitialized memory", func() {
		values.Load()
	})

	values.Deallocate()
}

func TestDebugLoadAfterMove(t *testing.T) {
	values := memspan.Alloc[int32](1)
	values.Initialize(9)
	require.Equal(t, int32(9), values.Move())

	requirePanicsWithSubstring(t, "Load of uninitialized memory", func() {
		values.Load()
	})

	values.Deallocate()
}

func TestDebugDoubleInitialize(t *testing.T) {
	values := memspan.Alloc[int32](1)
	values.Initialize(5)

	requirePanicsWithSubstring(t, "deinitialize it first", func() {
		values.Initialize(6)
	})

	values.Deinitialize(1).Deallocate()
}

func TestDebugAssumeBoundUnbound(t *testing.T) {
	raw := memspan.AllocRaw(16, 4)

	requirePanicsWithSubstring(t, "has not been bound to any type", func() {
		memspan.AssumeBound[int32](raw)
	})

	raw.Deallocate()
}

func TestDebugAssumeBoundWrongType(t *testing.T) {
	values := memspan.Alloc[int32](2)

	requirePanicsWithSubstring(t, "is bound to int32", func() {
		memspan.AssumeBound[float32](values.Raw())
	})

	values.Deallocate()
}

func TestDebugBindMisaligned(t *testing.T) {
	raw := memspan.AllocRaw(16, 8)

	requirePanicsWithSubstring(t, "not aligned to 8 bytes", func() {
		memspan.Bind[uint64](raw.Add(4), 1)
	})

	raw.Deallocate()
}

func TestDebugBindNonTrivial(t *testing.T) {
	raw := memspan.AllocRaw(16, 8)

	requirePanicsWithSubstring(t, "non-trivial type *int", func() {
		memspan.Bind[*int](raw, 1)
	})

	raw.Deallocate()
}

func TestDebugStoreOverrun(t *testing.T) {
	raw := memspan.AllocRaw(10, 8)

	// Offset 8 keeps the store aligned, so the bounds check is what fires.
	requirePanicsWithSubstring(t, "overruns the 10-byte allocation", func() {
		memspan.Store(raw, 8, uint64(1))
	})

	raw.Deallocate()
}

func TestDebugUseAfterFree(t *testing.T) {
	raw := memspan.AllocRaw(16, 8)
	memspan.Store(raw, 0, uint64(7))
	raw.Deallocate()

	requirePanicsWithSubstring(t, "inside an allocation that was deallocated", func() {
		memspan.Load[uint64](raw, 0)
	})
}

func TestDebugDeallocateWhileInitialized(t *testing.T) {
	values := memspan.Alloc[int32](2)
	values.InitializeRepeating(1, 2)

	requirePanicsWithSubstring(t, "deinitialize bound memory before deallocating", func() {
		values.Deallocate()
	})

	// The failed Deallocate changed nothing, so the ordinary teardown works.
	values.Deinitialize(2).Deallocate()
}

func TestDebugDistanceAcrossAllocations(t *testing.T) {
	first := memspan.AllocRaw(8, 8)
	second := memspan.AllocRaw(8, 8)

	requirePanicsWithSubstring(t, "lie in different allocations", func() {
		first.Distance(second)
	})

	second.Deallocate()
	first.Deallocate()
}

func TestDebugInitializeFromOverlap(t *testing.T) {
	values := memspan.Alloc[int32](4)

	requirePanicsWithSubstring(t, "use MoveInitializeFrom", func() {
		values.InitializeFrom(values.Add(1), 2)
	})

	values.Deallocate()
}

func TestDebugAssignFromOverlap(t *testing.T) {
	values := memspan.Alloc[int32](4)
	values.InitializeRepeating(0, 4)

	requirePanicsWithSubstring(t, "AssignFrom with overlapping regions", func() {
		values.AssignFrom(values.Add(1), 2)
	})

	values.Deinitialize(4).Deallocate()
}

func TestDebugReboundRestoresBindingOnPanic(t *testing.T) {
	values := memspan.Alloc[int32](4)
	values.InitializeRepeating(-1, 4)

	requirePanicsWithSubstring(t, "boom", func() {
		_ = memspan.Rebound(values, 4, func(memspan.Pointer[uint32]) error {
			panic("boom")
		})
	})

	// The deferred restore ran, so the memory is bound to int32 again.
	require.Equal(t, int32(-1), values.Load())

	values.Deinitialize(4).Deallocate()
}

func TestDebugSpanIndexOutOfRange(t *testing.T) {
	span := memspan.SpanOfSlice([]int32{1, 2, 3})

	requirePanicsWithSubstring(t, "index 3 out of range for span of length 3", func() {
		span.Load(3)
	})
}

func TestDebugSpanSliceOutOfRange(t *testing.T) {
	span := memspan.SpanOfSlice([]int32{1, 2, 3})

	requirePanicsWithSubstring(t, "range [1, 5) out of range for span of length 3", func() {
		span.Slice(1, 5)
	})
}

func TestDebugRawSpanLoadAtOutOfRange(t *testing.T) {
	raw := memspan.AllocRaw(8, 8)
	span := memspan.RawSpanOf(raw, 8)

	requirePanicsWithSubstring(t, "LoadAt range [4, 12) out of range for span of length 8", func() {
		memspan.LoadAt[uint64](span, 4)
	})

	raw.Deallocate()
}

func TestDebugHeapAllocationMargin(t *testing.T) {
	allocator := memspan.NewHeapAllocator(nil, memspan.HeapAllocatorOptions{})

	ptr, err := allocator.Alloc(100, 1)
	require.NoError(t, err)

	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		AllocationCount: 1,
		BlockBytes:      116,
		AllocationBytes: 100,
	}, allocator.Statistics())
	require.NoError(t, allocator.CheckCorruption())

	require.NoError(t, allocator.Dealloc(ptr))
	require.NoError(t, allocator.Close())
}

func TestDebugCheckCorruptionDetectsOverrun(t *testing.T) {
	allocator := memspan.NewHeapAllocator(nil, memspan.HeapAllocatorOptions{})

	// A direct Alloc is not shadow-tracked, so the overrunning store below
	// reaches the margin without tripping the bounds hook.
	ptr, err := allocator.Alloc(512, 1)
	require.NoError(t, err)
	require.NoError(t, allocator.CheckCorruption())

	memspan.Store(ptr, 512, uint32(0))

	err = allocator.CheckCorruption()
	require.ErrorContains(t, err, "memory corruption detected")

	// Repair the margin by hand; Dealloc validates it and would panic on the
	// scribbled value.
	memutils.WriteMagicValue(ptr.Unsafe(), 512)
	require.NoError(t, allocator.CheckCorruption())

	require.NoError(t, allocator.Dealloc(ptr))
	require.NoError(t, allocator.Close())
}
