package memspan

import (
	"fmt"
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"

	"github.com/memspan/memspan/memutils"
)

// Allocator is a source of manually managed memory. Alloc returns at least
// byteCount bytes aligned to alignment, which must be a power of two. Dealloc
// accepts exactly a base pointer previously returned by Alloc on the same
// allocator; anything else is an error.
//
// Implementations must keep the returned memory alive until Dealloc, which in
// Go means retaining a reference to the backing store, and must be safe for
// concurrent use unless documented otherwise.
type Allocator interface {
	Alloc(byteCount int, alignment int) (RawPointer, error)
	Dealloc(ptr RawPointer) error
}

// DefaultAllocator backs the package-level entry points AllocRaw and Alloc.
// It may be replaced during program startup, before any allocation is made
// through it.
var DefaultAllocator Allocator = NewHeapAllocator(nil, HeapAllocatorOptions{})

// fillRegion writes the fill pattern across a region when the
// debug_init_allocs build tag is active.
func fillRegion(addr unsafe.Pointer, size int, pattern uint8) {
	if !InitializeAllocs || size <= 0 {
		return
	}
	data := unsafe.Slice((*uint8)(addr), size)
	for i := 0; i < size; i++ {
		data[i] = pattern
	}
}

type allocationInfo struct {
	owner Allocator
	size  int
}

// The package registry maps the base address of every allocation made through
// a package entry point to its owning allocator, so that Deallocate can route
// the pointer back without the caller naming the allocator. Direct calls to
// an Allocator's Alloc bypass the registry and must be paired with direct
// calls to its Dealloc.
var (
	allocationsMutex sync.RWMutex
	allocations      = swiss.NewMap[uintptr, allocationInfo](64)
)

func registerAllocation(ptr RawPointer, size int, owner Allocator) {
	allocationsMutex.Lock()
	defer allocationsMutex.Unlock()
	allocations.Put(ptr.Bits(), allocationInfo{owner: owner, size: size})
}

func takeAllocation(ptr RawPointer) (allocationInfo, bool) {
	allocationsMutex.Lock()
	defer allocationsMutex.Unlock()

	info, ok := allocations.Get(ptr.Bits())
	if !ok {
		return allocationInfo{}, false
	}
	allocations.Delete(ptr.Bits())
	return info, true
}

// AllocRawIn allocates byteCount bytes aligned to alignment from a, registers
// the allocation for Deallocate routing, and returns the untyped,
// uninitialized memory.
func AllocRawIn(a Allocator, byteCount int, alignment int) (RawPointer, error) {
	ptr, err := a.Alloc(byteCount, alignment)
	if err != nil {
		return RawPointer{}, err
	}

	registerAllocation(ptr, byteCount, a)
	stateTrackAlloc(ptr.addr, byteCount)
	fillRegion(ptr.addr, byteCount, memutils.CreatedFillPattern)
	return ptr, nil
}

// AllocRaw allocates byteCount bytes aligned to alignment from the
// DefaultAllocator. Allocation failure at this layer is treated as fatal and
// panics; use AllocRawIn for an error return.
func AllocRaw(byteCount int, alignment int) RawPointer {
	ptr, err := AllocRawIn(DefaultAllocator, byteCount, alignment)
	if err != nil {
		panic(fmt.Sprintf("memspan: failed to allocate %d bytes: %+v", byteCount, err))
	}
	return ptr
}

// AllocIn allocates capacity cells of T from a, bound to T and uninitialized.
// T must be trivial.
func AllocIn[T any](a Allocator, capacity int) (Pointer[T], error) {
	if capacity <= 0 {
		return Pointer[T]{}, cerrors.Newf("allocation capacity must be greater than 0, but was %d", capacity)
	}
	err := memutils.CheckTrivial[T]("allocated element type")
	if err != nil {
		return Pointer[T]{}, err
	}

	raw, err := AllocRawIn(a, capacity*memutils.StrideOf[T](), memutils.AlignOf[T]())
	if err != nil {
		return Pointer[T]{}, err
	}
	return Bind[T](raw, capacity), nil
}

// Alloc allocates capacity cells of T from the DefaultAllocator, bound to T
// and uninitialized. Allocation failure panics; use AllocIn for an error
// return.
func Alloc[T any](capacity int) Pointer[T] {
	ptr, err := AllocIn[T](DefaultAllocator, capacity)
	if err != nil {
		panic(fmt.Sprintf("memspan: failed to allocate %d cells: %+v", capacity, err))
	}
	return ptr
}

func deallocate(ptr RawPointer) {
	stateCheckDealloc(ptr.addr)

	info, ok := takeAllocation(ptr)
	if !ok {
		panic(fmt.Sprintf("memspan: Deallocate of %#x, which is not the base of a live allocation made through this package", ptr.Bits()))
	}

	stateUntrackAlloc(ptr.addr, info.size)
	fillRegion(ptr.addr, info.size, memutils.DestroyedFillPattern)

	err := info.owner.Dealloc(ptr)
	if err != nil {
		panic(fmt.Sprintf("memspan: allocator rejected Deallocate of %#x: %+v", ptr.Bits(), err))
	}
}
