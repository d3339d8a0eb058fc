package memspan

import (
	"fmt"
	"unsafe"

	"github.com/memspan/memspan/memutils"
)

// Pointer is a typed pointer to one or more contiguous cells of T. Arithmetic
// strides by memutils.StrideOf[T](). Like RawPointer it carries no length and
// no ownership; it additionally records, in the type system, the element type
// its memory is expected to be bound to. The zero value is the null pointer.
//
// T must be trivial for any memory managed through this package's allocators.
// Pointers adopted from native Go values with FromNative may use any T, since
// the garbage collector still sees that memory normally.
type Pointer[T any] struct {
	addr unsafe.Pointer
}

// PointerOf wraps an unsafe.Pointer as a typed pointer without asserting
// anything about the memory's state.
func PointerOf[T any](p unsafe.Pointer) Pointer[T] {
	return Pointer[T]{addr: p}
}

// FromNative adopts a native Go pointer. The referenced memory is treated as
// bound to T and initialized, which it always is for a live Go value.
func FromNative[T any](p *T) Pointer[T] {
	return Pointer[T]{addr: unsafe.Pointer(p)}
}

// PointerFromBits reconstructs a typed pointer from an address bit pattern.
// The zero bit pattern yields a false second result.
func PointerFromBits[T any](bits uintptr) (Pointer[T], bool) {
	raw, ok := RawPointerFromBits(bits)
	if !ok {
		return Pointer[T]{}, false
	}
	return Pointer[T]{addr: raw.addr}, true
}

// Native converts back to a native Go pointer.
func (p Pointer[T]) Native() *T {
	return (*T)(p.addr)
}

// Raw erases the element type.
func (p Pointer[T]) Raw() RawPointer {
	return RawPointer{addr: p.addr}
}

// Unsafe returns the wrapped unsafe.Pointer.
func (p Pointer[T]) Unsafe() unsafe.Pointer {
	return p.addr
}

// Bits returns the address as an integer bit pattern.
func (p Pointer[T]) Bits() uintptr {
	return uintptr(p.addr)
}

// IsNull reports whether p is the null pointer.
func (p Pointer[T]) IsNull() bool {
	return p.addr == nil
}

// Add returns a pointer offset by count elements, striding by
// memutils.StrideOf[T](). count may be negative. The result must stay within,
// or one element past the end of, the same bound region.
func (p Pointer[T]) Add(count int) Pointer[T] {
	return Pointer[T]{addr: unsafe.Add(p.addr, count*memutils.StrideOf[T]())}
}

// Distance returns the element count n such that p.Add(n) == to. Both
// pointers must address cells of the same bound region, a whole number of
// strides apart.
func (p Pointer[T]) Distance(to Pointer[T]) int {
	stateCheckDistance(p.addr, to.addr)
	return int(uintptr(to.addr)-uintptr(p.addr)) / memutils.StrideOf[T]()
}

// Load reads the pointee. The cell must be initialized and bound to T.
func (p Pointer[T]) Load() T {
	stateCheckLoad[T](p.addr)
	return *(*T)(p.addr)
}

// Store overwrites the pointee with value. The cell must be initialized and
// bound to T; use Initialize to write the first value into fresh memory.
func (p Pointer[T]) Store(value T) {
	stateCheckStore[T](p.addr)
	*(*T)(p.addr) = value
}

// Initialize writes value into an uninitialized cell, leaving it initialized.
func (p Pointer[T]) Initialize(value T) {
	stateInitialize[T](p.addr, 1)
	*(*T)(p.addr) = value
}

// InitializeRepeating initializes count uninitialized cells, starting at p,
// to value.
func (p Pointer[T]) InitializeRepeating(value T, count int) {
	stateCheckCount(count, "InitializeRepeating")
	stateInitialize[T](p.addr, count)

	addr := p.addr
	for i := 0; i < count; i++ {
		*(*T)(addr) = value
		addr = unsafe.Add(addr, memutils.StrideOf[T]())
	}
}

// InitializeFrom copies count initialized cells from src into uninitialized
// cells starting at p. The two regions must not overlap; use
// MoveInitializeFrom when they might. Afterwards the destination cells are
// initialized and the source cells are unchanged.
func (p Pointer[T]) InitializeFrom(src Pointer[T], count int) {
	stateCheckCount(count, "InitializeFrom")
	if count == 0 {
		return
	}
	stateInitializeFrom[T](p.addr, src.addr, count)
	copyCells[T](p.addr, src.addr, count)
}

// MoveInitializeFrom moves count cells from src into uninitialized cells
// starting at p: the destination cells take the source values and become
// initialized, and the source cells become uninitialized. The regions may
// overlap; the destination receives the values the source held before the
// call. Moved-from cells keep their stale bytes.
func (p Pointer[T]) MoveInitializeFrom(src Pointer[T], count int) {
	stateCheckCount(count, "MoveInitializeFrom")
	if count == 0 {
		return
	}
	stateMoveInitializeFrom[T](p.addr, src.addr, count)
	copyCells[T](p.addr, src.addr, count)
}

// AssignFrom overwrites count initialized cells starting at p with the values
// of count initialized cells starting at src. The regions must not overlap.
func (p Pointer[T]) AssignFrom(src Pointer[T], count int) {
	stateCheckCount(count, "AssignFrom")
	if count == 0 {
		return
	}
	stateAssignFrom[T](p.addr, src.addr, count)
	copyCells[T](p.addr, src.addr, count)
}

// MoveAssignFrom overwrites count initialized cells starting at p with the
// values of count initialized cells starting at src, deinitializing the
// source cells. The regions must not overlap.
func (p Pointer[T]) MoveAssignFrom(src Pointer[T], count int) {
	stateCheckCount(count, "MoveAssignFrom")
	if count == 0 {
		return
	}
	stateMoveAssignFrom[T](p.addr, src.addr, count)
	copyCells[T](p.addr, src.addr, count)
}

// Move reads the pointee and leaves the cell uninitialized. The cell's bytes
// are not disturbed.
func (p Pointer[T]) Move() T {
	stateMove[T](p.addr)
	return *(*T)(p.addr)
}

// Deinitialize returns count cells starting at p to the uninitialized state
// and hands the region back as a raw pointer. The cells remain bound to T.
// Builds with the debug_init_allocs tag fill the deinitialized bytes with a
// recognizable pattern.
func (p Pointer[T]) Deinitialize(count int) RawPointer {
	stateCheckCount(count, "Deinitialize")
	stateDeinitialize[T](p.addr, count)
	fillRegion(p.addr, count*memutils.StrideOf[T](), memutils.DestroyedFillPattern)
	return RawPointer{addr: p.addr}
}

// Deallocate returns the allocation whose base is p to the allocator that
// produced it. p must be the base pointer of a live allocation made through a
// package entry point. Debug builds additionally require that every cell of a
// bound allocation has been deinitialized.
func (p Pointer[T]) Deallocate() {
	deallocate(RawPointer{addr: p.addr})
}

// Rebound temporarily rebinds capacity cells of T starting at p to the
// element type U, calls fn with the rebound pointer, and restores the binding
// to T before returning. The binding is restored on every exit path,
// including a panic out of fn. Nested calls over the same region are legal
// and restore in LIFO order. fn's error is returned unchanged.
//
// U must have the same stride as T and alignment no stricter than T's. This
// is checked in all builds: a stride mismatch would silently corrupt every
// subsequent stride of arithmetic, and the check is two integer compares.
func Rebound[U any, T any](p Pointer[T], capacity int, fn func(Pointer[U]) error) error {
	stateCheckCount(capacity, "Rebound")
	if memutils.StrideOf[U]() != memutils.StrideOf[T]() {
		panic(fmt.Sprintf("memspan: cannot rebind: replacement stride %d does not match original stride %d",
			memutils.StrideOf[U](), memutils.StrideOf[T]()))
	}
	if memutils.AlignOf[U]() > memutils.AlignOf[T]() {
		panic(fmt.Sprintf("memspan: cannot rebind: replacement alignment %d is stricter than original alignment %d",
			memutils.AlignOf[U](), memutils.AlignOf[T]()))
	}

	restore := stateRebind[U, T](p.addr, capacity)
	defer restore()

	return fn(Pointer[U]{addr: p.addr})
}

// copyCells moves count cells of T between possibly overlapping regions. The
// builtin copy has memmove semantics, so overlap is handled for free.
func copyCells[T any](dst, src unsafe.Pointer, count int) {
	dstCells := unsafe.Slice((*T)(dst), count)
	srcCells := unsafe.Slice((*T)(src), count)
	copy(dstCells, srcCells)
}
