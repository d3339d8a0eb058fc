package memspan

import (
	"unsafe"

	"github.com/memspan/memspan/memutils"
)

// RawPointer is an untyped pointer to a byte address. It carries no length,
// no element type, and no ownership: arithmetic and access through it are
// unchecked, and staying inside a single allocation is the caller's job. The
// zero value is the null pointer.
type RawPointer struct {
	addr unsafe.Pointer
}

// RawPointerOf wraps an unsafe.Pointer.
func RawPointerOf(p unsafe.Pointer) RawPointer {
	return RawPointer{addr: p}
}

// RawPointerFromBits reconstructs a pointer from an address bit pattern
// previously obtained from Bits. The zero bit pattern is not a valid address
// and yields a false second result; this is the only failure the pointer
// layer can report. A nonzero bit pattern is accepted as-is, and is only
// meaningful if it was derived from a pointer into a live allocation.
func RawPointerFromBits(bits uintptr) (RawPointer, bool) {
	if bits == 0 {
		return RawPointer{}, false
	}
	return RawPointer{addr: unsafe.Pointer(bits)}, true
}

// Unsafe returns the wrapped unsafe.Pointer.
func (p RawPointer) Unsafe() unsafe.Pointer {
	return p.addr
}

// Bits returns the address as an integer bit pattern. The result of the null
// pointer is 0.
func (p RawPointer) Bits() uintptr {
	return uintptr(p.addr)
}

// IsNull reports whether p is the null pointer.
func (p RawPointer) IsNull() bool {
	return p.addr == nil
}

// Add returns a pointer offset by the given number of bytes, which may be
// negative. The result must lie within, or one byte past the end of, the same
// allocation as p.
func (p RawPointer) Add(offset int) RawPointer {
	return RawPointer{addr: unsafe.Add(p.addr, offset)}
}

// Distance returns the byte offset n such that p.Add(n) == to. Both pointers
// must refer into the same allocation.
func (p RawPointer) Distance(to RawPointer) int {
	stateCheckDistance(p.addr, to.addr)
	return int(uintptr(to.addr) - uintptr(p.addr))
}

// CopyFrom copies byteCount bytes from src to p. The regions may overlap; the
// result is as if the bytes were copied through a temporary buffer. The
// destination bytes become initialized copies of the source bytes, whatever
// type either region is bound to.
func (p RawPointer) CopyFrom(src RawPointer, byteCount int) {
	stateCheckCount(byteCount, "CopyFrom")
	if byteCount == 0 {
		return
	}
	stateRawCopy(p.addr, src.addr, byteCount)
	dst := unsafe.Slice((*byte)(p.addr), byteCount)
	from := unsafe.Slice((*byte)(src.addr), byteCount)
	copy(dst, from)
}

// Load reads a value of type T from the bytes at p plus byteOffset. The
// offset must be aligned for T, the bytes must be initialized, and T must be
// trivial. The type the memory is bound to, if any, does not matter: this is
// an untyped read of the byte representation.
func Load[T any](p RawPointer, byteOffset int) T {
	src := unsafe.Add(p.addr, byteOffset)
	stateRawRead(src, memutils.SizeOf[T](), memutils.AlignOf[T]())
	return *(*T)(src)
}

// Store writes the byte representation of value at p plus byteOffset. The
// offset must be aligned for T and T must be trivial. The destination bytes
// may be uninitialized or hold earlier values; afterwards they are
// initialized.
func Store[T any](p RawPointer, byteOffset int, value T) {
	dst := unsafe.Add(p.addr, byteOffset)
	stateRawWrite(dst, memutils.SizeOf[T](), memutils.AlignOf[T]())
	*(*T)(dst) = value
}

// Bind binds the capacity * StrideOf[T]() bytes starting at p to type T and
// returns the typed pointer. p must be aligned for T and T must be trivial.
// If the range was previously bound to another type, the binding is replaced
// wholesale. Whether each byte is initialized is unchanged; initialized bytes
// are reinterpreted as T values.
func Bind[T any](p RawPointer, capacity int) Pointer[T] {
	stateCheckCount(capacity, "Bind")
	stateBind[T](p.addr, capacity)
	return Pointer[T]{addr: p.addr}
}

// AssumeBound asserts that the memory at p is already bound to T and returns
// the typed pointer without changing any state. Debug builds verify the
// assertion against the tracked binding when the region is known.
func AssumeBound[T any](p RawPointer) Pointer[T] {
	stateCheckBound[T](p.addr)
	return Pointer[T]{addr: p.addr}
}

// Deallocate returns the allocation whose base is p to the allocator that
// produced it. p must be the base pointer of a live allocation made through a
// package entry point; anything else panics.
func (p RawPointer) Deallocate() {
	deallocate(p)
}
