package memspan

import (
	"unsafe"

	"github.com/memspan/memspan/memutils"
)

// RawSpan is a bounds-carrying, non-owning view over a contiguous byte
// region. It does not keep the region alive and does not know what produced
// it. Bounds are enforced only in builds with the debug_memspan tag; release
// builds trust the caller, and an out-of-range index is undefined behavior.
// The zero value is the empty span.
type RawSpan struct {
	base  RawPointer
	count int
}

// RawSpanOf views byteCount bytes starting at base.
func RawSpanOf(base RawPointer, byteCount int) RawSpan {
	stateCheckCount(byteCount, "RawSpanOf")
	return RawSpan{base: base, count: byteCount}
}

// RawSpanOfBytes views the backing bytes of a Go slice. The caller must keep
// the slice alive for as long as the span is in use.
func RawSpanOfBytes(b []byte) RawSpan {
	if len(b) == 0 {
		return RawSpan{}
	}
	return RawSpan{base: RawPointer{addr: unsafe.Pointer(unsafe.SliceData(b))}, count: len(b)}
}

// Base returns the span's base pointer.
func (s RawSpan) Base() RawPointer {
	return s.base
}

// Len returns the span's length in bytes.
func (s RawSpan) Len() int {
	return s.count
}

// IsEmpty reports whether the span has zero length.
func (s RawSpan) IsEmpty() bool {
	return s.count == 0
}

// Byte reads the byte at index i.
func (s RawSpan) Byte(i int) byte {
	boundsCheckIndex(s.count, i, "Byte")
	stateRawRead(unsafe.Add(s.base.addr, i), 1, 1)
	return *(*byte)(unsafe.Add(s.base.addr, i))
}

// SetByte writes the byte at index i.
func (s RawSpan) SetByte(i int, v byte) {
	boundsCheckIndex(s.count, i, "SetByte")
	stateRawWrite(unsafe.Add(s.base.addr, i), 1, 1)
	*(*byte)(unsafe.Add(s.base.addr, i)) = v
}

// Slice returns the half-open subrange [lo, hi) as a new span. Indices of the
// result are rebased: index 0 of the result is byte lo of s.
func (s RawSpan) Slice(lo, hi int) RawSpan {
	boundsCheckRange(s.count, lo, hi, "Slice")
	return RawSpan{base: s.base.Add(lo), count: hi - lo}
}

// CopyFrom copies min(s.Len(), src.Len()) bytes from src into s and returns
// the count copied. The spans may overlap.
func (s RawSpan) CopyFrom(src RawSpan) int {
	n := s.count
	if src.count < n {
		n = src.count
	}
	if n == 0 {
		return 0
	}
	s.base.CopyFrom(src.base, n)
	return n
}

// CopyBytes copies min(s.Len(), len(src)) bytes from a Go slice into s and
// returns the count copied.
func (s RawSpan) CopyBytes(src []byte) int {
	return s.CopyFrom(RawSpanOfBytes(src))
}

// Fill sets every byte of the span to v. Afterwards the whole span is
// initialized.
func (s RawSpan) Fill(v byte) {
	if s.count == 0 {
		return
	}
	stateRawWrite(s.base.addr, s.count, 1)
	bytes := unsafe.Slice((*byte)(s.base.addr), s.count)
	for i := range bytes {
		bytes[i] = v
	}
}

// LoadAt reads a value of type T from byteOffset within the span. Beyond the
// RawPointer Load preconditions, debug builds check that the value lies
// entirely inside the span.
func LoadAt[T any](s RawSpan, byteOffset int) T {
	boundsCheckRange(s.count, byteOffset, byteOffset+memutils.SizeOf[T](), "LoadAt")
	return Load[T](s.base, byteOffset)
}

// StoreAt writes the byte representation of value at byteOffset within the
// span, with a debug bounds check like LoadAt's.
func StoreAt[T any](s RawSpan, byteOffset int, value T) {
	boundsCheckRange(s.count, byteOffset, byteOffset+memutils.SizeOf[T](), "StoreAt")
	Store(s.base, byteOffset, value)
}

// BindSpan binds the whole span to type T and returns the typed view. The
// element count is s.Len() / StrideOf[T](), truncating; tail bytes beyond the
// last whole stride are left untyped. The base must be aligned for T and T
// must be trivial for manually allocated memory.
func BindSpan[T any](s RawSpan) Span[T] {
	stride := memutils.StrideOf[T]()
	if stride == 0 || s.count < stride {
		return Span[T]{}
	}
	capacity := s.count / stride
	return Span[T]{base: Bind[T](s.base, capacity), count: capacity}
}

// InitializeSpan binds the span to T and initializes leading cells from src,
// copying as many whole elements as fit. It returns the typed span over the
// cells it initialized and the remainder of src that did not fit; the
// remainder is empty when all of src fit.
func InitializeSpan[T any](s RawSpan, src []T) (Span[T], []T) {
	stride := memutils.StrideOf[T]()
	if stride == 0 || s.count < stride || len(src) == 0 {
		return Span[T]{}, src
	}

	n := s.count / stride
	if len(src) < n {
		n = len(src)
	}

	typed := Span[T]{base: Bind[T](s.base, n), count: n}
	stateInitialize[T](s.base.addr, n)
	copyCells[T](s.base.addr, unsafe.Pointer(unsafe.SliceData(src)), n)
	return typed, src[n:]
}
