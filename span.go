package memspan

import (
	"unsafe"

	"github.com/memspan/memspan/memutils"
)

// Span is a bounds-carrying, non-owning view over count contiguous cells of
// T. Like RawSpan, bounds are enforced only in debug_memspan builds. The zero
// value is the empty span.
type Span[T any] struct {
	base  Pointer[T]
	count int
}

// SpanOf views count cells starting at base.
func SpanOf[T any](base Pointer[T], count int) Span[T] {
	stateCheckCount(count, "SpanOf")
	return Span[T]{base: base, count: count}
}

// SpanOfSlice views the elements of a Go slice. The caller must keep the
// slice alive for as long as the span is in use. Any element type is legal
// here: the memory is ordinary Go memory the collector can see.
func SpanOfSlice[T any](s []T) Span[T] {
	if len(s) == 0 {
		return Span[T]{}
	}
	return Span[T]{base: Pointer[T]{addr: unsafe.Pointer(unsafe.SliceData(s))}, count: len(s)}
}

// Base returns the span's base pointer.
func (s Span[T]) Base() Pointer[T] {
	return s.base
}

// Len returns the span's length in elements.
func (s Span[T]) Len() int {
	return s.count
}

// IsEmpty reports whether the span has zero length.
func (s Span[T]) IsEmpty() bool {
	return s.count == 0
}

// At returns a pointer to cell i.
func (s Span[T]) At(i int) Pointer[T] {
	boundsCheckIndex(s.count, i, "At")
	return s.base.Add(i)
}

// Load reads cell i, which must be initialized.
func (s Span[T]) Load(i int) T {
	boundsCheckIndex(s.count, i, "Load")
	return s.base.Add(i).Load()
}

// Store overwrites cell i, which must be initialized.
func (s Span[T]) Store(i int, value T) {
	boundsCheckIndex(s.count, i, "Store")
	s.base.Add(i).Store(value)
}

// Slice returns the half-open subrange [lo, hi) as a new span with rebased
// indices.
func (s Span[T]) Slice(lo, hi int) Span[T] {
	boundsCheckRange(s.count, lo, hi, "Slice")
	return Span[T]{base: s.base.Add(lo), count: hi - lo}
}

// InitializeRepeating initializes every cell of the span to value. All cells
// must be uninitialized.
func (s Span[T]) InitializeRepeating(value T) {
	s.base.InitializeRepeating(value, s.count)
}

// InitializeFrom initializes min(s.Len(), src.Len()) leading cells from the
// initialized cells of src and returns the count. The spans must not overlap.
func (s Span[T]) InitializeFrom(src Span[T]) int {
	n := s.count
	if src.count < n {
		n = src.count
	}
	s.base.InitializeFrom(src.base, n)
	return n
}

// InitializeFromSlice initializes min(s.Len(), len(src)) leading cells from a
// Go slice and returns the count.
func (s Span[T]) InitializeFromSlice(src []T) int {
	return s.InitializeFrom(SpanOfSlice(src))
}

// AssignFrom overwrites min(s.Len(), src.Len()) leading initialized cells
// with values from the initialized cells of src and returns the count. The
// spans must not overlap.
func (s Span[T]) AssignFrom(src Span[T]) int {
	n := s.count
	if src.count < n {
		n = src.count
	}
	s.base.AssignFrom(src.base, n)
	return n
}

// MoveInitializeFrom moves min(s.Len(), src.Len()) leading cells from src
// into uninitialized cells of s and returns the count. The spans may overlap;
// moved-from source cells become uninitialized.
func (s Span[T]) MoveInitializeFrom(src Span[T]) int {
	n := s.count
	if src.count < n {
		n = src.count
	}
	s.base.MoveInitializeFrom(src.base, n)
	return n
}

// Deinitialize returns every cell of the span to the uninitialized state and
// hands the memory back as a raw span. The cells remain bound to T.
func (s Span[T]) Deinitialize() RawSpan {
	s.base.Deinitialize(s.count)
	return s.RawBytes()
}

// RawBytes returns the span's memory as a raw byte view of length
// s.Len() * StrideOf[T]().
func (s Span[T]) RawBytes() RawSpan {
	return RawSpan{base: RawPointer{addr: s.base.addr}, count: s.count * memutils.StrideOf[T]()}
}

// AsSlice materializes a Go slice aliasing the span's cells. Every cell must
// be initialized, and the slice must not outlive the span's allocation. The
// slice reads and writes the same memory the span does.
func (s Span[T]) AsSlice() []T {
	if s.count == 0 {
		return nil
	}
	return unsafe.Slice((*T)(s.base.addr), s.count)
}
