// Package memspan provides explicit, unchecked access to raw and typed memory.
//
// Four pointer shapes make up the API: RawPointer addresses untyped bytes,
// Pointer[T] addresses typed cells and strides by the element size, and
// RawSpan and Span[T] are bounds-carrying, non-owning views over each. The
// Allocator interface and the package-level allocation entry points produce
// memory that these shapes operate on.
//
// Memory accessed through this package is in one of four states, the product
// of two axes: untyped or bound to an element type, and uninitialized or
// holding values. Allocation produces untyped (AllocRaw) or bound (Alloc)
// uninitialized memory. Bind and BindSpan move memory between types,
// Initialize and its bulk variants make cells initialized, and Deinitialize
// returns them to uninitialized. Every operation documents the states it
// requires; violating a requirement is undefined behavior, not a recoverable
// error. The release build performs the raw operation with no checks. Builds
// with the debug_memspan tag maintain a shadow record of allocations made
// through this package and panic with a diagnostic when they can prove a
// precondition was violated. The instrumentation is best-effort: memory
// adopted from native Go values is not tracked, and the absence of a panic
// proves nothing.
//
// Element types stored in manually managed memory must be trivial, meaning
// the garbage collector never needs to scan them: no pointers, maps,
// channels, functions, interfaces, strings, or slices at any depth. The
// backing stores handed out by allocators are opaque to the collector, so a
// Go pointer written there does not keep its referent alive. See
// memutils.IsTrivial. The debug build enforces this; the release build
// documents it.
//
// The sole representable failure in the pointer layer is constructing a
// pointer from the zero bit pattern, which RawPointerFromBits and
// PointerFromBits report with a false second result. Everything else either
// succeeds or is undefined behavior. Allocators, in contrast, return real
// errors for exhaustion and misuse of their own bookkeeping.
//
// Pointers and spans are plain values and carry no synchronization.
// Allocators are safe for concurrent use unless configured as externally
// synchronized.
package memspan
