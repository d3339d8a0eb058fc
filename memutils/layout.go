package memutils

import (
	"reflect"
	"sync"
	"unsafe"
)

// SizeOf returns the size of T in bytes, as laid out by the Go compiler.
func SizeOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// AlignOf returns the required alignment of T in bytes. The result is always a
// power of two.
func AlignOf[T any]() int {
	var zero T
	return int(unsafe.Alignof(zero))
}

// StrideOf returns the distance in bytes between consecutive elements of T in
// a contiguous block. Go sizes already include trailing padding, so this is
// identical to SizeOf; typed pointer arithmetic is specified against the
// stride, which keeps the distinction visible at call sites.
func StrideOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// TypeOf returns the reflect.Type for T without requiring a value of T.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

var trivialTypes sync.Map // reflect.Type -> bool

// IsTrivial reports whether T is trivial: a type containing no pointers the
// garbage collector would need to scan. Only trivial types may live in
// manually managed memory, because such memory is backed by byte stores that
// the collector never scans. A Go pointer held there is invisible to the
// collector and the object it references can be reclaimed while still in use.
//
// Booleans, all integer and float types, complex numbers, uintptr, and arrays
// and structs composed only of those are trivial. Pointers, unsafe.Pointer,
// maps, channels, functions, interfaces, strings, and slices are not.
func IsTrivial[T any]() bool {
	return TypeIsTrivial(TypeOf[T]())
}

// TypeIsTrivial is the reflect.Type form of IsTrivial. Results are cached, so
// the type walk runs once per type.
func TypeIsTrivial(t reflect.Type) bool {
	if cached, ok := trivialTypes.Load(t); ok {
		return cached.(bool)
	}

	trivial := typeIsTrivialUncached(t)
	trivialTypes.Store(t, trivial)
	return trivial
}

func typeIsTrivialUncached(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return TypeIsTrivial(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !TypeIsTrivial(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
