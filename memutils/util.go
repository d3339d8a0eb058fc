package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

// Fill patterns written across allocation payloads when the debug_init_allocs
// build tag is active, so that reads of uninitialized or freed memory are
// recognizable in a debugger.
const (
	CreatedFillPattern   uint8 = 0xDC
	DestroyedFillPattern uint8 = 0xEF
)

// CheckPow2 returns PowerOfTwoError if number is not a power of two. name is
// included in the error to identify the offending value.
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// CheckTrivial returns NonTrivialTypeError if T is not trivial. name is
// included in the error to identify the offending type parameter.
func CheckTrivial[T any](name string) error {
	if !IsTrivial[T]() {
		return cerrors.Wrapf(NonTrivialTypeError, "%s is %s", name, TypeOf[T]())
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment. alignment must be
// a power of two.
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the previous multiple of alignment. alignment
// must be a power of two.
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// AlignPointerUp rounds an address bit pattern up to the next multiple of
// alignment. alignment must be a power of two.
func AlignPointerUp(addr uintptr, alignment uint) uintptr {
	return (addr + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
}
