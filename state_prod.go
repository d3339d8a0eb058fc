//go:build !debug_memspan

package memspan

import "unsafe"

// Without the debug_memspan build tag, every state hook compiles to an empty
// function and the package carries no shadow tracking at all. Precondition
// violations are undefined behavior in this configuration.

var stateNopRestore = func() {}

func stateTrackAlloc(addr unsafe.Pointer, size int)   {}
func stateUntrackAlloc(addr unsafe.Pointer, size int) {}
func stateCheckDealloc(addr unsafe.Pointer)           {}

func stateBind[T any](addr unsafe.Pointer, count int) {}
func stateCheckBound[T any](addr unsafe.Pointer)      {}

func stateRawRead(addr unsafe.Pointer, size int, align int)  {}
func stateRawWrite(addr unsafe.Pointer, size int, align int) {}
func stateRawCopy(dst, src unsafe.Pointer, byteCount int)    {}

func stateCheckLoad[T any](addr unsafe.Pointer)  {}
func stateCheckStore[T any](addr unsafe.Pointer) {}

func stateInitialize[T any](addr unsafe.Pointer, count int)   {}
func stateDeinitialize[T any](addr unsafe.Pointer, count int) {}
func stateMove[T any](addr unsafe.Pointer)                    {}

func stateInitializeFrom[T any](dst, src unsafe.Pointer, count int)     {}
func stateMoveInitializeFrom[T any](dst, src unsafe.Pointer, count int) {}
func stateAssignFrom[T any](dst, src unsafe.Pointer, count int)         {}
func stateMoveAssignFrom[T any](dst, src unsafe.Pointer, count int)     {}

func stateRebind[U any, T any](addr unsafe.Pointer, count int) func() {
	return stateNopRestore
}

func stateCheckDistance(a, b unsafe.Pointer) {}
func stateCheckCount(count int, op string)   {}

func boundsCheckIndex(length int, i int, op string)          {}
func boundsCheckRange(length int, lo int, hi int, op string) {}
