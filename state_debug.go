//go:build debug_memspan

package memspan

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"

	"github.com/memspan/memspan/memutils"
)

// With the debug_memspan build tag, the package maintains a shadow record of
// every allocation made through a package entry point: its bounds, which
// bytes are initialized, and which byte ranges are bound to which element
// types. The state hooks consult the record and panic with a diagnostic when
// an operation violates a documented precondition. Memory the package never
// allocated (native Go values, foreign allocators used directly) is
// untracked, and operations on it skip every check.

var stateNopRestore = func() {}

// bindingSegment records that the byteLen bytes at offset within a region are
// bound to elemType. Segments are kept sorted by offset and never overlap.
type bindingSegment struct {
	offset   int
	byteLen  int
	elemType reflect.Type
}

type trackedRegion struct {
	base     uintptr
	size     int
	initBits []uint64
	bindings []bindingSegment
}

type regionTombstone struct {
	base uintptr
	size int
}

type shadowTracker struct {
	mutex   sync.Mutex
	regions []*trackedRegion

	// A small ring of recently deallocated regions, kept so that accesses
	// through stale pointers can be reported as use-after-free rather than
	// silently skipped as untracked. Best-effort: the ring is finite and the
	// runtime may reuse the underlying pages for unrelated objects.
	tombstones    [64]regionTombstone
	nextTombstone int
}

var shadow shadowTracker

func (t *shadowTracker) insertRegion(r *trackedRegion) {
	idx, found := slices.BinarySearchFunc(t.regions, r.base, compareRegionBase)
	if found {
		panic(fmt.Sprintf("memspan: internal error: two live allocations share the base address %#x", r.base))
	}
	t.regions = slices.Insert(t.regions, idx, r)
}

func (t *shadowTracker) removeRegion(base uintptr) {
	idx, found := slices.BinarySearchFunc(t.regions, base, compareRegionBase)
	if !found {
		return
	}
	r := t.regions[idx]
	t.regions = slices.Delete(t.regions, idx, idx+1)

	t.tombstones[t.nextTombstone] = regionTombstone{base: r.base, size: r.size}
	t.nextTombstone = (t.nextTombstone + 1) % len(t.tombstones)
}

func compareRegionBase(r *trackedRegion, base uintptr) int {
	if r.base < base {
		return -1
	} else if r.base > base {
		return 1
	}
	return 0
}

// locate returns the tracked region containing addr and the byte offset of
// addr within it. Addresses in no live region panic if they fall inside a
// tombstone, and otherwise report untracked.
func (t *shadowTracker) locate(addr unsafe.Pointer, op string) (*trackedRegion, int, bool) {
	target := uintptr(addr)

	idx, found := slices.BinarySearchFunc(t.regions, target, compareRegionBase)
	if found {
		return t.regions[idx], 0, true
	}
	if idx > 0 {
		r := t.regions[idx-1]
		if target < r.base+uintptr(r.size) {
			return r, int(target - r.base), true
		}
	}

	for _, tomb := range t.tombstones {
		if tomb.size > 0 && target >= tomb.base && target < tomb.base+uintptr(tomb.size) {
			panic(fmt.Sprintf("memspan: %s at %#x, which is inside an allocation that was deallocated", op, target))
		}
	}

	return nil, 0, false
}

func (r *trackedRegion) requireFits(offset, byteLen int, op string) {
	if offset < 0 || offset+byteLen > r.size {
		panic(fmt.Sprintf("memspan: %s of %d bytes at offset %d overruns the %d-byte allocation at %#x",
			op, byteLen, offset, r.size, r.base))
	}
}

func (r *trackedRegion) setInitialized(offset, byteLen int, value bool) {
	for byteLen > 0 {
		word := offset / 64
		bit := offset % 64
		run := 64 - bit
		if run > byteLen {
			run = byteLen
		}

		mask := ^uint64(0)
		if run < 64 {
			mask = ((uint64(1) << run) - 1) << bit
		}

		if value {
			r.initBits[word] |= mask
		} else {
			r.initBits[word] &^= mask
		}

		offset += run
		byteLen -= run
	}
}

// firstWithState returns the offset of the first byte in the range whose
// initialized bit equals value, or -1 if there is none.
func (r *trackedRegion) firstWithState(offset, byteLen int, value bool) int {
	for i := offset; i < offset+byteLen; i++ {
		bitSet := r.initBits[i/64]&(uint64(1)<<(i%64)) != 0
		if bitSet == value {
			return i
		}
	}
	return -1
}

func (r *trackedRegion) requireInitialized(offset, byteLen int, op string) {
	uninit := r.firstWithState(offset, byteLen, false)
	if uninit >= 0 {
		panic(fmt.Sprintf("memspan: %s of uninitialized memory: byte %d of the allocation at %#x has never been initialized",
			op, uninit, r.base))
	}
}

func (r *trackedRegion) requireUninitialized(offset, byteLen int, op string) {
	init := r.firstWithState(offset, byteLen, true)
	if init >= 0 {
		panic(fmt.Sprintf("memspan: %s of memory that is already initialized: byte %d of the allocation at %#x holds a value; deinitialize it first",
			op, init, r.base))
	}
}

// copyInitialized copies the per-byte initialized bits for a range from src
// into dst. Used by raw copies so that partially initialized sources produce
// partially initialized destinations.
func copyInitialized(dst *trackedRegion, dstOffset int, src *trackedRegion, srcOffset, byteLen int) {
	for i := 0; i < byteLen; i++ {
		from := srcOffset + i
		bitSet := src.initBits[from/64]&(uint64(1)<<(from%64)) != 0
		dst.setInitialized(dstOffset+i, 1, bitSet)
	}
}

func (r *trackedRegion) bindingAt(offset int) *bindingSegment {
	for i := range r.bindings {
		seg := &r.bindings[i]
		if offset >= seg.offset && offset < seg.offset+seg.byteLen {
			return seg
		}
		if seg.offset > offset {
			break
		}
	}
	return nil
}

// requireBound verifies that every byte of the range lies in segments bound
// to elemType. Adjacent segments of the same type satisfy a spanning range.
func (r *trackedRegion) requireBound(offset, byteLen int, elemType reflect.Type, op string) {
	next := offset
	end := offset + byteLen

	for i := range r.bindings {
		seg := &r.bindings[i]
		if seg.offset+seg.byteLen <= next {
			continue
		}
		if seg.offset > next {
			break
		}
		if seg.elemType != elemType {
			panic(fmt.Sprintf("memspan: %s through type %s, but the memory at %#x+%d is bound to %s",
				op, elemType, r.base, next, seg.elemType))
		}
		next = seg.offset + seg.byteLen
		if next >= end {
			return
		}
	}

	panic(fmt.Sprintf("memspan: %s through type %s, but the memory at %#x+%d is not bound to any type",
		op, elemType, r.base, next))
}

// replaceBindings clears all bindings in the range and, when elemType is not
// nil, binds the whole range to it.
func (r *trackedRegion) replaceBindings(offset, byteLen int, elemType reflect.Type) {
	end := offset + byteLen
	replacement := make([]bindingSegment, 0, len(r.bindings)+1)
	inserted := false

	appendSeg := func(seg bindingSegment) {
		if seg.byteLen <= 0 {
			return
		}
		if !inserted && elemType != nil && seg.offset >= offset {
			replacement = append(replacement, bindingSegment{offset: offset, byteLen: byteLen, elemType: elemType})
			inserted = true
		}
		replacement = append(replacement, seg)
	}

	for _, seg := range r.bindings {
		segEnd := seg.offset + seg.byteLen
		if segEnd <= offset || seg.offset >= end {
			appendSeg(seg)
			continue
		}
		// Keep the parts of the segment outside the replaced range
		appendSeg(bindingSegment{offset: seg.offset, byteLen: offset - seg.offset, elemType: seg.elemType})
		appendSeg(bindingSegment{offset: end, byteLen: segEnd - end, elemType: seg.elemType})
	}

	if !inserted && elemType != nil {
		replacement = append(replacement, bindingSegment{offset: offset, byteLen: byteLen, elemType: elemType})
	}

	slices.SortFunc(replacement, func(a, b bindingSegment) bool {
		return a.offset < b.offset
	})
	r.bindings = replacement
}

// snapshotBindings returns copies of the segments overlapping the range,
// clipped to it, so a rebind can restore them afterwards.
func (r *trackedRegion) snapshotBindings(offset, byteLen int) []bindingSegment {
	end := offset + byteLen
	var snapshot []bindingSegment

	for _, seg := range r.bindings {
		segEnd := seg.offset + seg.byteLen
		if segEnd <= offset || seg.offset >= end {
			continue
		}
		clipped := seg
		if clipped.offset < offset {
			clipped.byteLen -= offset - clipped.offset
			clipped.offset = offset
		}
		if clipped.offset+clipped.byteLen > end {
			clipped.byteLen = end - clipped.offset
		}
		snapshot = append(snapshot, clipped)
	}

	return snapshot
}

func requireAligned(addr unsafe.Pointer, align int, elemType reflect.Type, op string) {
	if align > 1 && uintptr(addr)&uintptr(align-1) != 0 {
		panic(fmt.Sprintf("memspan: %s at %#x, which is not aligned to %d bytes as %s requires",
			op, uintptr(addr), align, elemType))
	}
}

func requireTrivial(elemType reflect.Type, op string) {
	if !memutils.TypeIsTrivial(elemType) {
		panic(fmt.Sprintf("memspan: %s of non-trivial type %s in manually managed memory: the garbage collector cannot see values stored there, so pointer-bearing types are forbidden",
			op, elemType))
	}
}

func rangesOverlap(a, b unsafe.Pointer, byteLen int) bool {
	lo, hi := uintptr(a), uintptr(b)
	if lo > hi {
		lo, hi = hi, lo
	}
	return hi-lo < uintptr(byteLen)
}

func stateTrackAlloc(addr unsafe.Pointer, size int) {
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	slog.Default().Debug("memspan: tracking allocation",
		slog.Uint64("address", uint64(uintptr(addr))),
		slog.Int("size", size))

	shadow.insertRegion(&trackedRegion{
		base:     uintptr(addr),
		size:     size,
		initBits: make([]uint64, (size+63)/64),
	})
}

func stateUntrackAlloc(addr unsafe.Pointer, size int) {
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	slog.Default().Debug("memspan: releasing allocation",
		slog.Uint64("address", uint64(uintptr(addr))),
		slog.Int("size", size))

	shadow.removeRegion(uintptr(addr))
}

func stateCheckDealloc(addr unsafe.Pointer) {
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	r, offset, ok := shadow.locate(addr, "Deallocate")
	if !ok {
		return
	}
	if offset != 0 {
		panic(fmt.Sprintf("memspan: Deallocate of %#x, which is %d bytes into the allocation at %#x rather than its base",
			uintptr(addr), offset, r.base))
	}

	for _, seg := range r.bindings {
		init := r.firstWithState(seg.offset, seg.byteLen, true)
		if init >= 0 {
			panic(fmt.Sprintf("memspan: Deallocate of the allocation at %#x while byte %d, bound to %s, is still initialized; deinitialize bound memory before deallocating",
				r.base, init, seg.elemType))
		}
	}
}

func stateBind[T any](addr unsafe.Pointer, count int) {
	if count == 0 {
		return
	}

	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	r, offset, ok := shadow.locate(addr, "Bind")
	if !ok {
		return
	}

	elemType := memutils.TypeOf[T]()
	requireTrivial(elemType, "Bind")
	requireAligned(addr, memutils.AlignOf[T](), elemType, "Bind")

	byteLen := count * memutils.StrideOf[T]()
	r.requireFits(offset, byteLen, "Bind")
	r.replaceBindings(offset, byteLen, elemType)
}

func stateCheckBound[T any](addr unsafe.Pointer) {
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	r, offset, ok := shadow.locate(addr, "AssumeBound")
	if !ok {
		return
	}

	elemType := memutils.TypeOf[T]()
	seg := r.bindingAt(offset)
	if seg == nil {
		panic(fmt.Sprintf("memspan: AssumeBound to %s at %#x, but that memory has not been bound to any type",
			elemType, uintptr(addr)))
	}
	if seg.elemType != elemType {
		panic(fmt.Sprintf("memspan: AssumeBound to %s at %#x, but that memory is bound to %s",
			elemType, uintptr(addr), seg.elemType))
	}
}

func stateRawRead(addr unsafe.Pointer, size int, align int) {
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	r, offset, ok := shadow.locate(addr, "Load")
	if !ok {
		return
	}

	if align > 1 && uintptr(addr)&uintptr(align-1) != 0 {
		panic(fmt.Sprintf("memspan: Load at %#x, which is not aligned to %d bytes", uintptr(addr), align))
	}
	r.requireFits(offset, size, "Load")
	r.requireInitialized(offset, size, "Load")
}

func stateRawWrite(addr unsafe.Pointer, size int, align int) {
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	r, offset, ok := shadow.locate(addr, "Store")
	if !ok {
		return
	}

	if align > 1 && uintptr(addr)&uintptr(align-1) != 0 {
		panic(fmt.Sprintf("memspan: Store at %#x, which is not aligned to %d bytes", uintptr(addr), align))
	}
	r.requireFits(offset, size, "Store")
	r.setInitialized(offset, size, true)
}

func stateRawCopy(dst, src unsafe.Pointer, byteCount int) {
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	srcRegion, srcOffset, srcTracked := shadow.locate(src, "CopyFrom source")
	if srcTracked {
		srcRegion.requireFits(srcOffset, byteCount, "CopyFrom source")
	}

	dstRegion, dstOffset, dstTracked := shadow.locate(dst, "CopyFrom")
	if !dstTracked {
		return
	}
	dstRegion.requireFits(dstOffset, byteCount, "CopyFrom")

	if srcTracked {
		copyInitialized(dstRegion, dstOffset, srcRegion, srcOffset, byteCount)
	} else {
		dstRegion.setInitialized(dstOffset, byteCount, true)
	}
}

func stateCheckLoad[T any](addr unsafe.Pointer) {
	checkTypedAccess[T](addr, "Load", true)
}

func stateCheckStore[T any](addr unsafe.Pointer) {
	checkTypedAccess[T](addr, "Store", true)
}

// checkTypedAccess validates a single-cell typed access: triviality,
// alignment, bounds, binding, and (when needInit) initialization.
func checkTypedAccess[T any](addr unsafe.Pointer, op string, needInit bool) {
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	r, offset, ok := shadow.locate(addr, op)
	if !ok {
		return
	}

	elemType := memutils.TypeOf[T]()
	requireTrivial(elemType, op)
	requireAligned(addr, memutils.AlignOf[T](), elemType, op)

	size := memutils.SizeOf[T]()
	r.requireFits(offset, size, op)
	r.requireBound(offset, size, elemType, op)
	if needInit {
		r.requireInitialized(offset, size, op)
	}
}

func stateInitialize[T any](addr unsafe.Pointer, count int) {
	if count == 0 {
		return
	}

	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	r, offset, ok := shadow.locate(addr, "Initialize")
	if !ok {
		return
	}

	elemType := memutils.TypeOf[T]()
	requireTrivial(elemType, "Initialize")
	requireAligned(addr, memutils.AlignOf[T](), elemType, "Initialize")

	byteLen := count * memutils.StrideOf[T]()
	r.requireFits(offset, byteLen, "Initialize")
	r.requireBound(offset, byteLen, elemType, "Initialize")
	r.requireUninitialized(offset, byteLen, "Initialize")
	r.setInitialized(offset, byteLen, true)
}

func stateDeinitialize[T any](addr unsafe.Pointer, count int) {
	if count == 0 {
		return
	}

	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	r, offset, ok := shadow.locate(addr, "Deinitialize")
	if !ok {
		return
	}

	elemType := memutils.TypeOf[T]()
	byteLen := count * memutils.StrideOf[T]()
	r.requireFits(offset, byteLen, "Deinitialize")
	r.requireBound(offset, byteLen, elemType, "Deinitialize")
	r.requireInitialized(offset, byteLen, "Deinitialize")
	r.setInitialized(offset, byteLen, false)
}

func stateMove[T any](addr unsafe.Pointer) {
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	r, offset, ok := shadow.locate(addr, "Move")
	if !ok {
		return
	}

	elemType := memutils.TypeOf[T]()
	requireTrivial(elemType, "Move")
	requireAligned(addr, memutils.AlignOf[T](), elemType, "Move")

	size := memutils.SizeOf[T]()
	r.requireFits(offset, size, "Move")
	r.requireBound(offset, size, elemType, "Move")
	r.requireInitialized(offset, size, "Move")
	r.setInitialized(offset, size, false)
}

func stateInitializeFrom[T any](dst, src unsafe.Pointer, count int) {
	byteLen := count * memutils.StrideOf[T]()
	if rangesOverlap(dst, src, byteLen) {
		panic(fmt.Sprintf("memspan: InitializeFrom with overlapping regions at %#x and %#x; use MoveInitializeFrom for overlapping moves",
			uintptr(dst), uintptr(src)))
	}
	checkBulkTransfer[T](dst, src, count, "InitializeFrom", false, false)
}

func stateMoveInitializeFrom[T any](dst, src unsafe.Pointer, count int) {
	checkBulkTransfer[T](dst, src, count, "MoveInitializeFrom", false, true)
}

func stateAssignFrom[T any](dst, src unsafe.Pointer, count int) {
	byteLen := count * memutils.StrideOf[T]()
	if rangesOverlap(dst, src, byteLen) {
		panic(fmt.Sprintf("memspan: AssignFrom with overlapping regions at %#x and %#x",
			uintptr(dst), uintptr(src)))
	}
	checkBulkTransfer[T](dst, src, count, "AssignFrom", true, false)
}

func stateMoveAssignFrom[T any](dst, src unsafe.Pointer, count int) {
	byteLen := count * memutils.StrideOf[T]()
	if rangesOverlap(dst, src, byteLen) {
		panic(fmt.Sprintf("memspan: MoveAssignFrom with overlapping regions at %#x and %#x",
			uintptr(dst), uintptr(src)))
	}
	checkBulkTransfer[T](dst, src, count, "MoveAssignFrom", true, true)
}

// checkBulkTransfer validates the bulk copy family. dstInit selects between
// assignment (destination must be initialized) and initialization
// (destination must be uninitialized). moveSrc deinitializes the source cells
// afterwards.
func checkBulkTransfer[T any](dst, src unsafe.Pointer, count int, op string, dstInit bool, moveSrc bool) {
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	elemType := memutils.TypeOf[T]()
	byteLen := count * memutils.StrideOf[T]()
	overlapping := rangesOverlap(dst, src, byteLen)

	srcRegion, srcOffset, srcTracked := shadow.locate(src, op+" source")
	if srcTracked {
		requireTrivial(elemType, op)
		requireAligned(src, memutils.AlignOf[T](), elemType, op+" source")
		srcRegion.requireFits(srcOffset, byteLen, op+" source")
		srcRegion.requireBound(srcOffset, byteLen, elemType, op+" source")
		srcRegion.requireInitialized(srcOffset, byteLen, op+" source")
	}

	dstRegion, dstOffset, dstTracked := shadow.locate(dst, op)
	if dstTracked {
		requireTrivial(elemType, op)
		requireAligned(dst, memutils.AlignOf[T](), elemType, op)
		dstRegion.requireFits(dstOffset, byteLen, op)
		dstRegion.requireBound(dstOffset, byteLen, elemType, op)
		if dstInit {
			dstRegion.requireInitialized(dstOffset, byteLen, op)
		} else if !overlapping {
			// With overlap the destination legitimately covers initialized
			// source cells, so the uninitialized requirement only applies to
			// disjoint ranges.
			dstRegion.requireUninitialized(dstOffset, byteLen, op)
		}
	}

	if moveSrc && srcTracked {
		srcRegion.setInitialized(srcOffset, byteLen, false)
	}
	if dstTracked {
		dstRegion.setInitialized(dstOffset, byteLen, true)
	}
}

func stateRebind[U any, T any](addr unsafe.Pointer, count int) func() {
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	r, offset, ok := shadow.locate(addr, "Rebound")
	if !ok {
		return stateNopRestore
	}

	fromType := memutils.TypeOf[T]()
	toType := memutils.TypeOf[U]()
	requireTrivial(toType, "Rebound")

	byteLen := count * memutils.StrideOf[T]()
	r.requireFits(offset, byteLen, "Rebound")
	r.requireBound(offset, byteLen, fromType, "Rebound")

	snapshot := r.snapshotBindings(offset, byteLen)
	r.replaceBindings(offset, byteLen, toType)

	return func() {
		shadow.mutex.Lock()
		defer shadow.mutex.Unlock()

		restored, restoredOffset, stillTracked := shadow.locate(addr, "Rebound restore")
		if !stillTracked {
			return
		}
		restored.replaceBindings(restoredOffset, byteLen, nil)
		for _, seg := range snapshot {
			restored.replaceBindings(seg.offset, seg.byteLen, seg.elemType)
		}
	}
}

func stateCheckDistance(a, b unsafe.Pointer) {
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()

	regionA, _, okA := shadow.locate(a, "Distance")
	regionB, _, okB := shadow.locate(b, "Distance")
	if !okA || !okB {
		return
	}
	if regionA != regionB {
		panic(fmt.Sprintf("memspan: Distance between %#x and %#x, which lie in different allocations",
			uintptr(a), uintptr(b)))
	}
}

func stateCheckCount(count int, op string) {
	if count < 0 {
		panic(fmt.Sprintf("memspan: %s with negative count %d", op, count))
	}
}

func boundsCheckIndex(length int, i int, op string) {
	if i < 0 || i >= length {
		panic(fmt.Sprintf("memspan: %s index %d out of range for span of length %d", op, i, length))
	}
}

func boundsCheckRange(length int, lo int, hi int, op string) {
	if lo < 0 || hi < lo || hi > length {
		panic(fmt.Sprintf("memspan: %s range [%d, %d) out of range for span of length %d", op, lo, hi, length))
	}
}
