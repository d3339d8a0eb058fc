package memspan

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/memspan/memspan/internal/utils"
	"github.com/memspan/memspan/memutils"
)

// HeapAllocatorCreateFlags indicate specific allocator behaviors to activate or deactivate
type HeapAllocatorCreateFlags int32

var heapAllocatorCreateFlagsMapping = memutils.NewFlagStringMapping[HeapAllocatorCreateFlags]()

func (f HeapAllocatorCreateFlags) Register(str string) {
	heapAllocatorCreateFlagsMapping.Register(f, str)
}
func (f HeapAllocatorCreateFlags) String() string {
	return heapAllocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// HeapAllocatorCreateExternallySynchronized ensures that this allocator will not be
	// synchronized internally. The consumer must guarantee it is used from only one
	// goroutine at a time or is synchronized by some other mechanism, but performance may
	// improve because internal mutexes are not used.
	HeapAllocatorCreateExternallySynchronized HeapAllocatorCreateFlags = 1 << iota
)

func init() {
	HeapAllocatorCreateExternallySynchronized.Register("HeapAllocatorCreateExternallySynchronized")
}

// HeapAllocatorOptions contains optional settings when creating a HeapAllocator
type HeapAllocatorOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags HeapAllocatorCreateFlags

	// SizeLimit can be left as 0. If it is provided, it is the maximum number of live
	// allocated bytes this allocator will hand out, and Alloc will return an error for
	// requests that would pass it.
	SizeLimit int
}

type heapAllocation struct {
	backing   []byte
	size      int
	alignment int
	// shift is the distance in bytes from the start of backing to the aligned base
	shift int
}

func (alloc *heapAllocation) basePointer() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(alloc.backing)), alloc.shift)
}

// HeapAllocator is the default Allocator. Every allocation receives its own
// backing store sized for the request plus alignment slack and debug margin.
// The allocator retains each backing store until Dealloc, which is what keeps
// the garbage collector from reclaiming memory that is only referenced
// through raw pointers.
type HeapAllocator struct {
	logger    *slog.Logger
	flags     HeapAllocatorCreateFlags
	sizeLimit int

	mutex       utils.OptionalRWMutex
	allocations *swiss.Map[uintptr, heapAllocation]
	stats       memutils.Statistics
}

var _ Allocator = &HeapAllocator{}

// NewHeapAllocator creates a new HeapAllocator
//
// logger - The logger this allocator and its allocations will use. A nil logger falls
// back to slog.Default()
//
// options - Optional parameters: it is valid to leave all the fields blank
func NewHeapAllocator(logger *slog.Logger, options HeapAllocatorOptions) *HeapAllocator {
	if logger == nil {
		logger = slog.Default()
	}

	useMutex := options.Flags&HeapAllocatorCreateExternallySynchronized == 0

	return &HeapAllocator{
		logger:    logger,
		flags:     options.Flags,
		sizeLimit: options.SizeLimit,

		mutex:       utils.OptionalRWMutex{UseMutex: useMutex},
		allocations: swiss.NewMap[uintptr, heapAllocation](64),
	}
}

func (a *HeapAllocator) Alloc(byteCount int, alignment int) (RawPointer, error) {
	a.logger.Debug("HeapAllocator::Alloc")

	if byteCount <= 0 {
		return RawPointer{}, cerrors.Newf("allocation size must be greater than 0, but was %d", byteCount)
	}
	if alignment <= 0 {
		return RawPointer{}, cerrors.Newf("allocation alignment must be greater than 0, but was %d", alignment)
	}
	err := memutils.CheckPow2(alignment, "allocation alignment")
	if err != nil {
		return RawPointer{}, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.sizeLimit > 0 && a.stats.AllocationBytes+byteCount > a.sizeLimit {
		return RawPointer{}, cerrors.Newf("an allocation of %d bytes would exceed this allocator's size limit of %d bytes (%d bytes are currently live)",
			byteCount, a.sizeLimit, a.stats.AllocationBytes)
	}

	// Over-allocate by the alignment slack so a suitably aligned base always
	// exists inside the backing store, then shift the base up to it.
	backing := make([]byte, byteCount+memutils.DebugMargin+alignment-1)
	base := unsafe.Pointer(unsafe.SliceData(backing))
	shift := 0
	if misalign := int(uintptr(base) & uintptr(alignment-1)); misalign != 0 {
		shift = alignment - misalign
		base = unsafe.Add(base, shift)
	}

	ptr := RawPointer{addr: base}
	memutils.WriteMagicValue(base, byteCount)

	a.allocations.Put(ptr.Bits(), heapAllocation{
		backing:   backing,
		size:      byteCount,
		alignment: alignment,
		shift:     shift,
	})
	a.stats.BlockCount++
	a.stats.AllocationCount++
	a.stats.BlockBytes += len(backing)
	a.stats.AllocationBytes += byteCount

	return ptr, nil
}

func (a *HeapAllocator) Dealloc(ptr RawPointer) error {
	a.logger.Debug("HeapAllocator::Dealloc")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	alloc, ok := a.allocations.Get(ptr.Bits())
	if !ok {
		return cerrors.Newf("%#x is not the base address of a live allocation from this allocator", ptr.Bits())
	}

	if !memutils.ValidateMagicValue(ptr.addr, alloc.size) {
		panic("MEMORY CORRUPTION DETECTED AFTER VALIDATED ALLOCATION!")
	}

	a.allocations.Delete(ptr.Bits())
	a.stats.BlockCount--
	a.stats.AllocationCount--
	a.stats.BlockBytes -= len(alloc.backing)
	a.stats.AllocationBytes -= alloc.size

	return nil
}

// Statistics returns the cheap summary statistics for this allocator's live
// allocations.
func (a *HeapAllocator) Statistics() memutils.Statistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.stats
}

// AddDetailedStatistics sums this allocator's statistics into the statistics
// currently present in the provided memutils.DetailedStatistics object.
func (a *HeapAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.allocations.Iter(func(addr uintptr, alloc heapAllocation) (stop bool) {
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += len(alloc.backing)
		stats.AddAllocation(alloc.size)
		return false
	})
}

// CheckCorruption verifies the debug margin after every live allocation. It
// returns nil if all margins are intact. Margins are only written when the
// debug_memspan build tag is present; without it this method checks nothing
// and returns nil.
func (a *HeapAllocator) CheckCorruption() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var err error
	a.allocations.Iter(func(addr uintptr, alloc heapAllocation) (stop bool) {
		if !memutils.ValidateMagicValue(alloc.basePointer(), alloc.size) {
			err = cerrors.Newf("memory corruption detected after the allocation at %#x", addr)
			return true
		}
		return false
	})

	return err
}

// Close reports allocations that were never deallocated. Each leak is logged
// at Error level, and a non-nil error is returned if any exist. Close does
// not free the leaked allocations; their backing stores remain live until
// they are deallocated or the allocator itself becomes unreachable.
func (a *HeapAllocator) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	liveCount := a.allocations.Count()
	if liveCount == 0 {
		return nil
	}

	a.allocations.Iter(func(addr uintptr, alloc heapAllocation) (stop bool) {
		a.logger.Error("HeapAllocator::Close: leaked allocation",
			slog.Uint64("address", uint64(addr)),
			slog.Int("size", alloc.size))
		return false
	})

	return cerrors.Newf("allocator closed with %d live allocations", liveCount)
}
