package arena

import (
	"context"
	"fmt"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"github.com/memspan/memspan"
	"github.com/memspan/memspan/internal/utils"
	"github.com/memspan/memspan/memutils"
)

// arenaBaseAlignment is the alignment of every arena's backing block. Request
// alignments up to this value can always be satisfied by offset placement
// alone, so it is also the maximum alignment an arena accepts.
const arenaBaseAlignment = 64

// OutOfSpaceError is returned, wrapped, when an arena does not have a
// contiguous free region large enough for a requested allocation.
var OutOfSpaceError = cerrors.New("the arena does not have enough contiguous free space for the requested allocation")

// ArenaOptions contains optional settings when creating an Arena
type ArenaOptions struct {
	// Flags indicates specific arena behaviors to activate or deactivate
	Flags ArenaCreateFlags

	// Granularity can be left as 0. If it is greater than 1, it is the page
	// size used to keep allocations of different classes from sharing a page,
	// and must be a power of two.
	Granularity int

	// Isolation can be left as nil. If it is provided, it replaces the
	// IsolationCheck the arena would otherwise build from Granularity.
	Isolation IsolationCheck

	// BackingAllocator can be left as nil. If it is provided, the arena's
	// backing block is allocated from it instead of memspan.DefaultAllocator.
	// The arena returns the block to this allocator when it is closed.
	BackingAllocator memspan.Allocator
}

// AllocOptions contains optional settings for a single arena allocation. The
// zero value requests a default allocation.
type AllocOptions struct {
	// Class tags the allocation for the arena's IsolationCheck. Allocations
	// with different classes will not share an isolation page. Class 0 is
	// reserved for free regions and is treated as class 1.
	Class uint32

	// Strategy selects how the allocator chooses between candidate free
	// regions. Leave as 0 for a balanced default.
	Strategy AllocationStrategy

	// UpperAddress places the allocation at the top of the block, turning a
	// linear arena into a double stack. It requires
	// ArenaCreateLinearAlgorithm.
	UpperAddress bool

	// UserData is an arbitrary value carried by the allocation. It can be
	// read back with Arena.AllocationUserData and appears in the unfreed
	// allocation report when an arena is closed with live allocations.
	UserData any
}

type arenaAllocation struct {
	handle AllocationHandle
	size   int
}

// Arena serves many small allocations from one large backing block. It
// implements memspan.Allocator.
//
// Allocations made through Alloc or AllocWithOptions must be returned with
// Dealloc on the same arena. The backing block is only returned to the
// backing allocator by Close, which fails if any allocation is still live.
type Arena struct {
	logger *slog.Logger
	flags  ArenaCreateFlags

	mutex            utils.OptionalRWMutex
	backing          memspan.RawPointer
	backingAllocator memspan.Allocator
	blockSize        int
	metadata         Metadata
	allocations      *swiss.Map[uintptr, arenaAllocation]
}

var _ memspan.Allocator = &Arena{}

// New creates an Arena with a backing block of blockSize bytes.
//
// logger - The logger this arena will use. A nil logger falls back to
// slog.Default()
//
// blockSize - The capacity of the arena in bytes
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, blockSize int, options ArenaOptions) (*Arena, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if blockSize < 1 {
		return nil, cerrors.Newf("arena block size must be greater than 0, but was %d", blockSize)
	}
	if options.Flags & ^(ArenaCreateLinearAlgorithm|ArenaCreateExternallySynchronized) != 0 {
		return nil, cerrors.Newf("unrecognized arena create flags: %d", int32(options.Flags))
	}

	granularity := options.Granularity
	if granularity < 1 {
		granularity = 1
	}

	isolation := options.Isolation
	if isolation == nil {
		if granularity > 1 {
			pageIsolation, err := NewPageIsolation(uint(granularity))
			if err != nil {
				return nil, err
			}
			isolation = pageIsolation
		} else {
			isolation = NoIsolation{}
		}
	} else if granularity > 1 {
		err := memutils.CheckPow2(granularity, "options.Granularity")
		if err != nil {
			return nil, err
		}
	}

	var md Metadata
	switch options.Flags & ArenaCreateAlgorithmMask {
	case 0:
		md = NewTLSFMetadata(granularity, isolation)
	case ArenaCreateLinearAlgorithm:
		md = NewLinearMetadata(granularity, isolation)
	}

	backingAllocator := options.BackingAllocator
	if backingAllocator == nil {
		backingAllocator = memspan.DefaultAllocator
	}

	backing, err := backingAllocator.Alloc(blockSize, arenaBaseAlignment)
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to allocate a %d-byte backing block", blockSize)
	}

	md.Init(blockSize)

	useMutex := options.Flags&ArenaCreateExternallySynchronized == 0

	return &Arena{
		logger: logger,
		flags:  options.Flags,

		mutex:            utils.OptionalRWMutex{UseMutex: useMutex},
		backing:          backing,
		backingAllocator: backingAllocator,
		blockSize:        blockSize,
		metadata:         md,
		allocations:      swiss.NewMap[uintptr, arenaAllocation](64),
	}, nil
}

// Size returns the capacity of the arena in bytes.
func (a *Arena) Size() int {
	return a.blockSize
}

func (a *Arena) Alloc(byteCount int, alignment int) (memspan.RawPointer, error) {
	return a.AllocWithOptions(byteCount, alignment, AllocOptions{})
}

// AllocWithOptions allocates byteCount bytes aligned to alignment from the
// arena's backing block.
func (a *Arena) AllocWithOptions(byteCount int, alignment int, options AllocOptions) (memspan.RawPointer, error) {
	a.logger.Debug("Arena::Alloc")

	if byteCount <= 0 {
		return memspan.RawPointer{}, cerrors.Newf("allocation size must be greater than 0, but was %d", byteCount)
	}
	if alignment <= 0 {
		return memspan.RawPointer{}, cerrors.Newf("allocation alignment must be greater than 0, but was %d", alignment)
	}
	err := memutils.CheckPow2(alignment, "allocation alignment")
	if err != nil {
		return memspan.RawPointer{}, err
	}
	if alignment > arenaBaseAlignment {
		return memspan.RawPointer{}, cerrors.Newf("allocation alignment %d exceeds the arena base alignment %d", alignment, arenaBaseAlignment)
	}

	allocClass := options.Class
	if allocClass == 0 {
		allocClass = 1
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	success, request, err := a.metadata.CreateAllocationRequest(byteCount, uint(alignment), options.UpperAddress, allocClass, options.Strategy)
	if err != nil {
		return memspan.RawPointer{}, err
	}
	if !success {
		return memspan.RawPointer{}, cerrors.Wrapf(OutOfSpaceError, "allocating %d bytes with alignment %d", byteCount, alignment)
	}

	err = a.metadata.Alloc(request, allocClass, options.UserData)
	if err != nil {
		return memspan.RawPointer{}, err
	}

	offset, err := a.metadata.AllocationOffset(request.Handle)
	if err != nil {
		panic(fmt.Sprintf("the metadata committed an allocation but does not recognize its handle: %+v", err))
	}

	ptr := a.backing.Add(offset)

	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(a.backing.Unsafe(), offset+request.Size)
	}
	fillRegion(ptr.Unsafe(), request.Size, memutils.CreatedFillPattern)

	a.allocations.Put(ptr.Bits(), arenaAllocation{
		handle: request.Handle,
		size:   request.Size,
	})

	return ptr, nil
}

func (a *Arena) Dealloc(ptr memspan.RawPointer) error {
	a.logger.Debug("Arena::Dealloc")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	alloc, ok := a.allocations.Get(ptr.Bits())
	if !ok {
		return cerrors.Newf("%#x is not the base address of a live arena allocation", ptr.Bits())
	}

	offset, err := a.metadata.AllocationOffset(alloc.handle)
	if err != nil {
		return err
	}

	if memutils.DebugMargin > 0 && !memutils.ValidateMagicValue(a.backing.Unsafe(), offset+alloc.size) {
		panic("MEMORY CORRUPTION DETECTED AFTER FREED ALLOCATION")
	}
	fillRegion(ptr.Unsafe(), alloc.size, memutils.DestroyedFillPattern)

	err = a.metadata.Free(alloc.handle)
	if err != nil {
		return err
	}

	a.allocations.Delete(ptr.Bits())
	return nil
}

// AllocationUserData returns the UserData value carried by the live
// allocation based at ptr.
func (a *Arena) AllocationUserData(ptr memspan.RawPointer) (any, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	alloc, ok := a.allocations.Get(ptr.Bits())
	if !ok {
		return nil, cerrors.Newf("%#x is not the base address of a live arena allocation", ptr.Bits())
	}

	return a.metadata.AllocationUserData(alloc.handle)
}

// SetAllocationUserData replaces the UserData value carried by the live
// allocation based at ptr.
func (a *Arena) SetAllocationUserData(ptr memspan.RawPointer, userData any) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	alloc, ok := a.allocations.Get(ptr.Bits())
	if !ok {
		return cerrors.Newf("%#x is not the base address of a live arena allocation", ptr.Bits())
	}

	return a.metadata.SetAllocationUserData(alloc.handle, userData)
}

// Statistics returns the cheap summary statistics for this arena.
func (a *Arena) Statistics() memutils.Statistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats memutils.Statistics
	a.metadata.AddStatistics(&stats)
	return stats
}

// DetailedStatistics walks every region in the arena and returns full
// statistics, including allocation and free-range size extremes. It is more
// expensive than Statistics.
func (a *Arena) DetailedStatistics() memutils.DetailedStatistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.metadata.AddDetailedStatistics(&stats)
	return stats
}

// BuildStatsJSON writes a JSON object describing the arena's regions to the
// provided writer.
func (a *Arena) BuildStatsJSON(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	obj := writer.Object()
	a.metadata.RegionJsonData(obj)
	obj.End()
}

// Validate performs internal consistency checks on the arena's metadata.
// These checks can be expensive. When the arena is functioning correctly, it
// should not be possible for this method to return an error.
func (a *Arena) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	metadataCount := a.metadata.AllocationCount()
	if a.allocations.Count() != metadataCount {
		return cerrors.Newf("the arena is tracking %d live allocations, but its metadata reports %d", a.allocations.Count(), metadataCount)
	}

	return a.metadata.Validate()
}

// CheckCorruption verifies the debug margin after every live allocation in
// the arena. Margins are only written when the debug_memspan build tag is
// present; without it this method returns an error without checking anything.
func (a *Arena) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return cerrors.New("corruption detection requires the debug_memspan build tag")
	}

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.metadata.CheckCorruption(a.backing.Unsafe())
}

// Close returns the backing block to the backing allocator. If any
// allocations are still live, Close logs each one at Error level, returns an
// error, and leaves the arena usable.
func (a *Arena) Close() error {
	a.logger.Debug("Arena::Close")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.backing.IsNull() {
		return cerrors.New("the arena has already been closed")
	}

	if !a.metadata.IsEmpty() {
		// Log all remaining allocations
		err := a.metadata.VisitAllRegions(func(handle AllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			a.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			a.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return cerrors.New("some allocations were not freed before the destruction of this arena")
	}

	err := a.backingAllocator.Dealloc(a.backing)
	if err != nil {
		return err
	}

	a.backing = memspan.RawPointer{}
	a.metadata = nil
	return nil
}

func (a *Arena) logUnreleasedMemory(offset, size int, userData any) {
	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", userData),
	)
}

// fillRegion writes the fill pattern across a region when the
// debug_init_allocs build tag is active.
func fillRegion(addr unsafe.Pointer, size int, pattern uint8) {
	if !memspan.InitializeAllocs || size <= 0 {
		return
	}
	data := unsafe.Slice((*uint8)(addr), size)
	for i := 0; i < size; i++ {
		data[i] = pattern
	}
}
