package arena

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/memspan/memspan/memutils"
)

// Metadata manages suballocations within a single block of memory. It tracks
// offsets and sizes only; the memory itself lives elsewhere, and the consumer
// is responsible for turning offsets back into pointers.
type Metadata interface {
	// Init must be called before the Metadata is used. It tells the
	// implementation the size in bytes of the block it will be managing and
	// gives it an opportunity to prepare internal structures.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These
	// checks may be expensive, depending on the implementation. When the
	// implementation is functioning correctly it should not be possible for
	// this method to return an error, but it may assist in diagnosing issues.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in
	// the implementation.
	AllocationCount() int
	// SumFreeSize returns the number of free bytes of memory in the block.
	SumFreeSize() int
	// IsEmpty returns true if this block has no live suballocations.
	IsEmpty() bool

	// VisitAllRegions calls the provided callback once for each allocation
	// and free region in the block. Depending on implementation this can be
	// slow and should generally only be done for diagnostic purposes.
	VisitAllRegions(visit func(handle AllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset accepts an AllocationHandle that maps to a live region
	// of memory within the block and returns the byte offset of that region.
	//
	// The implementation must return an error if the provided handle does not
	// map to a live region of memory within this block.
	AllocationOffset(handle AllocationHandle) (int, error)
	// AllocationUserData accepts an AllocationHandle that maps to a live
	// suballocation and returns the userData value provided by the consumer
	// for that suballocation.
	//
	// The implementation must return an error if the provided handle does not
	// map to a live suballocation within this block.
	AllocationUserData(handle AllocationHandle) (any, error)
	// SetAllocationUserData accepts an AllocationHandle that maps to a live
	// suballocation and replaces that suballocation's userData value.
	//
	// The implementation must return an error if the provided handle does not
	// map to a live suballocation within this block.
	SetAllocationUserData(handle AllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's allocation statistics into the
	// provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the provided
	// memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all suballocations and resets the metadata.
	Clear()
	// RegionJsonData populates a json object with information about this block.
	RegionJsonData(json jwriter.ObjectState)

	// CheckCorruption accepts a pointer to the memory this block manages and
	// returns nil if anti-corruption markers are intact for every
	// suballocation. Markers are only written when the package is built with
	// the debug_memspan tag, and the consumer is responsible for writing them
	// after each allocation with memutils.WriteMagicValue. The sweep is
	// expensive regardless of build tags, so only call it when
	// memutils.DebugMargin is not 0.
	CheckCorruption(blockData unsafe.Pointer) error

	// CreateAllocationRequest finds a place for a new suballocation and
	// describes it in the returned AllocationRequest, which can be committed
	// with Alloc. The first return value is false when the block has no room
	// for the request.
	//
	// allocSize and allocAlignment describe the requested allocation; the
	// implementation may increase both but never reduce them. upperAddress
	// requests placement in the upper stack of a double-stack LinearMetadata
	// and must produce an error from any other configuration. allocClass is
	// the consumer's allocation class, passed through to the IsolationCheck;
	// class 0 is reserved for free regions. strategy selects which free
	// region to prefer when several fit.
	CreateAllocationRequest(
		allocSize int, allocAlignment uint,
		upperAddress bool,
		allocClass uint32,
		strategy AllocationStrategy,
	) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest, creating the suballocation the
	// request describes. The implementation must return an error if the
	// request is no longer valid, for example because the chosen free region
	// no longer exists or is too small.
	Alloc(request AllocationRequest, allocClass uint32, userData any) error

	// Free releases a suballocation, turning it back into a free region.
	//
	// The implementation must return an error if the provided handle does not
	// map to a live suballocation within this block.
	Free(handle AllocationHandle) error
}

// metadataBase carries the few pieces of state shared by every Metadata
// implementation in this package.
type metadataBase struct {
	size      int
	pageSize  int
	isolation IsolationCheck
}

func newMetadataBase(pageSize int, isolation IsolationCheck) metadataBase {
	return metadataBase{
		pageSize:  pageSize,
		isolation: isolation,
	}
}

func (m *metadataBase) Init(size int) {
	m.size = size
	m.isolation.Init(size)
}

func (m *metadataBase) Size() int { return m.size }

func (m *metadataBase) writeRegionJson(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
