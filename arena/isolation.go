package arena

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/memspan/memspan/memutils"
)

// IsolationCheck lets a Metadata implementation keep suballocations of
// conflicting classes from sharing a page of the backing block. Consumers
// assign a class to each allocation; the check decides which classes may
// coexist and nudges offsets apart when they may not.
//
// Metadata implementations call these methods while holding whatever lock
// protects the metadata, so implementations do not need their own
// synchronization.
type IsolationCheck interface {
	// Init prepares the check for a backing block of the given size. It is
	// called once from Metadata.Init.
	Init(size int)
	// AllocPages records that an allocation of the given class now occupies
	// the pages touched by [offset, offset+size).
	AllocPages(class uint32, offset, size int)
	// FreePages releases the page records made by AllocPages.
	FreePages(offset, size int)
	// Clear drops all page records.
	Clear()
	// CheckConflictAndAlignUp inspects the pages the proposed allocation would
	// touch. It returns a possibly increased offset and true when the
	// allocation cannot be placed in the region without a class conflict.
	CheckConflictAndAlignUp(allocOffset, allocSize, regionOffset, regionSize int, class uint32) (int, bool)
	// RoundUpAllocRequest may grow the size and alignment of a requested
	// allocation so that it occupies whole pages.
	RoundUpAllocRequest(class uint32, allocSize int, allocAlignment uint) (int, uint)
	// Conflict reports whether two allocation classes may not share a page.
	Conflict(firstClass, secondClass uint32) bool

	// StartValidation begins a consistency sweep. The returned context is
	// passed to Validate once per live suballocation and then to
	// FinishValidation.
	StartValidation() any
	Validate(ctx any, offset, size int) error
	FinishValidation(ctx any) error
}

// NoIsolation is an IsolationCheck that never reports conflicts. It is the
// default for arenas whose allocations have no placement constraints.
type NoIsolation struct{}

var _ IsolationCheck = NoIsolation{}

func (c NoIsolation) Init(size int)                             {}
func (c NoIsolation) AllocPages(class uint32, offset, size int) {}
func (c NoIsolation) FreePages(offset, size int)                {}
func (c NoIsolation) Clear()                                    {}
func (c NoIsolation) CheckConflictAndAlignUp(allocOffset, allocSize, regionOffset, regionSize int, class uint32) (int, bool) {
	return allocOffset, false
}
func (c NoIsolation) RoundUpAllocRequest(class uint32, allocSize int, allocAlignment uint) (int, uint) {
	return allocSize, allocAlignment
}
func (c NoIsolation) Conflict(firstClass, secondClass uint32) bool {
	return false
}
func (c NoIsolation) StartValidation() any                     { return nil }
func (c NoIsolation) Validate(ctx any, offset, size int) error { return nil }
func (c NoIsolation) FinishValidation(ctx any) error           { return nil }

const (
	// MaxRoundUpPageSize is the largest page size for which PageIsolation
	// rounds allocations up to whole pages instead of tracking page
	// occupancy. Above this limit, rounding every small allocation to a page
	// would waste too much memory, so per-page occupancy records are kept
	// instead.
	MaxRoundUpPageSize uint = 256
)

type pageState struct {
	class      uint32
	allocCount uint16
}

type isolationValidationContext struct {
	pageAllocs []uint16
}

// PageIsolation is an IsolationCheck that prevents suballocations of
// different classes from sharing a page. Use it to keep unrelated workloads
// out of each other's cache lines or protection pages: give each workload its
// own class and allocations are padded or pushed apart whenever they would
// otherwise straddle a page boundary into foreign memory.
//
// Page sizes up to MaxRoundUpPageSize are handled by rounding allocations up
// to whole pages. Larger page sizes are handled by tracking the class and
// count of allocations touching each page.
type PageIsolation struct {
	pageSize uint
	pages    []pageState
}

var _ IsolationCheck = &PageIsolation{}

// NewPageIsolation creates a PageIsolation for the provided page size, which
// must be a power of two greater than 1.
func NewPageIsolation(pageSize uint) (*PageIsolation, error) {
	if pageSize < 2 {
		return nil, errors.Errorf("page size must be at least 2, but was %d", pageSize)
	}
	err := memutils.CheckPow2(pageSize, "pageSize")
	if err != nil {
		return nil, err
	}

	return &PageIsolation{pageSize: pageSize}, nil
}

func (g *PageIsolation) Init(size int) {
	if g.isTracking() {
		count := size / int(g.pageSize)
		if size%int(g.pageSize) > 0 {
			count++
		}

		if len(g.pages) >= count {
			g.pages = g.pages[:count]
		} else {
			g.pages = make([]pageState, count)
		}
	}
}

// Conflict reports whether two classes may not share a page. Free regions
// (class 0) never conflict, and a class never conflicts with itself.
func (g *PageIsolation) Conflict(firstClass, secondClass uint32) bool {
	if firstClass == 0 || secondClass == 0 {
		return false
	}

	return firstClass != secondClass
}

func (g *PageIsolation) RoundUpAllocRequest(class uint32, allocSize int, allocAlignment uint) (int, uint) {
	if g.pageSize > 1 && g.pageSize <= MaxRoundUpPageSize {
		if allocAlignment < g.pageSize {
			allocAlignment = g.pageSize
		}

		allocSize = memutils.AlignUp(allocSize, g.pageSize)
	}

	return allocSize, allocAlignment
}

func (g *PageIsolation) CheckConflictAndAlignUp(
	allocOffset, allocSize, regionOffset, regionSize int,
	class uint32,
) (int, bool) {
	if !g.isTracking() {
		return allocOffset, false
	}

	startPage := g.getStartPage(allocOffset)
	if g.pages[startPage].allocCount > 0 &&
		g.Conflict(g.pages[startPage].class, class) {

		allocOffset = memutils.AlignUp(allocOffset, g.pageSize)

		if regionSize < allocSize+allocOffset-regionOffset {
			return allocOffset, true
		}

		startPage++
	}

	endPage := g.getEndPage(allocOffset, allocSize)
	if endPage != startPage && g.pages[endPage].allocCount > 0 &&
		g.Conflict(g.pages[endPage].class, class) {
		return allocOffset, true
	}

	return allocOffset, false
}

func (g *PageIsolation) AllocPages(class uint32, offset, size int) {
	if !g.isTracking() {
		return
	}

	startPage := g.getStartPage(offset)
	g.allocPage(&g.pages[startPage], class)

	endPage := g.getEndPage(offset, size)
	if startPage != endPage {
		g.allocPage(&g.pages[endPage], class)
	}
}

func (g *PageIsolation) FreePages(offset, size int) {
	if !g.isTracking() {
		return
	}

	startPage := g.getStartPage(offset)
	g.pages[startPage].allocCount--
	if g.pages[startPage].allocCount == 0 {
		g.pages[startPage].class = 0
	}

	endPage := g.getEndPage(offset, size)
	if startPage != endPage {
		g.pages[endPage].allocCount--
		if g.pages[endPage].allocCount == 0 {
			g.pages[endPage].class = 0
		}
	}
}

func (g *PageIsolation) Clear() {
	if g.pages != nil {
		g.pages = make([]pageState, len(g.pages))
	}
}

func (g *PageIsolation) StartValidation() any {
	context := &isolationValidationContext{}

	if g.isTracking() {
		context.pageAllocs = make([]uint16, len(g.pages))
	}

	return context
}

func (g *PageIsolation) Validate(anyCtx any, offset, size int) error {
	if !g.isTracking() {
		return nil
	}

	ctx := anyCtx.(*isolationValidationContext)
	start := g.getStartPage(offset)
	ctx.pageAllocs[start]++
	if g.pages[start].allocCount < 1 {
		return errors.Errorf("no allocations recorded in start page %d", start)
	}

	end := g.getEndPage(offset, size)
	if start != end {
		ctx.pageAllocs[end]++
		if g.pages[end].allocCount < 1 {
			return errors.Errorf("no allocations recorded in end page %d", end)
		}
	}

	return nil
}

func (g *PageIsolation) FinishValidation(anyCtx any) error {
	if !g.isTracking() {
		return nil
	}

	ctx := anyCtx.(*isolationValidationContext)

	for pageIndex, page := range g.pages {
		if ctx.pageAllocs[pageIndex] != page.allocCount {
			return errors.Errorf("allocation count mismatch on page %d", pageIndex)
		}
	}
	ctx.pageAllocs = nil

	return nil
}

func (g *PageIsolation) allocPage(page *pageState, class uint32) {
	if page.allocCount == 0 || page.class == 0 {
		page.class = class
	}

	page.allocCount++
}

func (g *PageIsolation) isTracking() bool {
	return g.pageSize > MaxRoundUpPageSize
}

func (g *PageIsolation) getStartPage(offset int) int {
	return g.offsetToPageIndex(offset & int(^(g.pageSize - 1)))
}

func (g *PageIsolation) getEndPage(offset int, size int) int {
	return g.offsetToPageIndex((offset + size - 1) & int(^(g.pageSize - 1)))
}

func (g *PageIsolation) offsetToPageIndex(offset int) int {
	return offset >> (63 - bits.LeadingZeros64(uint64(g.pageSize)))
}
