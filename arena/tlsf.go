package arena

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"

	"github.com/memspan/memspan/memutils"
)

const (
	smallBufferSize        = 256
	secondLevelIndex uint8 = 5
	memoryClassShift       = 7
	maxMemoryClasses       = 65 - memoryClassShift
)

var regionPool = sync.Pool{
	New: func() any {
		return &tlsfRegion{}
	},
}

// tlsfRegion is one node in the doubly linked chain of physical regions that
// partitions the block. Free regions additionally participate in one of the
// segregated free lists.
type tlsfRegion struct {
	offset       int
	size         int
	prevPhysical *tlsfRegion
	nextPhysical *tlsfRegion

	prevFree *tlsfRegion
	nextFree *tlsfRegion

	userData any
	handle   AllocationHandle
}

// A taken region points prevFree at itself, which frees the nil value to
// mean "head of a free list".
func (r *tlsfRegion) MarkFree() {
	r.prevFree = nil
}

func (r *tlsfRegion) MarkTaken() {
	r.prevFree = r
}

func (r *tlsfRegion) IsFree() bool {
	return r.prevFree != r
}

// TLSFMetadata is a Metadata implementation using the two-level segregated
// fit scheme: free regions are bucketed by size class and second-level
// subdivision, with bitmaps making bucket lookup constant-time. Allocation
// and free are both O(1) for the default strategy.
type TLSFMetadata struct {
	metadataBase

	allocCount        int
	regionsFreeCount  int
	regionsFreeSize   int
	isFreeBitmap      uint32
	innerIsFreeBitmap [maxMemoryClasses]uint32

	nextAllocationHandle AllocationHandle
	handleMap            *swiss.Map[AllocationHandle, *tlsfRegion]
	freeList             []*tlsfRegion
	nullRegion           *tlsfRegion
	tailRegion           *tlsfRegion
}

var _ Metadata = &TLSFMetadata{}

// NewTLSFMetadata creates a TLSFMetadata for the given isolation page size
// and check. Pass 1 and NoIsolation when allocations have no placement
// constraints. Call Init before use.
func NewTLSFMetadata(pageSize int, isolation IsolationCheck) *TLSFMetadata {
	return &TLSFMetadata{
		metadataBase: newMetadataBase(pageSize, isolation),
	}
}

func (m *TLSFMetadata) allocateRegion() *tlsfRegion {
	r := regionPool.Get().(*tlsfRegion)
	r.offset = 0
	r.size = 0
	r.prevPhysical = nil
	r.nextPhysical = nil
	r.nextFree = nil
	r.prevFree = nil
	r.userData = nil
	r.handle = AllocationHandle(atomic.AddUint64((*uint64)(&m.nextAllocationHandle), 1))
	m.handleMap.Put(r.handle, r)
	return r
}

func (m *TLSFMetadata) releaseRegion(r *tlsfRegion) {
	m.handleMap.Delete(r.handle)
	regionPool.Put(r)
}

func (m *TLSFMetadata) getRegion(handle AllocationHandle) (*tlsfRegion, error) {
	region, ok := m.handleMap.Get(handle)
	if !ok {
		return nil, errors.New("received a handle that was incompatible with this metadata")
	}
	return region, nil
}

func (m *TLSFMetadata) Init(size int) {
	m.metadataBase.Init(size)
	m.handleMap = swiss.NewMap[AllocationHandle, *tlsfRegion](42)

	m.nullRegion = m.allocateRegion()
	m.nullRegion.size = size
	m.nullRegion.MarkFree()
	m.tailRegion = m.nullRegion
	memoryClass := m.sizeToMemoryClass(size)
	sli := m.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	sliMask := int(uint(1) << secondLevelIndex)
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*sliMask + int(sli+1)
	}

	listSize += 4

	m.freeList = make([]*tlsfRegion, listSize)
}

func (m *TLSFMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("the free size exceeds the total block size")
	}

	calculatedSize := m.nullRegion.size
	calculatedFreeSize := m.nullRegion.size
	var allocCount, freeCount, freeListCount int

	// Check integrity of the free lists
	for listIndex := 0; listIndex < len(m.freeList); listIndex++ {
		region := m.freeList[listIndex]
		if region == nil {
			continue
		}

		if !region.IsFree() {
			return errors.Errorf("region at offset %d is in the free list but is not free", region.offset)
		}

		if region.prevFree != nil {
			return errors.Errorf("region at offset %d is the head of a free list but has a previous region", region.offset)
		}

		freeListCount++
		for region.nextFree != nil {
			if !region.nextFree.IsFree() {
				return errors.Errorf("region at offset %d is in the free list but is not free", region.nextFree.offset)
			}
			if region.nextFree.prevFree != region {
				return errors.Errorf("region at offset %d lists the region at offset %d as its next region, but the reverse reference is broken", region.offset, region.nextFree.offset)
			}

			freeListCount++
			region = region.nextFree
		}
	}

	if m.nullRegion.nextPhysical != nil {
		return errors.New("the null region must be the tail of the physical chain")
	}

	if m.nullRegion.prevPhysical != nil && m.nullRegion.prevPhysical.nextPhysical != m.nullRegion {
		return errors.New("the null region has a physical region before it, but the reverse reference is broken")
	}

	nextOffset := m.nullRegion.offset
	validateCtx := m.isolation.StartValidation()

	for prev := m.nullRegion.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical region at offset %d does not end at the next region's start offset", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.IsFree() {
			freeCount++

			calculatedFreeSize += prev.size
		} else {
			allocCount++

			err := m.isolation.Validate(validateCtx, prev.offset, prev.size)
			if err != nil {
				return err
			}
		}

		if prev.prevPhysical != nil && prev.prevPhysical.nextPhysical != prev {
			return errors.Errorf("region at offset %d has a previous physical region, but the reverse reference is broken", prev.offset)
		}
	}

	if freeListCount != freeCount {
		return errors.Errorf("the physical chain has %d free regions but the free lists hold %d", freeCount, freeListCount)
	}

	err := m.isolation.FinishValidation(validateCtx)
	if err != nil {
		return err
	}

	if nextOffset != 0 {
		return errors.Errorf("the first physical region should have an offset of 0, but has an offset of %d", nextOffset)
	}

	if calculatedSize != m.size {
		return errors.Errorf("the full size of the metadata is %d, but the regions only added up to %d", m.size, calculatedSize)
	}

	if calculatedFreeSize != m.SumFreeSize() {
		return errors.Errorf("the free size of the metadata is %d, but the free regions only added up to %d", m.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken regions only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.regionsFreeCount {
		return errors.Errorf("the free region count of the metadata is %d, but there were only %d free regions", m.regionsFreeCount, freeCount)
	}

	return nil
}

func (m *TLSFMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	if m.nullRegion.size > 0 {
		stats.AddUnusedRange(m.nullRegion.size)
	}

	for region := m.nullRegion.prevPhysical; region != nil; region = region.prevPhysical {
		if region.IsFree() {
			stats.AddUnusedRange(region.size)
		} else {
			stats.AddAllocation(region.size)
		}
	}
}

func (m *TLSFMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.SumFreeSize()
}

func (m *TLSFMetadata) getListIndexFromSize(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	secondIndex := m.sizeToSecondIndex(size, memoryClass)
	return m.getListIndex(memoryClass, secondIndex)
}

func (m *TLSFMetadata) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<secondLevelIndex) + uint32(secondIndex)

	return int(i) + 4
}

func (m *TLSFMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *TLSFMetadata) SumFreeSize() int {
	return m.regionsFreeSize + m.nullRegion.size
}

func (m *TLSFMetadata) IsEmpty() bool {
	return m.nullRegion.offset == 0
}

func (m *TLSFMetadata) sizeToMemoryClass(size int) uint8 {
	if size > smallBufferSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - memoryClassShift
	}

	return 0
}

func (m *TLSFMetadata) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << secondLevelIndex
		indexVal := uint(size) >> (memoryClass + memoryClassShift - secondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	return uint16((size - 1) / 64)
}

func (m *TLSFMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	upperAddress bool,
	allocClass uint32,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if upperAddress {
		return false, allocRequest, errors.New("upper-address allocation requires the linear algorithm")
	}

	memutils.DebugValidate(m)

	// Round up for isolation pages
	allocSize, allocAlignment = m.isolation.RoundUpAllocRequest(allocClass, allocSize, allocAlignment)

	allocSize += memutils.DebugMargin

	// Is the block big enough?
	if allocSize > m.SumFreeSize() {
		return false, allocRequest, nil
	}

	// Any free regions at all?
	if m.regionsFreeCount == 0 {
		success := m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, allocClass, &allocRequest)
		return success, allocRequest, nil
	}

	// The next-larger bucket is guaranteed to fit without walking its list
	sizeForNextList := allocSize

	smallSizeStep := smallBufferSize / 4
	if allocSize > smallBufferSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(allocSize))
		sizeForNextList += int(uint(1) << (mostSignificantBit - int(secondLevelIndex)))
	} else if allocSize > smallBufferSize-smallSizeStep {
		sizeForNextList = smallBufferSize + 1
	} else {
		sizeForNextList += smallSizeStep
	}

	nextListIndex := 0
	prevListIndex := 0
	doFullSearch := false
	var nextListRegion, prevListRegion *tlsfRegion

	// Check regions according to the requested strategy
	if strategy&AllocationStrategyMinTime != 0 {
		// Check the larger bucket first
		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)

		if nextListRegion != nil {
			doFullSearch = true
			foundRegion := m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, allocClass, &allocRequest)
			if foundRegion {
				return foundRegion, allocRequest, nil
			}
		}

		// If not fitted, try the null region
		foundRegion := m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, allocClass, &allocRequest)
		if foundRegion {
			return foundRegion, allocRequest, nil
		}

		// Null region failed, search the larger bucket
		for nextListRegion != nil {
			foundRegion = m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, allocClass, &allocRequest)
			if foundRegion {
				return foundRegion, allocRequest, nil
			}

			nextListRegion = nextListRegion.nextFree
		}

		// Failed again, check the best-fit bucket
		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)

		for prevListRegion != nil {
			foundRegion = m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, allocClass, &allocRequest)
			if foundRegion {
				return foundRegion, allocRequest, nil
			}

			prevListRegion = prevListRegion.nextFree
		}
	} else if strategy&AllocationStrategyMinMemory != 0 {
		// Check the best-fit bucket
		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)

		for prevListRegion != nil {
			foundRegion := m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, allocClass, &allocRequest)
			if foundRegion {
				return foundRegion, allocRequest, nil
			}

			prevListRegion = prevListRegion.nextFree
		}

		// If that failed, try the null region
		foundRegion := m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, allocClass, &allocRequest)
		if foundRegion {
			return foundRegion, allocRequest, nil
		}

		// Check the larger bucket
		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)

		for nextListRegion != nil {
			doFullSearch = true
			foundRegion = m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, allocClass, &allocRequest)
			if foundRegion {
				return foundRegion, allocRequest, nil
			}

			nextListRegion = nextListRegion.nextFree
		}
	} else if strategy&AllocationStrategyMinOffset != 0 {
		// Walk the physical chain from the bottom of the block so the first
		// region that fits is also the one at the lowest offset. This avoids
		// materializing a candidate list just to search it back to front.
		foundRegion := m.minOffsetCheckRegions(allocSize, allocAlignment, allocClass, &allocRequest)
		if foundRegion {
			return foundRegion, allocRequest, nil
		}

		// If that failed, try the null region
		foundRegion = m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, allocClass, &allocRequest)
		if foundRegion {
			return foundRegion, allocRequest, nil
		}

		// Whole range searched, no more memory
		return false, allocRequest, nil
	} else {
		// Check the larger bucket
		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)

		for nextListRegion != nil {
			doFullSearch = true
			foundRegion := m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, allocClass, &allocRequest)
			if foundRegion {
				return foundRegion, allocRequest, nil
			}

			nextListRegion = nextListRegion.nextFree
		}

		// If that failed, try the null region
		foundRegion := m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, allocClass, &allocRequest)
		if foundRegion {
			return foundRegion, allocRequest, nil
		}

		// Check the best-fit bucket
		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)

		for prevListRegion != nil {
			foundRegion = m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, allocClass, &allocRequest)
			if foundRegion {
				return foundRegion, allocRequest, nil
			}

			prevListRegion = prevListRegion.nextFree
		}
	}

	if !doFullSearch {
		return false, allocRequest, nil
	}

	// Worst case, search every remaining bucket
	for nextListIndex++; nextListIndex < len(m.freeList); nextListIndex++ {
		nextListRegion = m.freeList[nextListIndex]
		for nextListRegion != nil {
			foundRegion := m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, allocClass, &allocRequest)
			if foundRegion {
				return foundRegion, allocRequest, nil
			}

			nextListRegion = nextListRegion.nextFree
		}
	}

	// No more memory to check
	return false, allocRequest, nil
}

func (m *TLSFMetadata) minOffsetCheckRegions(
	allocSize int,
	allocAlignment uint,
	allocClass uint32,
	allocRequest *AllocationRequest,
) bool {

	for region := m.tailRegion; region != nil; region = region.nextPhysical {
		if region.IsFree() && region.size >= allocSize && region != m.nullRegion {
			if m.checkRegion(region, m.getListIndexFromSize(region.size), allocSize, allocAlignment, allocClass, allocRequest) {
				return true
			}
		}
	}

	return false
}

func (m *TLSFMetadata) checkRegion(
	region *tlsfRegion,
	listIndex int,
	allocSize int,
	allocAlignment uint,
	allocClass uint32,
	allocRequest *AllocationRequest,
) bool {
	if !region.IsFree() {
		panic(fmt.Sprintf("region at offset %d is already taken", region.offset))
	}

	alignedOffset := memutils.AlignUp(region.offset, allocAlignment)

	if region.size < allocSize+alignedOffset-region.offset {
		return false
	}

	// Check for isolation page conflicts
	var conflict bool
	alignedOffset, conflict = m.isolation.CheckConflictAndAlignUp(alignedOffset, allocSize, region.offset, region.size, allocClass)
	if conflict {
		return false
	}

	// The alloc will work
	allocRequest.Type = AllocationRequestTLSF
	allocRequest.Handle = region.handle
	allocRequest.Size = allocSize - memutils.DebugMargin
	allocRequest.Class = allocClass
	allocRequest.AlgorithmData = uint64(alignedOffset)

	// Move the region to the head of its list, unless it is the null region
	if listIndex != len(m.freeList) && region.prevFree != nil {
		region.prevFree.nextFree = region.nextFree
		if region.nextFree != nil {
			region.nextFree.prevFree = region.prevFree
		}

		region.prevFree = nil
		region.nextFree = m.freeList[listIndex]
		m.freeList[listIndex] = region
		if region.nextFree != nil {
			region.nextFree.prevFree = region
		}
	}

	return true
}

func (m *TLSFMetadata) findFreeRegion(size int) (*tlsfRegion, int) {
	memoryClass := m.sizeToMemoryClass(size)
	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (math.MaxUint32 << m.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher levels for available regions
		freeMap := m.isFreeBitmap & (math.MaxUint32 << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		// Find the lowest free size class
		memoryClass = uint8(bits.TrailingZeros64(uint64(freeMap)))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("the free bitmap is in an invalid state")
		}
	}

	// Find the lowest free second-level bucket
	listIndex := m.getListIndex(memoryClass, uint16(bits.TrailingZeros64(uint64(innerFreeMap))))
	if m.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was marked as having free regions, but no regions were in the free list", listIndex))
	}

	return m.freeList[listIndex], listIndex
}

func (m *TLSFMetadata) RegionJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.writeRegionJson(json, stats.BlockBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)
}

func (m *TLSFMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	for region := m.nullRegion.prevPhysical; region != nil; region = region.prevPhysical {
		if !region.IsFree() {
			if !memutils.ValidateMagicValue(blockData, region.offset+region.size) {
				return errors.New("MEMORY CORRUPTION DETECTED AFTER VALIDATED ALLOCATION!")
			}
		}
	}

	return nil
}

func (m *TLSFMetadata) Alloc(req AllocationRequest, allocClass uint32, userData any) error {
	if req.Type != AllocationRequestTLSF {
		return errors.New("allocation request was received by an incompatible metadata")
	}

	// Get the region and pop it from the free list
	currentRegion, err := m.getRegion(req.Handle)
	offset := int(req.AlgorithmData)

	if err != nil {
		return err
	}
	if currentRegion.offset > offset {
		return errors.New("allocation request had a region handle that was incompatible with the requested offset")
	}

	if currentRegion != m.nullRegion {
		m.removeFreeRegion(currentRegion)
	}

	missingAlignment := offset - currentRegion.offset

	// Append the missing alignment to the previous region or create a new one
	if missingAlignment != 0 {
		prevRegion := currentRegion.prevPhysical

		if prevRegion == nil {
			return errors.New("somehow had missing alignment at offset 0")
		}

		if prevRegion.IsFree() && prevRegion.size != memutils.DebugMargin {
			oldListIndex := m.getListIndexFromSize(prevRegion.size)
			prevRegion.size += missingAlignment

			// If the new size moves the region to another bucket
			if oldListIndex != m.getListIndexFromSize(prevRegion.size) {
				prevRegion.size -= missingAlignment
				m.removeFreeRegion(prevRegion)

				prevRegion.size += missingAlignment
				m.insertFreeRegion(prevRegion)
			} else {
				m.regionsFreeSize += missingAlignment
			}
		} else {
			newRegion := m.allocateRegion()
			currentRegion.prevPhysical = newRegion
			prevRegion.nextPhysical = newRegion
			newRegion.prevPhysical = prevRegion
			newRegion.nextPhysical = currentRegion
			newRegion.size = missingAlignment
			newRegion.offset = currentRegion.offset
			newRegion.MarkTaken()

			m.insertFreeRegion(newRegion)
		}

		currentRegion.size -= missingAlignment
		currentRegion.offset += missingAlignment
	}

	size := req.Size + memutils.DebugMargin
	if currentRegion.size == size {
		if currentRegion == m.nullRegion {
			// Set up a new null region
			m.nullRegion = m.allocateRegion()
			m.nullRegion.size = 0
			m.nullRegion.offset = currentRegion.offset + size
			m.nullRegion.prevPhysical = currentRegion
			m.nullRegion.nextPhysical = nil
			m.nullRegion.MarkFree()
			m.nullRegion.prevFree = nil
			m.nullRegion.nextFree = nil
			currentRegion.nextPhysical = m.nullRegion
			currentRegion.MarkTaken()
		}
	} else if currentRegion.size < size {
		return errors.New("allocation request had a region handle too small for the request")
	} else {
		// Create a new free region from the leftover
		newRegion := m.allocateRegion()
		newRegion.size = currentRegion.size - size
		newRegion.offset = currentRegion.offset + size
		newRegion.prevPhysical = currentRegion
		newRegion.nextPhysical = currentRegion.nextPhysical
		currentRegion.nextPhysical = newRegion
		currentRegion.size = size

		if currentRegion == m.nullRegion {
			m.nullRegion = newRegion
			m.nullRegion.MarkFree()
			m.nullRegion.nextFree = nil
			m.nullRegion.prevFree = nil
			currentRegion.MarkTaken()
		} else {
			newRegion.nextPhysical.prevPhysical = newRegion
			newRegion.MarkTaken()
			m.insertFreeRegion(newRegion)
		}
	}

	currentRegion.userData = userData

	if memutils.DebugMargin > 0 {
		currentRegion.size -= memutils.DebugMargin
		newRegion := m.allocateRegion()
		newRegion.size = memutils.DebugMargin
		newRegion.offset = currentRegion.offset + currentRegion.size
		newRegion.prevPhysical = currentRegion
		newRegion.nextPhysical = currentRegion.nextPhysical
		newRegion.MarkTaken()
		currentRegion.nextPhysical.prevPhysical = newRegion
		currentRegion.nextPhysical = newRegion
		m.insertFreeRegion(newRegion)
	}

	m.isolation.AllocPages(allocClass, currentRegion.offset, currentRegion.size)
	m.allocCount++

	return nil
}

func (m *TLSFMetadata) Free(handle AllocationHandle) error {
	region, err := m.getRegion(handle)
	if err != nil {
		return err
	}
	if region.IsFree() {
		return errors.New("the region is already free")
	}

	next := region.nextPhysical
	m.isolation.FreePages(region.offset, region.size)
	m.allocCount--

	if memutils.DebugMargin > 0 {
		m.removeFreeRegion(next)

		m.mergeRegion(next, region)

		region = next
		next = next.nextPhysical
	}

	// Try merging
	prev := region.prevPhysical
	if prev != nil && prev.IsFree() && prev.size != memutils.DebugMargin {
		m.removeFreeRegion(prev)
		m.mergeRegion(region, prev)
	}

	if !next.IsFree() {
		m.insertFreeRegion(region)
	} else if next == m.nullRegion {
		m.mergeRegion(m.nullRegion, region)
	} else {
		m.removeFreeRegion(next)
		m.mergeRegion(next, region)

		m.insertFreeRegion(next)
	}

	return nil
}

func (m *TLSFMetadata) removeFreeRegion(region *tlsfRegion) {
	if region == m.nullRegion {
		panic("cannot remove the null region")
	}
	if !region.IsFree() {
		panic("the provided region is not free")
	}

	// Unlink from the free list chain
	if region.nextFree != nil {
		region.nextFree.prevFree = region.prevFree
	}
	if region.prevFree != nil {
		region.prevFree.nextFree = region.nextFree
	} else {
		memClass := m.sizeToMemoryClass(region.size)
		secondIndex := m.sizeToSecondIndex(region.size, memClass)
		index := m.getListIndex(memClass, secondIndex)

		if m.freeList[index] != region {
			panic("the region was not in the free list at the expected location")
		}
		m.freeList[index] = region.nextFree
		if region.nextFree == nil {
			m.innerIsFreeBitmap[memClass] &= ^(1 << secondIndex)
			if m.innerIsFreeBitmap[memClass] == 0 {
				m.isFreeBitmap &= ^(1 << memClass)
			}
		}
	}

	// Set up the region for use
	region.MarkTaken()
	region.userData = nil
	m.regionsFreeCount--
	m.regionsFreeSize -= region.size
}

func (m *TLSFMetadata) insertFreeRegion(region *tlsfRegion) {
	if region == m.nullRegion {
		panic("cannot insert the null region")
	}

	if region.IsFree() {
		panic("the region is already free")
	}

	memClass := m.sizeToMemoryClass(region.size)
	secondIndex := m.sizeToSecondIndex(region.size, memClass)
	index := m.getListIndex(memClass, secondIndex)

	if index >= len(m.freeList) {
		panic("invalid free list index found for region")
	}

	region.prevFree = nil
	region.nextFree = m.freeList[index]
	m.freeList[index] = region
	if region.nextFree != nil {
		region.nextFree.prevFree = region
	} else {
		m.innerIsFreeBitmap[memClass] |= 1 << secondIndex
		m.isFreeBitmap |= 1 << memClass
	}
	m.regionsFreeCount++
	m.regionsFreeSize += region.size
}

func (m *TLSFMetadata) mergeRegion(region *tlsfRegion, prev *tlsfRegion) {
	if region.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}
	if prev.IsFree() {
		panic("cannot merge a region that belongs to the free list")
	}

	region.offset = prev.offset
	region.size += prev.size
	region.prevPhysical = prev.prevPhysical
	if region.prevPhysical != nil {
		region.prevPhysical.nextPhysical = region
	} else {
		m.tailRegion = region
	}

	m.releaseRegion(prev)
}

func (m *TLSFMetadata) VisitAllRegions(visit func(handle AllocationHandle, offset int, size int, userData any, free bool) error) error {
	for region := m.nullRegion; region != nil; region = region.prevPhysical {
		if region == m.nullRegion && region.size == 0 {
			continue
		}

		err := visit(region.handle, region.offset, region.size, region.userData, region.IsFree())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *TLSFMetadata) Clear() {
	m.allocCount = 0
	m.regionsFreeCount = 0
	m.regionsFreeSize = 0
	m.isFreeBitmap = 0
	m.nullRegion.offset = 0
	m.nullRegion.size = m.size
	region := m.nullRegion.prevPhysical
	m.nullRegion.prevPhysical = nil
	m.tailRegion = m.nullRegion

	for region != nil {
		prev := region.prevPhysical
		m.releaseRegion(region)
		region = prev
	}

	m.freeList = make([]*tlsfRegion, len(m.freeList))
	m.innerIsFreeBitmap = [maxMemoryClasses]uint32{}
	m.isolation.Clear()
}

func (m *TLSFMetadata) AllocationOffset(handle AllocationHandle) (int, error) {
	region, err := m.getRegion(handle)
	if err != nil {
		return 0, err
	}

	return region.offset, nil
}

func (m *TLSFMetadata) AllocationUserData(handle AllocationHandle) (any, error) {
	region, err := m.getRegion(handle)
	if err != nil {
		return nil, err
	}

	if region.IsFree() {
		return nil, errors.New("user data cannot be retrieved for a free region")
	}

	return region.userData, nil
}

func (m *TLSFMetadata) SetAllocationUserData(handle AllocationHandle, userData any) error {
	region, err := m.getRegion(handle)
	if err != nil {
		return err
	}

	if region.IsFree() {
		return errors.New("user data cannot be set for a free region")
	}

	region.userData = userData
	return nil
}
