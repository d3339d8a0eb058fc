package arena

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"

	"github.com/memspan/memspan/memutils"
)

type secondVectorMode uint32

const (
	secondVectorEmpty secondVectorMode = iota
	secondVectorRingBuffer
	secondVectorDoubleStack
)

var secondVectorModeMapping = map[secondVectorMode]string{
	secondVectorEmpty:       "Empty",
	secondVectorRingBuffer:  "RingBuffer",
	secondVectorDoubleStack: "DoubleStack",
}

func (m secondVectorMode) String() string {
	return secondVectorModeMapping[m]
}

// LinearMetadata is a Metadata implementation for transient workloads that
// allocate and free in a predictable order.
//
// It has three modes of operation:
//   - Stack, the default. Allocations are placed at the end of the used
//     range, and frees only reclaim space for new allocations when they come
//     off the end.
//   - Double stack, entered when an allocation is requested with
//     upperAddress=true. A second stack then grows down from the top of the
//     block toward the first.
//   - Ring buffer, entered when the first stack reaches the end of the block
//     without ever becoming a double stack. New allocations wrap around into
//     the space freed at the bottom, and when the first stack drains
//     completely the two stacks swap roles.
type LinearMetadata struct {
	metadataBase

	sumFreeSize      int
	suballocations0  []Suballocation
	suballocations1  []Suballocation
	firstVectorIndex int
	secondVectorMode secondVectorMode

	// Count of freed items lingering at the start of the first vector
	firstNullItemsBeginCount int
	// Count of freed items lingering elsewhere in the first vector
	firstNullItemsMiddleCount int
	// Count of freed items lingering in the second vector
	secondNullItemsCount int
}

var _ Metadata = &LinearMetadata{}

// NewLinearMetadata creates a LinearMetadata for the given isolation page
// size and check. Pass 1 and NoIsolation when allocations have no placement
// constraints. Call Init before use.
func NewLinearMetadata(pageSize int, isolation IsolationCheck) *LinearMetadata {
	return &LinearMetadata{
		metadataBase:     newMetadataBase(pageSize, isolation),
		secondVectorMode: secondVectorEmpty,
		suballocations0:  []Suballocation{},
		suballocations1:  []Suballocation{},
	}
}

func (m *LinearMetadata) SumFreeSize() int {
	return m.sumFreeSize
}

func (m *LinearMetadata) IsEmpty() bool {
	return m.AllocationCount() == 0
}

// AllocationOffset recovers the byte offset for a handle. Linear handles
// encode the offset directly, so this never fails.
func (m *LinearMetadata) AllocationOffset(handle AllocationHandle) (int, error) {
	return int(handle) - 1, nil
}

func (m *LinearMetadata) Init(size int) {
	m.metadataBase.Init(size)
	m.sumFreeSize = size
}

func (m *LinearMetadata) Validate() error {
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()

	if len(secondVector) == 0 && m.secondVectorMode != secondVectorEmpty {
		return errors.Errorf("the second vector mode is %s, but the second vector is empty", m.secondVectorMode)
	} else if len(secondVector) != 0 && m.secondVectorMode == secondVectorEmpty {
		return errors.New("the second vector mode is Empty, but the second vector isn't empty")
	}

	if len(firstVector) != 0 {
		if firstVector[m.firstNullItemsBeginCount].Class == 0 {
			return errors.Errorf("there should only be %d free items at the beginning of the first vector, but there seem to be more", m.firstNullItemsBeginCount)
		}

		if firstVector[len(firstVector)-1].Class == 0 {
			return errors.New("there should not be lingering free items at the end of the first vector")
		}
	}

	if len(secondVector) != 0 {
		if secondVector[len(secondVector)-1].Class == 0 {
			return errors.New("there should not be lingering free items at the end of the second vector")
		}
	}

	if m.firstNullItemsBeginCount+m.firstNullItemsMiddleCount > len(firstVector) {
		return errors.Errorf("metadata indicates that there are %d free items in the first vector, but there are only %d total items", m.firstNullItemsMiddleCount+m.firstNullItemsBeginCount, len(firstVector))
	}

	if m.secondNullItemsCount > len(secondVector) {
		return errors.Errorf("metadata indicates that there are %d free items in the second vector, but there are only %d total items", m.secondNullItemsCount, len(secondVector))
	}

	var sumUsedSize, offset int
	debugMargin := memutils.DebugMargin

	if m.secondVectorMode == secondVectorRingBuffer {
		if len(firstVector) == 0 && len(secondVector) != 0 {
			return errors.New("invalid ring buffer setup")
		}

		var nullItemSecondCount int
		for suballocIndex, suballoc := range secondVector {
			isFree := suballoc.Class == 0

			if suballoc.Offset < offset {
				return errors.Errorf("suballocation at index %d in the second vector has offset %d, which collides with previous suballocations, expected offset %d", suballocIndex, suballoc.Offset, offset)
			}

			if !isFree {
				sumUsedSize += suballoc.Size
			} else {
				nullItemSecondCount++
			}

			offset = suballoc.Offset + suballoc.Size + debugMargin
		}

		if nullItemSecondCount != m.secondNullItemsCount {
			return errors.Errorf("counted %d null items in the second vector, but metadata indicates we should have %d", nullItemSecondCount, m.secondNullItemsCount)
		}
	}

	nullItemsFirstCount := m.firstNullItemsBeginCount
	for suballocIndex := m.firstNullItemsBeginCount; suballocIndex < len(firstVector); suballocIndex++ {
		suballoc := firstVector[suballocIndex]
		isFree := suballoc.Class == 0

		if suballoc.Offset < offset {
			return errors.Errorf("suballocation at index %d in the first vector has offset %d, which collides with previous suballocations, expected offset %d", suballocIndex, suballoc.Offset, offset)
		}

		if !isFree {
			sumUsedSize += suballoc.Size
		} else {
			nullItemsFirstCount++
		}

		offset = suballoc.Offset + suballoc.Size + debugMargin
	}

	if nullItemsFirstCount != m.firstNullItemsBeginCount+m.firstNullItemsMiddleCount {
		return errors.Errorf("counted %d null items in the first vector, but metadata indicates we should have %d", nullItemsFirstCount, m.firstNullItemsMiddleCount+m.firstNullItemsBeginCount)
	}

	if m.secondVectorMode == secondVectorDoubleStack {
		// The upper stack is appended top-down, so walk it in reverse to
		// check ascending offsets above the first vector
		var nullItemSecondCount int
		for suballocIndex := len(secondVector) - 1; suballocIndex >= 0; suballocIndex-- {
			suballoc := secondVector[suballocIndex]
			isFree := suballoc.Class == 0

			if suballoc.Offset < offset {
				return errors.Errorf("suballocation at index %d in the second vector has offset %d, which collides with previous suballocations, expected offset %d", suballocIndex, suballoc.Offset, offset)
			}

			if !isFree {
				sumUsedSize += suballoc.Size
			} else {
				nullItemSecondCount++
			}

			offset = suballoc.Offset + suballoc.Size + debugMargin
		}

		if nullItemSecondCount != m.secondNullItemsCount {
			return errors.Errorf("counted %d null items in the second vector, but metadata indicates we should have %d", nullItemSecondCount, m.secondNullItemsCount)
		}
	}

	if offset > m.Size() {
		return errors.Errorf("calculated a combined maximum memory offset of %d, but the metadata indicates a total size of %d, which is smaller", offset, m.Size())
	}

	if m.sumFreeSize != m.Size()-sumUsedSize {
		return errors.Errorf("the metadata's free size %d and the calculated used size %d don't add up to the metadata-reported size of %d", m.sumFreeSize, sumUsedSize, m.Size())
	}

	return nil
}

func (m *LinearMetadata) AllocationCount() int {
	first := *m.accessSuballocationsFirst()
	second := *m.accessSuballocationsSecond()

	return len(first) - m.firstNullItemsBeginCount - m.firstNullItemsMiddleCount + len(second) - m.secondNullItemsCount
}

func (m *LinearMetadata) VisitAllRegions(visit func(handle AllocationHandle, offset int, size int, userData any, free bool) error) error {
	size := m.Size()
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()
	lastOffset := 0

	if m.secondVectorMode == secondVectorRingBuffer {
		freeSpaceSecondToFirstEnd := firstVector[m.firstNullItemsBeginCount].Offset
		nextAllocSecondIndex := 0

		for lastOffset < freeSpaceSecondToFirstEnd {
			// Find the next taken suballocation or run off the end
			for nextAllocSecondIndex < len(secondVector) && secondVector[nextAllocSecondIndex].Class == 0 {
				nextAllocSecondIndex++
			}

			if nextAllocSecondIndex < len(secondVector) {
				suballoc := secondVector[nextAllocSecondIndex]

				// Free space before the suballocation
				if lastOffset < suballoc.Offset {
					err := visit(NoAllocation, lastOffset, suballoc.Offset-lastOffset, nil, true)
					if err != nil {
						return err
					}
				}

				err := visit(AllocationHandle(suballoc.Offset+1), suballoc.Offset, suballoc.Size, suballoc.UserData, false)
				if err != nil {
					return err
				}

				lastOffset = suballoc.Offset + suballoc.Size
				nextAllocSecondIndex++
			} else {
				// Free space after the final suballocation
				if lastOffset < freeSpaceSecondToFirstEnd {
					err := visit(NoAllocation, lastOffset, freeSpaceSecondToFirstEnd-lastOffset, nil, true)
					if err != nil {
						return err
					}
				}

				lastOffset = freeSpaceSecondToFirstEnd
			}
		}
	}

	nextAllocFirstIndex := m.firstNullItemsBeginCount

	// The first vector's range usually runs to the end of the block
	freeSpaceFirstToSecondEnd := size

	if m.secondVectorMode == secondVectorDoubleStack {
		// With a double stack it runs to the bottom of the upper stack
		freeSpaceFirstToSecondEnd = secondVector[len(secondVector)-1].Offset
	}

	for lastOffset < freeSpaceFirstToSecondEnd {
		// Find the next taken suballocation or run off the end
		for nextAllocFirstIndex < len(firstVector) && firstVector[nextAllocFirstIndex].Class == 0 {
			nextAllocFirstIndex++
		}

		if nextAllocFirstIndex < len(firstVector) {
			suballoc := firstVector[nextAllocFirstIndex]

			// Free space before the suballocation
			if lastOffset < suballoc.Offset {
				err := visit(NoAllocation, lastOffset, suballoc.Offset-lastOffset, nil, true)
				if err != nil {
					return err
				}
			}

			err := visit(AllocationHandle(suballoc.Offset+1), suballoc.Offset, suballoc.Size, suballoc.UserData, false)
			if err != nil {
				return err
			}

			lastOffset = suballoc.Offset + suballoc.Size
			nextAllocFirstIndex++
		} else {
			// Free space after the final suballocation
			err := visit(NoAllocation, lastOffset, freeSpaceFirstToSecondEnd-lastOffset, nil, true)
			if err != nil {
				return err
			}

			lastOffset = freeSpaceFirstToSecondEnd
		}
	}

	if m.secondVectorMode == secondVectorDoubleStack {
		nextAllocSecondIndex := len(secondVector) - 1
		for lastOffset < size {
			// Find the next taken suballocation or run off the end
			for nextAllocSecondIndex >= 0 && secondVector[nextAllocSecondIndex].Class == 0 {
				nextAllocSecondIndex--
			}

			if nextAllocSecondIndex >= 0 {
				suballoc := secondVector[nextAllocSecondIndex]

				// Free space before the suballocation
				if lastOffset < suballoc.Offset {
					err := visit(NoAllocation, lastOffset, suballoc.Offset-lastOffset, nil, true)
					if err != nil {
						return err
					}
				}

				err := visit(AllocationHandle(suballoc.Offset+1), suballoc.Offset, suballoc.Size, suballoc.UserData, false)
				if err != nil {
					return err
				}

				lastOffset = suballoc.Offset + suballoc.Size
				nextAllocSecondIndex--
			} else {
				// Free space after the final suballocation
				err := visit(NoAllocation, lastOffset, size-lastOffset, nil, true)
				if err != nil {
					return err
				}

				lastOffset = size
			}
		}
	}

	return nil
}

func (m *LinearMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Statistics.BlockCount++
	stats.Statistics.BlockBytes += m.Size()

	_ = m.VisitAllRegions(
		func(handle AllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				stats.AddUnusedRange(size)
			} else {
				stats.AddAllocation(size)
			}

			return nil
		})
}

func (m *LinearMetadata) AddStatistics(stats *memutils.Statistics) {
	size := m.Size()
	stats.BlockCount++
	stats.BlockBytes += size
	stats.AllocationBytes += size - m.sumFreeSize

	_ = m.VisitAllRegions(
		func(handle AllocationHandle, offset int, size int, userData any, free bool) error {
			if !free {
				stats.AllocationCount++
			}

			return nil
		})
}

func (m *LinearMetadata) RegionJsonData(json jwriter.ObjectState) {
	size := m.Size()
	var unusedRangeCount, usedBytes, allocCount int

	_ = m.VisitAllRegions(
		func(handle AllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				unusedRangeCount++
			} else {
				usedBytes += size
				allocCount++
			}

			return nil
		})

	unusedBytes := size - usedBytes
	m.writeRegionJson(json, unusedBytes, allocCount, unusedRangeCount)
}

func (m *LinearMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	upperAddress bool,
	allocClass uint32,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.New("allocation size must be greater than 0")
	}
	if allocClass == 0 {
		return false, AllocationRequest{}, errors.New("allocation class 0 is reserved for free regions")
	}
	memutils.DebugValidate(m)

	allocRequest := AllocationRequest{
		Size:  allocSize,
		Class: allocClass,
	}
	if upperAddress {
		success, err := m.populateAllocationRequestUpper(allocSize, allocAlignment, allocClass, &allocRequest)
		return success, allocRequest, err
	}

	success := m.populateAllocationRequestLower(allocSize, allocAlignment, allocClass, &allocRequest)
	return success, allocRequest, nil
}

func (m *LinearMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	firstVector := *m.accessSuballocationsFirst()

	for i := m.firstNullItemsBeginCount; i < len(firstVector); i++ {
		suballoc := firstVector[i]
		if suballoc.Class != 0 && !memutils.ValidateMagicValue(blockData, suballoc.Offset+suballoc.Size) {
			return errors.New("MEMORY CORRUPTION DETECTED AFTER VALIDATED ALLOCATION!")
		}
	}

	secondVector := *m.accessSuballocationsSecond()
	for i := 0; i < len(secondVector); i++ {
		suballoc := secondVector[i]
		if suballoc.Class != 0 && !memutils.ValidateMagicValue(blockData, suballoc.Offset+suballoc.Size) {
			return errors.New("MEMORY CORRUPTION DETECTED AFTER VALIDATED ALLOCATION!")
		}
	}

	return nil
}

func (m *LinearMetadata) Alloc(req AllocationRequest, allocClass uint32, userData any) error {
	offset := int(req.Handle) - 1
	newSuballoc := Suballocation{
		Offset:   offset,
		Size:     req.Size,
		UserData: userData,
		Class:    allocClass,
	}

	switch req.Type {
	case AllocationRequestUpperAddress:
		if m.secondVectorMode == secondVectorRingBuffer {
			return errors.New("critical error: attempted to use the metadata as a double stack while it was already being used as a ring buffer")
		}
		secondVector := m.accessSuballocationsSecond()
		*secondVector = append(*secondVector, newSuballoc)
		m.secondVectorMode = secondVectorDoubleStack
	case AllocationRequestEndOf1st:
		firstVector := m.accessSuballocationsFirst()

		if len(*firstVector) > 0 {
			lastItem := (*firstVector)[len(*firstVector)-1]
			if offset < lastItem.Offset+lastItem.Size {
				return errors.New("attempted to allocate memory in the middle of active memory")
			}
		}

		if offset+req.Size > m.size {
			return errors.New("attempted to allocate memory past the end of the block")
		}

		*firstVector = append(*firstVector, newSuballoc)
	case AllocationRequestEndOf2nd:
		firstVector := *m.accessSuballocationsFirst()
		// A new allocation wrapping around in the ring buffer must land
		// before the first live allocation of the first vector
		if len(firstVector) == 0 {
			return errors.New("attempted to allocate into the second vector, but the first vector has no allocations")
		}
		if offset+req.Size > firstVector[m.firstNullItemsBeginCount].Offset {
			return errors.New("attempted to allocate into the second part of a ring buffer, but the allocation extended into the first part")
		}
		secondVector := m.accessSuballocationsSecond()
		switch m.secondVectorMode {
		case secondVectorEmpty:
			if len(*secondVector) > 0 {
				return errors.New("the second vector was marked as empty, but was not empty")
			}

			m.secondVectorMode = secondVectorRingBuffer
		case secondVectorRingBuffer:
			if len(*secondVector) == 0 {
				return errors.New("the second vector was marked as a ring buffer, but was empty")
			}
		case secondVectorDoubleStack:
			return errors.New("attempted to allocate as a ring buffer while the second vector was being used as a stack")
		}

		*secondVector = append(*secondVector, newSuballoc)
	default:
		return errors.Errorf("attempted to commit a request of type %s, but that type isn't supported by the linear metadata", req.Type)
	}

	m.sumFreeSize -= newSuballoc.Size
	return nil
}

func (m *LinearMetadata) Free(handle AllocationHandle) error {
	firstVectorPtr := m.accessSuballocationsFirst()
	firstVector := *firstVectorPtr
	secondVectorPtr := m.accessSuballocationsSecond()
	secondVector := *secondVectorPtr

	offset := int(handle) - 1

	if len(firstVector) > 0 {
		// Freeing the oldest live allocation, mark it empty at the beginning
		firstSuballoc := &(firstVector[m.firstNullItemsBeginCount])
		if firstSuballoc.Offset == offset {
			firstSuballoc.Class = 0
			firstSuballoc.UserData = nil
			m.sumFreeSize += firstSuballoc.Size
			m.firstNullItemsBeginCount++
			m.cleanupAfterFree()
			return nil
		}
	}

	// Newest allocation in a ring buffer or top of the upper stack, pop it off the end
	if m.secondVectorMode == secondVectorRingBuffer || m.secondVectorMode == secondVectorDoubleStack {
		lastSuballoc := secondVector[len(secondVector)-1]
		if lastSuballoc.Offset == offset {
			m.sumFreeSize += lastSuballoc.Size
			*secondVectorPtr = secondVector[0 : len(secondVector)-1]
			m.cleanupAfterFree()
			return nil
		}
	} else if m.secondVectorMode == secondVectorEmpty && len(firstVector) > 0 {
		// Newest allocation in the first vector
		lastSuballoc := firstVector[len(firstVector)-1]
		if lastSuballoc.Offset == offset {
			m.sumFreeSize += lastSuballoc.Size
			*firstVectorPtr = firstVector[0 : len(firstVector)-1]
			m.cleanupAfterFree()
			return nil
		}
	}

	// An item from the middle of the first vector
	virtualLen := len(firstVector) - m.firstNullItemsBeginCount
	virtualOut, found := sort.Find(virtualLen, func(virtualIndex int) int {
		index := virtualIndex + m.firstNullItemsBeginCount
		foundOffset := firstVector[index].Offset
		return offset - foundOffset
	})
	if found {
		out := virtualOut + m.firstNullItemsBeginCount
		suballoc := &(firstVector[out])
		suballoc.Class = 0
		suballoc.UserData = nil
		m.firstNullItemsMiddleCount++
		m.sumFreeSize += suballoc.Size
		m.cleanupAfterFree()
		return nil
	}

	if m.secondVectorMode != secondVectorEmpty {
		// An item from the middle of the second vector
		out, found := m.findInSecondVector(offset)
		if found {
			suballoc := &(secondVector[out])
			suballoc.Class = 0
			suballoc.UserData = nil
			m.secondNullItemsCount++
			m.sumFreeSize += suballoc.Size
			m.cleanupAfterFree()
			return nil
		}
	}

	return errors.New("allocation to free was not found in this metadata")
}

func (m *LinearMetadata) AllocationUserData(handle AllocationHandle) (any, error) {
	suballoc, err := m.findSuballocation(int(handle) - 1)
	if err != nil {
		return nil, err
	}
	return suballoc.UserData, nil
}

func (m *LinearMetadata) Clear() {
	m.sumFreeSize = m.size
	m.suballocations0 = m.suballocations0[:0]
	m.suballocations1 = m.suballocations1[:0]
	m.secondVectorMode = secondVectorEmpty
	m.firstNullItemsMiddleCount = 0
	m.firstNullItemsBeginCount = 0
	m.secondNullItemsCount = 0
}

func (m *LinearMetadata) SetAllocationUserData(handle AllocationHandle, userData any) error {
	suballoc, err := m.findSuballocation(int(handle) - 1)
	if err != nil {
		return err
	}
	suballoc.UserData = userData
	return nil
}

func (m *LinearMetadata) findSuballocation(offset int) (*Suballocation, error) {
	// Check the first vector
	firstVector := *m.accessSuballocationsFirst()
	virtualLen := len(firstVector) - m.firstNullItemsBeginCount
	virtualOut, found := sort.Find(virtualLen, func(virtualIndex int) int {
		index := virtualIndex + m.firstNullItemsBeginCount
		return offset - firstVector[index].Offset
	})
	if found {
		return &(firstVector[virtualOut+m.firstNullItemsBeginCount]), nil
	}

	if m.secondVectorMode != secondVectorEmpty {
		secondVector := *m.accessSuballocationsSecond()
		out, found := m.findInSecondVector(offset)
		if found {
			return &(secondVector[out]), nil
		}
	}

	return nil, errors.New("allocation not found in this metadata")
}

// findInSecondVector locates the suballocation at exactly the given offset.
// The second vector is ordered by ascending offset as a ring buffer and by
// descending offset as the upper stack, so the comparison flips with the mode.
func (m *LinearMetadata) findInSecondVector(offset int) (int, bool) {
	secondVector := *m.accessSuballocationsSecond()
	if m.secondVectorMode == secondVectorDoubleStack {
		return sort.Find(len(secondVector), func(index int) int {
			return secondVector[index].Offset - offset
		})
	}

	return sort.Find(len(secondVector), func(index int) int {
		return offset - secondVector[index].Offset
	})
}

func (m *LinearMetadata) shouldCompactFirstVector() bool {
	nullItemCount := m.firstNullItemsBeginCount + m.firstNullItemsMiddleCount
	firstVector := *m.accessSuballocationsFirst()

	return len(firstVector) > 32 && nullItemCount*2 >= (len(firstVector)-nullItemCount)*3
}

func (m *LinearMetadata) cleanupAfterFree() {
	firstVectorPtr := m.accessSuballocationsFirst()
	firstVector := *firstVectorPtr
	secondVectorPtr := m.accessSuballocationsSecond()
	secondVector := *secondVectorPtr

	if m.IsEmpty() {
		m.suballocations0 = m.suballocations0[:0]
		m.suballocations1 = m.suballocations1[:0]
		m.firstNullItemsBeginCount = 0
		m.firstNullItemsMiddleCount = 0
		m.secondNullItemsCount = 0
		m.secondVectorMode = secondVectorEmpty
		return
	}

	nullItemsCount := m.firstNullItemsBeginCount + m.firstNullItemsMiddleCount
	if nullItemsCount > len(firstVector) {
		panic(fmt.Sprintf("the metadata expects %d free items in the first vector, but only %d total items exist", nullItemsCount, len(firstVector)))
	}

	// Sweep up null items at the beginning of the first vector
	for m.firstNullItemsBeginCount < len(firstVector) && firstVector[m.firstNullItemsBeginCount].Class == 0 {
		m.firstNullItemsBeginCount++
		m.firstNullItemsMiddleCount--
	}

	// Sweep up null items at the end of the first vector
	for m.firstNullItemsMiddleCount > 0 && firstVector[len(firstVector)-1].Class == 0 {
		m.firstNullItemsMiddleCount--
		firstVector = firstVector[:len(firstVector)-1]
		*firstVectorPtr = firstVector
	}

	// Sweep up null items at the end of the second vector
	for m.secondNullItemsCount > 0 && secondVector[len(secondVector)-1].Class == 0 {
		m.secondNullItemsCount--
		secondVector = secondVector[:len(secondVector)-1]
		*secondVectorPtr = secondVector
	}

	// Sweep up null items at the beginning of the second vector
	removeFromBeginning := 0
	for m.secondNullItemsCount > 0 && secondVector[0].Class == 0 {
		m.secondNullItemsCount--
		removeFromBeginning++
	}

	if removeFromBeginning > 0 {
		secondVector = secondVector[removeFromBeginning:]
		*secondVectorPtr = secondVector
	}

	if m.shouldCompactFirstVector() {
		nonNullItemCount := len(firstVector) - nullItemsCount
		srcIndex := m.firstNullItemsBeginCount
		for dstIndex := 0; dstIndex < nonNullItemCount; dstIndex++ {
			for firstVector[srcIndex].Class == 0 {
				srcIndex++
			}

			if dstIndex != srcIndex {
				firstVector[dstIndex] = firstVector[srcIndex]
			}
			srcIndex++
		}

		firstVector = firstVector[:nonNullItemCount]
		*firstVectorPtr = firstVector
		m.firstNullItemsBeginCount = 0
		m.firstNullItemsMiddleCount = 0
	}

	if len(secondVector) == 0 {
		m.secondVectorMode = secondVectorEmpty
	}

	// The first vector drained completely
	if len(firstVector)-m.firstNullItemsBeginCount == 0 {
		*firstVectorPtr = []Suballocation{}
		m.firstNullItemsBeginCount = 0

		if len(secondVector) > 0 && m.secondVectorMode == secondVectorRingBuffer {
			// The ring wrapped all the way around, swap the vectors
			m.secondVectorMode = secondVectorEmpty
			m.firstNullItemsMiddleCount = m.secondNullItemsCount
			m.secondNullItemsCount = 0

			for m.firstNullItemsBeginCount < len(secondVector) && secondVector[m.firstNullItemsBeginCount].Class == 0 {
				m.firstNullItemsBeginCount++
				m.firstNullItemsMiddleCount--
			}
			m.firstVectorIndex ^= 1
		}
	}
}

// regionsOnSamePage reports whether the end of the first region and the start
// of the second land on the same isolation page.
func regionsOnSamePage(firstOffset, firstSize, secondOffset, pageSize int) bool {
	if firstOffset+firstSize > secondOffset {
		panic(fmt.Sprintf("the first region must be before the second region in memory, but the first region ends at offset %d and the second region is at offset %d", firstOffset+firstSize, secondOffset))
	}
	if firstSize < 1 {
		panic(fmt.Sprintf("the first region must have a positive size, but has a size of %d", firstSize))
	}
	if pageSize < 1 {
		panic(fmt.Sprintf("the page size must be positive, but is %d", pageSize))
	}

	firstEnd := firstOffset + firstSize - 1
	firstEndPage := firstEnd & ^(pageSize - 1)
	secondStartPage := secondOffset & ^(pageSize - 1)

	return firstEndPage == secondStartPage
}

func (m *LinearMetadata) populateAllocationRequestLower(
	allocSize int, allocAlignment uint,
	allocClass uint32,
	allocRequest *AllocationRequest,
) bool {
	debugMargin := memutils.DebugMargin
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()

	if m.secondVectorMode == secondVectorEmpty || m.secondVectorMode == secondVectorDoubleStack {
		// Try to allocate at the end of the first vector
		var resultBaseOffset int
		if len(firstVector) > 0 {
			lastSuballoc := firstVector[len(firstVector)-1]
			resultBaseOffset = lastSuballoc.Offset + lastSuballoc.Size + debugMargin
		}

		resultOffset := memutils.AlignUp(resultBaseOffset, allocAlignment)

		// Check the preceding suballocations for page conflicts and align up if needed
		if m.pageSize > 1 && m.pageSize != int(allocAlignment) && len(firstVector) > 0 {
			var pageConflict bool

			for prevSuballocIndex := len(firstVector) - 1; prevSuballocIndex >= 0; prevSuballocIndex-- {
				prevSuballoc := firstVector[prevSuballocIndex]
				samePage := regionsOnSamePage(prevSuballoc.Offset, prevSuballoc.Size, resultOffset, m.pageSize)

				if !samePage {
					// Past the bounds of the result offset's page
					break
				}

				if m.isolation.Conflict(prevSuballoc.Class, allocClass) {
					pageConflict = true
					break
				}
			}

			if pageConflict {
				resultOffset = memutils.AlignUp(resultOffset, uint(m.pageSize))
			}
		}

		freeSpaceEnd := m.size

		if m.secondVectorMode == secondVectorDoubleStack && len(secondVector) > 0 {
			// The first vector only runs to the bottom of the upper stack
			freeSpaceEnd = secondVector[len(secondVector)-1].Offset
		}

		if resultOffset+allocSize+debugMargin <= freeSpaceEnd {
			// There is enough free space to allocate right here
			if (allocSize%m.pageSize > 0 || resultOffset%m.pageSize > 0) && m.secondVectorMode == secondVectorDoubleStack {
				// In a double stack, check the upper stack for page conflicts
				// with the intended spot
				for nextSuballocIndex := len(secondVector) - 1; nextSuballocIndex >= 0; nextSuballocIndex-- {
					nextSuballoc := secondVector[nextSuballocIndex]
					samePage := regionsOnSamePage(resultOffset, allocSize, nextSuballoc.Offset, m.pageSize)

					if !samePage {
						// Past the bounds of the result offset's page
						break
					}

					if m.isolation.Conflict(allocClass, nextSuballoc.Class) {
						// Already as far back as possible, so there is no room
						return false
					}
				}
			}

			// Good to allocate in the first vector
			allocRequest.Handle = AllocationHandle(resultOffset + 1)
			allocRequest.Type = AllocationRequestEndOf1st
			return true
		}
	}

	// In a ring buffer (or when the first vector is out of space), attempt to
	// allocate at the end of the second vector
	if m.secondVectorMode == secondVectorEmpty || m.secondVectorMode == secondVectorRingBuffer {
		if len(firstVector) == 0 {
			// Wrapping around requires live allocations to wrap behind
			return false
		}

		var resultBaseOffset int
		if len(secondVector) > 0 {
			lastSuballoc := secondVector[len(secondVector)-1]
			resultBaseOffset = lastSuballoc.Offset + lastSuballoc.Size + debugMargin
		}

		resultOffset := memutils.AlignUp(resultBaseOffset, allocAlignment)

		// Check the preceding suballocations for page conflicts
		if m.pageSize > 1 && m.pageSize != int(allocAlignment) && len(secondVector) > 0 {
			var pageConflict bool
			for prevSuballocIndex := len(secondVector) - 1; prevSuballocIndex >= 0; prevSuballocIndex-- {
				prevSuballoc := secondVector[prevSuballocIndex]
				samePage := regionsOnSamePage(prevSuballoc.Offset, prevSuballoc.Size, resultOffset, m.pageSize)

				if samePage {
					if m.isolation.Conflict(prevSuballoc.Class, allocClass) {
						pageConflict = true
						break
					}
				} else {
					// Past the bounds of the result offset's page
					break
				}
			}

			if pageConflict {
				resultOffset = memutils.AlignUp(resultOffset, uint(m.pageSize))
			}
		}

		// See if there is enough space before the first vector's live allocations
		firstVectorIndex := m.firstNullItemsBeginCount
		if (firstVectorIndex == len(firstVector) && resultOffset+allocSize+debugMargin <= m.size) ||
			(firstVectorIndex < len(firstVector) && resultOffset+allocSize+debugMargin <= firstVector[firstVectorIndex].Offset) {

			// Check the following suballocations for page conflicts
			for nextSuballocIndex := firstVectorIndex; nextSuballocIndex < len(firstVector); nextSuballocIndex++ {
				nextSuballoc := firstVector[nextSuballocIndex]
				samePage := regionsOnSamePage(resultOffset, allocSize, nextSuballoc.Offset, m.pageSize)

				if samePage {
					if m.isolation.Conflict(allocClass, nextSuballoc.Class) {
						// Already as far back as possible with a page conflict
						// against the next suballocation
						return false
					}
				} else {
					// Past the bounds of the result offset's page
					break
				}
			}

			// Good to allocate in the second vector
			allocRequest.Handle = AllocationHandle(resultOffset + 1)
			allocRequest.Type = AllocationRequestEndOf2nd
			return true
		}
	}

	// No good place to allocate
	return false
}

func (m *LinearMetadata) populateAllocationRequestUpper(
	allocSize int, allocAlignment uint,
	allocClass uint32,
	allocRequest *AllocationRequest,
) (bool, error) {
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()

	if m.secondVectorMode == secondVectorRingBuffer {
		return false, errors.New("ring buffers cannot allocate with upperAddress, that is reserved for double stacks")
	}

	if allocSize > m.size {
		// Too big
		return false, nil
	}

	baseOffset := m.size - allocSize
	// Existing items in the upper stack push the base offset down
	if len(secondVector) > 0 {
		lastAlloc := secondVector[len(secondVector)-1]
		baseOffset = lastAlloc.Offset - allocSize
		if allocSize > lastAlloc.Offset {
			// No room left at the upper end
			return false, nil
		}
	}

	resultOffset := baseOffset
	debugMargin := memutils.DebugMargin

	// The margin sits at the end of the allocation, which pushes the
	// allocation itself down
	if debugMargin > 0 {
		if resultOffset < debugMargin {
			return false, nil
		}
		resultOffset -= debugMargin
	}

	resultOffset = memutils.AlignUp(resultOffset, allocAlignment)

	// Check the lower entries of the upper stack for page conflicts and push
	// further down if needed
	if m.pageSize > 1 && m.pageSize != int(allocAlignment) && len(secondVector) > 0 {
		var pageConflict bool
		for nextSuballocIndex := len(secondVector) - 1; nextSuballocIndex >= 0; nextSuballocIndex-- {
			nextSuballoc := secondVector[nextSuballocIndex]
			samePage := regionsOnSamePage(resultOffset, allocSize, nextSuballoc.Offset, m.pageSize)

			if !samePage {
				// Past the bounds of the result offset's page
				break
			}

			if m.isolation.Conflict(nextSuballoc.Class, allocClass) {
				pageConflict = true
				break
			}
		}

		if pageConflict {
			// Aligning the offset down is not enough, the last byte of the
			// allocation has to move to the previous page
			endOffset := resultOffset + allocSize - 1
			alignedEndOffset := memutils.AlignDown(endOffset, uint(m.pageSize))
			alignedDiff := endOffset - alignedEndOffset
			resultOffset = memutils.AlignDown(resultOffset-alignedDiff, uint(m.pageSize))
		}
	}

	// The offset and size work for the upper stack, now make sure it does not
	// collide with the first vector
	firstVectorEndOffset := 0
	if len(firstVector) > 0 {
		lastSuballoc := firstVector[len(firstVector)-1]
		firstVectorEndOffset = lastSuballoc.Offset + lastSuballoc.Size
	}

	if firstVectorEndOffset+debugMargin > resultOffset {
		// The result offset backed into the end of the first vector
		return false, nil
	}

	if m.pageSize > 1 {
		// Check the first vector for page conflicts
		for prevSuballocIndex := len(firstVector) - 1; prevSuballocIndex >= 0; prevSuballocIndex-- {
			prevSuballoc := firstVector[prevSuballocIndex]
			samePage := regionsOnSamePage(prevSuballoc.Offset, prevSuballoc.Size, resultOffset, m.pageSize)

			if !samePage {
				// Past the bounds of the result offset's page
				break
			}

			if m.isolation.Conflict(allocClass, prevSuballoc.Class) {
				// Conflict with the end of the first vector, and no room to
				// move further up
				return false, nil
			}
		}
	}

	allocRequest.Handle = AllocationHandle(resultOffset + 1)
	allocRequest.Type = AllocationRequestUpperAddress
	return true, nil
}

func (m *LinearMetadata) accessSuballocationsFirst() *[]Suballocation {
	if m.firstVectorIndex != 0 {
		return &m.suballocations1
	}

	return &m.suballocations0
}

func (m *LinearMetadata) accessSuballocationsSecond() *[]Suballocation {
	if m.firstVectorIndex != 0 {
		return &m.suballocations0
	}

	return &m.suballocations1
}
