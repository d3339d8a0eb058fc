package arena

import "math"

// AllocationHandle is a numeric handle identifying a single live suballocation
// within a Metadata implementation. Handles are only meaningful to the
// Metadata that issued them.
type AllocationHandle uint64

const (
	// NoAllocation is returned from methods that retrieve AllocationHandle values
	// when no suballocation exists to return.
	NoAllocation AllocationHandle = math.MaxUint64
)

// Suballocation describes one region of memory carved out of an arena's
// backing block.
type Suballocation struct {
	// Offset is the byte offset of the region within the backing block.
	Offset int
	// Size is the length of the region in bytes.
	Size int
	// UserData is an arbitrary value attached by the consumer at allocation time.
	UserData any
	// Class is the consumer-assigned allocation class. Class 0 is reserved
	// for free regions.
	Class uint32
}
