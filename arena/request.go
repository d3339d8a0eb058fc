package arena

// AllocationRequestType identifies which placement scheme produced an
// AllocationRequest. It is returned in AllocationRequest from
// Metadata.CreateAllocationRequest.
type AllocationRequestType uint32

const (
	// AllocationRequestTLSF indicates that the request was produced by TLSFMetadata
	AllocationRequestTLSF AllocationRequestType = iota
	// AllocationRequestUpperAddress indicates that the request was produced by
	// LinearMetadata for the upper side of a double stack
	AllocationRequestUpperAddress
	// AllocationRequestEndOf1st indicates that the request was produced by
	// LinearMetadata for the end of the first suballocation vector
	AllocationRequestEndOf1st
	// AllocationRequestEndOf2nd indicates that the request was produced by
	// LinearMetadata for the end of the second suballocation vector
	AllocationRequestEndOf2nd
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestTLSF:         "TLSF",
	AllocationRequestUpperAddress: "UpperAddress",
	AllocationRequestEndOf1st:     "EndOf1st",
	AllocationRequestEndOf2nd:     "EndOf2nd",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is returned from Metadata.CreateAllocationRequest and
// indicates where and how the metadata intends to place a new suballocation.
// Commit it with Metadata.Alloc, or discard it to abandon the placement.
type AllocationRequest struct {
	// Handle identifies the free region the metadata chose for the allocation
	Handle AllocationHandle
	// Size is the total size of the allocation, possibly larger than what was
	// originally requested
	Size int
	// Type identifies the placement scheme that produced this request
	Type AllocationRequestType

	// Class is the allocation class passed into CreateAllocationRequest
	Class uint32
	// AlgorithmData is arbitrary data used internally by the Metadata implementation
	AlgorithmData uint64
}
