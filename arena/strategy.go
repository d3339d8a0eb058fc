package arena

// AllocationStrategy exposes several options for choosing the location of a
// new suballocation. If none is chosen, a balanced strategy is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory chooses the smallest suitable free range to
	// minimize memory usage and fragmentation, possibly at the expense of
	// allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime chooses the first suitable free range, not
	// necessarily the one at the smallest offset, to minimize allocation time
	// at the possible expense of packing quality
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset chooses the lowest offset in available
	// space. This is not the most efficient strategy, but achieves highly
	// packed data.
	AllocationStrategyMinOffset
)
