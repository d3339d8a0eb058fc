package arena

import "github.com/memspan/memspan/memutils"

type ArenaCreateFlags int32

var arenaCreateFlagsMapping = memutils.NewFlagStringMapping[ArenaCreateFlags]()

func (f ArenaCreateFlags) Register(str string) {
	arenaCreateFlagsMapping.Register(f, str)
}
func (f ArenaCreateFlags) String() string {
	return arenaCreateFlagsMapping.FlagsToString(f)
}

const (
	// ArenaCreateLinearAlgorithm enables the alternative, linear allocation algorithm in this
	// arena. The algorithm always creates new allocations after the last one and doesn't reuse
	// space from allocations freed in between. It trades memory consumption for a simplified
	// algorithm and data structure, which has better performance and uses less memory for
	// metadata. This flag can be used to achieve the behavior of free-at-once, stack,
	// ring buffer, and double stack.
	ArenaCreateLinearAlgorithm ArenaCreateFlags = 1 << iota
	// ArenaCreateExternallySynchronized ensures that this arena will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time
	// or is synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	ArenaCreateExternallySynchronized

	ArenaCreateAlgorithmMask = ArenaCreateLinearAlgorithm
)

func init() {
	ArenaCreateLinearAlgorithm.Register("ArenaCreateLinearAlgorithm")
	ArenaCreateExternallySynchronized.Register("ArenaCreateExternallySynchronized")
}
