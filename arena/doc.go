// Package arena sub-allocates a single large block of manually managed memory.
//
// An Arena obtains one backing block from a memspan.Allocator up front and
// then serves allocations by handing out disjoint regions of it, chosen by a
// pluggable placement algorithm. The default algorithm is a TLSF allocator
// that serves arbitrary allocate/free order in constant time. The
// ArenaCreateLinearAlgorithm flag switches to a linear allocator for
// transient workloads with stack-like or ring-buffer-like lifetimes.
//
// Arena implements memspan.Allocator, so an arena can be passed to
// memspan.AllocIn and friends, or act as the backing allocator of another
// arena.
package arena
