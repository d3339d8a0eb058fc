//go:build !debug_init_allocs

package memspan

const (
	// InitializeAllocs causes all new allocations to be filled with deterministic data.
	// If you are concerned that nondeterministic initialization of memory is causing a bug,
	// you can activate this with the debug_init_allocs build tag.
	InitializeAllocs bool = false
)
