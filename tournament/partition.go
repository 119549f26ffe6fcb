package tournament

import "math"

// Partition returns the idx-th of parts contiguous slices of items, idx
// counting from 1. Boundaries round half to even, so slices differ in size
// by at most one. idx < 1 or parts <= 1 returns every item.
func Partition[T any](items []T, idx, parts int) []T {
	if idx < 1 || parts <= 1 {
		return items
	}
	if idx > parts {
		return nil
	}
	per := float64(len(items)) / float64(parts)
	start := int(math.RoundToEven(per * float64(idx-1)))
	end := int(math.RoundToEven(per * float64(idx)))
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// EnvPort is the simulator port of environment i of worker idx. Workers
// interleave so that no two share a port.
func EnvPort(base, idx, i, parts int) int {
	if parts < 1 {
		parts = 1
	}
	return base + idx + i*parts
}
