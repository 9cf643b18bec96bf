// Package helpers provides small shared utilities for the scan engine:
// weighted shuffling, in-flight task counting, and system memory
// introspection.
package helpers

import (
	"fmt"
	"math/rand/v2"

	"github.com/pbnjay/memory"
)

// WeightedShuffle returns a random permutation of items where each item is
// drawn without replacement with probability proportional to its weight.
// Items with non-positive weights are placed last in random order.
func WeightedShuffle[T any](items []T, weights []float64) []T {
	if len(items) != len(weights) {
		panic(fmt.Sprintf("weighted shuffle: %d items but %d weights", len(items), len(weights)))
	}

	idx := make([]int, len(items))
	w := make([]float64, len(weights))
	total := 0.0
	for i := range items {
		idx[i] = i
		if weights[i] > 0 {
			w[i] = weights[i]
			total += weights[i]
		}
	}

	out := make([]T, 0, len(items))
	for len(idx) > 0 {
		var pick int
		if total <= 0 {
			pick = rand.IntN(len(idx))
		} else {
			r := rand.Float64() * total
			for pick = 0; pick < len(idx)-1; pick++ {
				r -= w[idx[pick]]
				if r < 0 {
					break
				}
			}
		}
		chosen := idx[pick]
		out = append(out, items[chosen])
		total -= w[chosen]
		idx[pick] = idx[len(idx)-1]
		idx = idx[:len(idx)-1]
	}
	return out
}

// MemStatus is a snapshot of system memory usage.
type MemStatus struct {
	// Percent is the fraction of physical memory in use, 0-100.
	Percent float64
	// Available is free physical memory in bytes.
	Available uint64
	// Total is total physical memory in bytes.
	Total uint64
}

// MemoryStatus returns current system memory usage.
func MemoryStatus() MemStatus {
	total := memory.TotalMemory()
	free := memory.FreeMemory()
	st := MemStatus{Available: free, Total: total}
	if total > 0 {
		st.Percent = 100 * float64(total-free) / float64(total)
	}
	return st
}

// BytesToHuman renders a byte count with a binary unit suffix.
func BytesToHuman(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for u := n / unit; u >= unit; u /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}
