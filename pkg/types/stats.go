package types

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Statistics aggregates allocator counters across every magazine plus the
// large allocator.
//
//   - BlocksInUse counts live allocations.
//   - BytesInUse sums their usable sizes.
//   - MaxBytesInUse is the memory ever touched: mapped bytes minus never
//     carved region tails.
//   - BytesAllocated is the memory mapped for regions and live large blocks.
type Statistics struct {
	BlocksInUse    uint64 `json:"blocks_in_use"`
	BytesInUse     uint64 `json:"bytes_in_use"`
	MaxBytesInUse  uint64 `json:"max_bytes_in_use"`
	BytesAllocated uint64 `json:"bytes_allocated"`
}

// Add returns the field-wise sum of s and o.
func (s Statistics) Add(o Statistics) Statistics {
	return Statistics{
		BlocksInUse:    s.BlocksInUse + o.BlocksInUse,
		BytesInUse:     s.BytesInUse + o.BytesInUse,
		MaxBytesInUse:  s.MaxBytesInUse + o.MaxBytesInUse,
		BytesAllocated: s.BytesAllocated + o.BytesAllocated,
	}
}

func (s Statistics) String() string {
	return fmt.Sprintf("%d blocks, %s in use, %s touched, %s mapped",
		s.BlocksInUse, humanize.IBytes(s.BytesInUse),
		humanize.IBytes(s.MaxBytesInUse), humanize.IBytes(s.BytesAllocated))
}

// ClassStats breaks statistics down per size class, with the class-specific
// counters the CLI reports.
type ClassStats struct {
	Tiny  RackStats  `json:"tiny"`
	Small RackStats  `json:"small"`
	Large LargeStats `json:"large"`
}

// RackStats describes one tiny or small rack.
type RackStats struct {
	Statistics
	Regions      int    `json:"regions"`
	DepotRegions int    `json:"depot_regions"`
	FreeBlocks   uint64 `json:"free_blocks"`
	Magazines    int    `json:"magazines"`
}

// LargeStats describes the large allocator and its death-row cache.
type LargeStats struct {
	Statistics
	CachedEntries int    `json:"cached_entries"`
	CachedBytes   uint64 `json:"cached_bytes"`
	CacheHits     uint64 `json:"cache_hits"`
	CacheMisses   uint64 `json:"cache_misses"`
	Flotsam       bool   `json:"flotsam"`
}
