// Package format holds the size-class thresholds, region geometry and
// on-memory layouts shared by the allocator and the tools that walk it.
// Everything here is plain data: no locking, no mapping, no policy beyond the
// numbers themselves.
package format

// ============================================================================
// Tiny class
// ============================================================================

const (
	// ShiftTinyQuantum is log2 of the tiny allocation quantum.
	ShiftTinyQuantum = 4

	// TinyQuantum is the tiny allocation granularity in bytes.
	TinyQuantum = 1 << ShiftTinyQuantum

	// NumTinyBlocks is the number of quanta in a tiny region. Chosen so the
	// blocks, the trailer and the header/in-use bitmap fill one 1 MiB mapping.
	NumTinyBlocks = 64520

	// NumTinySlots is the number of tiny free lists. Slots 0..62 hold blocks of
	// exactly slot+1 quanta; the last slot holds everything larger.
	NumTinySlots = 64

	// SmallThreshold is the first request size that leaves the tiny class.
	SmallThreshold = (NumTinySlots - 1) * TinyQuantum // 1008

	// TinyRegionShift is log2 of TinyRegionSize.
	TinyRegionShift = 20

	// TinyRegionSize is the mapping size (and alignment) of a tiny region.
	TinyRegionSize = 1 << TinyRegionShift

	// TinyBitmapPairs is the number of {header, inuse} uint32 word pairs. One
	// spare bit past NumTinyBlocks is kept so the quantum after the last block
	// can carry a header bit.
	TinyBitmapPairs = (NumTinyBlocks + 1 + 31) >> 5 // 2017
)

// ============================================================================
// Small class
// ============================================================================

const (
	// ShiftSmallQuantum is log2 of the small allocation quantum.
	ShiftSmallQuantum = 9

	// SmallQuantum is the small allocation granularity in bytes.
	SmallQuantum = 1 << ShiftSmallQuantum

	// NumSmallBlocks is the number of quanta in a small region.
	NumSmallBlocks = 16319

	// NumSmallCeilBlocks is NumSmallBlocks rounded up to a power of two.
	NumSmallCeilBlocks = 1 << 14

	// SmallRegionShift is log2 of SmallRegionSize.
	SmallRegionShift = 23

	// SmallRegionSize is the mapping size (and alignment) of a small region.
	SmallRegionSize = 1 << SmallRegionShift

	// SmallMetaFree flags a small meta entry as the head or tail of a free block.
	SmallMetaFree = 0x8000

	// SmallMetaMsizeMask extracts the msize from a small meta entry.
	SmallMetaMsizeMask = SmallMetaFree - 1
)

// ============================================================================
// Large class and size-class boundaries
// ============================================================================

const (
	// LargeThreshold is the first request size served by the large allocator.
	LargeThreshold = 15 * 1024

	// LargeThresholdLargeMem replaces LargeThreshold on large-memory hosts.
	LargeThresholdLargeMem = 127 * 1024

	// NumSmallSlots is the number of exact-size small free lists.
	NumSmallSlots = LargeThreshold >> ShiftSmallQuantum // 30

	// NumSmallSlotsLargeMem is NumSmallSlots on large-memory hosts.
	NumSmallSlotsLargeMem = LargeThresholdLargeMem >> ShiftSmallQuantum // 254

	// MagazineFreelistSlots bounds the free-list slot array of any magazine.
	MagazineFreelistSlots = 256

	// MagazineFreelistBitmapWords is the number of uint32 words in the
	// occupied-slot bitmap.
	MagazineFreelistBitmapWords = (MagazineFreelistSlots + 31) >> 5

	// VMCopyThreshold is the copy size above which realloc moves pages
	// instead of copying bytes.
	VMCopyThreshold = 40 * 1024

	// VMCopyThresholdLargeMem replaces VMCopyThreshold on large-memory hosts.
	VMCopyThresholdLargeMem = 128 * 1024

	// LargeMemMinCPUs and LargeMemMinBytes gate large-memory mode: the host
	// needs more CPUs and more physical memory than these.
	LargeMemMinCPUs  = 2
	LargeMemMinBytes = 1 << 31
)

// ============================================================================
// Death row and recirculation policy
// ============================================================================

const (
	// LargeEntryCacheSize is the number of death-row slots.
	LargeEntryCacheSize = 16

	// LargeCacheSizeLimit bounds the bytes retained on death row.
	LargeCacheSizeLimit = 0x80000000

	// LargeCacheSizeEntryLimit is the largest single block death row accepts.
	LargeCacheSizeEntryLimit = LargeCacheSizeLimit / LargeEntryCacheSize

	// FlotsamThresholdLow is the retained-byte level a pressure drain stops at.
	FlotsamThresholdLow = 512 * 1024

	// FlotsamThresholdHigh is the retained-byte level above which memory
	// pressure drains death row.
	FlotsamThresholdHigh = 1024 * 1024

	// DefaultRecircRetainedRegions is the number of regions the depot keeps
	// mapped even when they are completely empty.
	DefaultRecircRetainedRegions = 2

	// MaxMagazines bounds the number of magazines per rack.
	MaxMagazines = 64

	// DepotIndex is the magazine index recorded in trailers of depot regions.
	DepotIndex = -1
)

// DensityThreshold returns the occupancy below which a region holding a bytes
// of payload is considered underused (75%).
//
// Example:
//
//	DensityThreshold(1024) = 768
func DensityThreshold(a uint64) uint64 {
	return a - (a >> 2)
}

// ============================================================================
// Layout sanity
// ============================================================================

// Regions must fit their mapping exactly; a negative array length here fails
// the build.
var (
	_ [TinyRegionSize - (TinyMetaOffset + TinyMetaSize)]struct{}
	_ [SmallRegionSize - (SmallMetaOffset + SmallMetaSize)]struct{}
	_ [NumSmallCeilBlocks - NumSmallBlocks]struct{}
	_ [SmallMetaFree - NumSmallBlocks]struct{}
	_ [1<<16 - NumTinyBlocks]struct{}
	_ [MagazineFreelistSlots - NumSmallSlotsLargeMem - 1]struct{}
	_ [VMCopyThreshold - LargeThreshold]struct{}
	_ [VMCopyThresholdLargeMem - LargeThresholdLargeMem]struct{}
)
