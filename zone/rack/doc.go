// Package rack implements the tiny and small size classes of the zone: a set
// of magazines carving fixed-quantum blocks out of naturally aligned regions.
//
// # Regions
//
// A region is a mapping of 2^RegionShift bytes aligned to its own size, so the
// region of any block is found by masking the pointer. The block area comes
// first, followed by the trailer (format.Trailer) and the per-quantum block
// metadata:
//
//	tiny:  header/in-use bitmap pairs, one bit per 16-byte quantum
//	small: one uint16 per 512-byte quantum, msize|0x8000 marking free blocks
//
// Blocks are carved from the region's untouched tail (the bump index) until it
// is exhausted; after that a region is tiled completely by live and free
// blocks. Adjacent free blocks are always coalesced.
//
// # Magazines
//
// Each magazine owns a set of regions and keeps free lists bucketed by msize,
// with a bitmap of non-empty buckets. The last bucket collects every larger
// block and is searched first fit. Free-list links live inside the free
// blocks and carry a 4-bit checksum salted with a per-zone cookie, so a
// stray write is caught the next time the list is walked.
//
// A goroutine picks its magazine through a sync.Pool hint and takes only that
// magazine's lock. Freeing locks whichever magazine currently owns the block's
// region, read from the region trailer.
//
// # Depot
//
// When a region's live bytes fall below three quarters of its payload it is
// handed, free blocks and all, to the depot, a magazine no goroutine
// allocates from directly. A magazine that runs dry adopts a depot region
// before mapping a new one. Free pages inside depot regions are returned to
// the kernel, and an empty depot region is unmapped once more than
// RetainedRegions are parked.
//
// # Lock order
//
// magazine, then depot, then the region table. No code path holds two
// non-depot magazines at once except Check, which locks them in index order.
package rack
