package types

// -----------------------------------------------------------------------------
// Enumeration
// -----------------------------------------------------------------------------

// RangeType selects which ranges an enumeration reports. Values combine as a
// bit mask.
type RangeType uint32

const (
	// RangeInUse covers a live allocation.
	RangeInUse RangeType = 1 << iota
	// RangeRegion covers memory mapped for a region, a large block or a
	// death-row entry.
	RangeRegion
	// RangeAdmin covers allocator metadata: the descriptor, tables, trailers
	// and block bitmaps.
	RangeAdmin

	// RangeAll selects every range type.
	RangeAll = RangeInUse | RangeRegion | RangeAdmin
)

// Range is an address range reported by an enumeration.
type Range struct {
	Addr uintptr
	Size uintptr
}

// End returns the first address past the range.
func (r Range) End() uintptr { return r.Addr + r.Size }

// Contains reports whether p lies inside the range.
func (r Range) Contains(p uintptr) bool { return p >= r.Addr && p < r.End() }

// MemoryReader reads size bytes at addr from the memory being inspected. It
// may be backed by the current process, another process or a saved image.
// Implementations return an error rather than a short slice.
type MemoryReader interface {
	Read(addr, size uintptr) ([]byte, error)
}

// MemoryReaderFunc adapts a function to MemoryReader.
type MemoryReaderFunc func(addr, size uintptr) ([]byte, error)

func (f MemoryReaderFunc) Read(addr, size uintptr) ([]byte, error) { return f(addr, size) }

// RangeRecorder receives ranges from an enumeration, batched per region.
type RangeRecorder func(kind RangeType, ranges []Range)
