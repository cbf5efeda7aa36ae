package format

// Geometry describes one size class's region shape and free-list layout.
type Geometry struct {
	Class       Class
	Shift       uint    // log2 of the quantum
	Quantum     uintptr // bytes per quantum
	NumBlocks   uint32  // quanta per region
	RegionShift uint
	RegionSize  uintptr
	TrailerOff  uintptr
	MetaOff     uintptr
	MetaSize    uintptr
	Slots       int    // free-list slots; the last one collects oversize blocks
	MaxMsize    uint32 // largest msize the router hands to this class
}

// Payload is the number of block bytes in one region.
func (g Geometry) Payload() uint64 {
	return uint64(g.NumBlocks) << g.Shift
}

// Msize converts a byte count to quanta, rounding up. Zero maps to one quantum.
func (g Geometry) Msize(size uintptr) uint32 {
	if size == 0 {
		return 1
	}
	return uint32((size + g.Quantum - 1) >> g.Shift)
}

// Tiny returns the geometry of the tiny class.
func Tiny() Geometry {
	return Geometry{
		Class:       ClassTiny,
		Shift:       ShiftTinyQuantum,
		Quantum:     TinyQuantum,
		NumBlocks:   NumTinyBlocks,
		RegionShift: TinyRegionShift,
		RegionSize:  TinyRegionSize,
		TrailerOff:  TinyTrailerOffset,
		MetaOff:     TinyMetaOffset,
		MetaSize:    TinyMetaSize,
		Slots:       NumTinySlots,
		MaxMsize:    NumTinySlots - 1,
	}
}

// Small returns the geometry of the small class. Large-memory hosts get a
// higher large threshold and therefore more exact-size slots.
func Small(largemem bool) Geometry {
	slots := NumSmallSlots
	if largemem {
		slots = NumSmallSlotsLargeMem
	}
	return Geometry{
		Class:       ClassSmall,
		Shift:       ShiftSmallQuantum,
		Quantum:     SmallQuantum,
		NumBlocks:   NumSmallBlocks,
		RegionShift: SmallRegionShift,
		RegionSize:  SmallRegionSize,
		TrailerOff:  SmallTrailerOffset,
		MetaOff:     SmallMetaOffset,
		MetaSize:    SmallMetaSize,
		Slots:       slots + 1,
		MaxMsize:    uint32(slots),
	}
}

// Thresholds are the routing and policy numbers in effect for one zone.
type Thresholds struct {
	LargeMem       bool
	SmallThreshold uintptr
	LargeThreshold uintptr
	CopyThreshold  uintptr
	SmallSlots     int
}

// ThresholdsFor returns the thresholds for the given memory mode.
func ThresholdsFor(largemem bool) Thresholds {
	if largemem {
		return Thresholds{
			LargeMem:       true,
			SmallThreshold: SmallThreshold,
			LargeThreshold: LargeThresholdLargeMem,
			CopyThreshold:  VMCopyThresholdLargeMem,
			SmallSlots:     NumSmallSlotsLargeMem,
		}
	}
	return Thresholds{
		SmallThreshold: SmallThreshold,
		LargeThreshold: LargeThreshold,
		CopyThreshold:  VMCopyThreshold,
		SmallSlots:     NumSmallSlots,
	}
}

// IsLargeMem applies the large-memory rule to a CPU count and physical
// memory size.
func IsLargeMem(ncpu int, memBytes uint64) bool {
	return ncpu > LargeMemMinCPUs && memBytes > LargeMemMinBytes
}
