package format

import (
	"unsafe"

	"github.com/joshuapare/magzone/internal/buf"
)

// Region layout (offsets from the region base):
//
//	tiny   0x000000  blocks      NumTinyBlocks * 16
//	       0x0FC080  trailer     64 bytes
//	       0x0FC0C0  bitmap      TinyBitmapPairs * {header uint32, inuse uint32}
//
//	small  0x000000  blocks      NumSmallBlocks * 512
//	       0x7F7E00  trailer     64 bytes
//	       0x7F7E40  meta        NumSmallBlocks * uint16
const (
	TinyTrailerOffset = NumTinyBlocks << ShiftTinyQuantum
	TinyMetaOffset    = TinyTrailerOffset + TrailerSize
	TinyMetaSize      = TinyBitmapPairs * 8

	SmallTrailerOffset = NumSmallBlocks << ShiftSmallQuantum
	SmallMetaOffset    = SmallTrailerOffset + TrailerSize
	SmallMetaSize      = NumSmallBlocks * 2
)

// TrailerMagic marks a live region trailer ("MZRG").
const TrailerMagic = 0x47525a4d

// Class identifies a region's size class.
type Class uint8

const (
	ClassTiny  Class = 1
	ClassSmall Class = 2
)

func (c Class) String() string {
	switch c {
	case ClassTiny:
		return "tiny"
	case ClassSmall:
		return "small"
	default:
		return "unknown"
	}
}

// Trailer is the per-region bookkeeping record. Fields are only ever written
// with single aligned stores so an unlocked reader sees each one either old or
// new, never torn. Readers must tolerate Bump, BytesUsed and Objects being
// stale relative to the block metadata.
type Trailer struct {
	Magic     uint32
	Class     Class
	_         [3]uint8
	MagIndex  int32  // owning magazine, DepotIndex when parked in the depot
	Bump      uint32 // quanta carved so far; everything above is untouched
	BytesUsed uint64
	Objects   uint32
	_         uint32
	Base      uint64 // region base, for cross-checking a trailer found by address
	Spare     [3]uint64
}

// Trailer field offsets.
const (
	TrailerSize         = 64
	TrailerMagicOff     = 0
	TrailerClassOff     = 4
	TrailerMagIndexOff  = 8
	TrailerBumpOff      = 12
	TrailerBytesUsedOff = 16
	TrailerObjectsOff   = 24
	TrailerBaseOff      = 32
)

var (
	_ [TrailerSize - unsafe.Sizeof(Trailer{})]struct{}
	_ [unsafe.Sizeof(Trailer{}) - TrailerSize]struct{}
	_ [TrailerBytesUsedOff - unsafe.Offsetof(Trailer{}.BytesUsed)]struct{}
	_ [TrailerBaseOff - unsafe.Offsetof(Trailer{}.Base)]struct{}
)

// DecodeTrailer parses a trailer from its raw bytes.
func DecodeTrailer(b []byte) (Trailer, error) {
	if len(b) < TrailerSize {
		return Trailer{}, ErrTruncated
	}
	t := Trailer{
		Magic:     buf.U32LE(b[TrailerMagicOff:]),
		Class:     Class(b[TrailerClassOff]),
		MagIndex:  buf.I32LE(b[TrailerMagIndexOff:]),
		Bump:      buf.U32LE(b[TrailerBumpOff:]),
		BytesUsed: buf.U64LE(b[TrailerBytesUsedOff:]),
		Objects:   buf.U32LE(b[TrailerObjectsOff:]),
		Base:      buf.U64LE(b[TrailerBaseOff:]),
	}
	if t.Magic != TrailerMagic {
		return t, ErrSignatureMismatch
	}
	return t, nil
}

// ============================================================================
// Zone descriptor
// ============================================================================

// DescriptorMagic starts every zone descriptor page.
var DescriptorMagic = [8]byte{'M', 'A', 'G', 'Z', 'O', 'N', 'E', 0}

// DescriptorVersion is bumped whenever a layout in this file changes.
const DescriptorVersion = 1

// Descriptor flags.
const (
	FlagLargeMem = 1 << 0
)

// RegionTombstone marks a region table slot whose region was unmapped.
const RegionTombstone = 1

// Region and large tables start with a header: capacity in entries, then the
// number of occupied slots. Entries follow. A table is published by a single
// store of its address, so its capacity is always read from the table itself.
const (
	TableHeaderSize = 16
	TableCapOff     = 0
	TableCountOff   = 8
)

// TableRef locates a metadata table: its address and its capacity in entries.
type TableRef struct {
	Addr uint64
	Cap  uint64
}

// Entry is a large allocation or death-row record.
type Entry struct {
	Addr uint64
	Size uint64
}

// EntrySize is the encoded size of an Entry.
const EntrySize = 16

// Descriptor is the self-describing root of a zone. It lives on its own page
// so a tool holding only the zone address can find every region and large
// block without the allocator's cooperation.
type Descriptor struct {
	Magic          [8]byte
	Version        uint32
	PtrSize        uint32
	Flags          uint64
	LargeThreshold uint64
	PageSize       uint64
	Tiny           TableRef // region bases, uint64 each
	Small          TableRef
	Large          TableRef // Entry each
	DeathRowHead   uint64   // index of the oldest parked entry
	DeathRowLen    uint64
	DeathRowBytes  uint64
	DeathRow       [LargeEntryCacheSize]Entry
}

// Descriptor field offsets.
const (
	DescriptorSize       = 368
	DescMagicOff         = 0
	DescVersionOff       = 8
	DescPtrSizeOff       = 12
	DescFlagsOff         = 16
	DescLargeThreshOff   = 24
	DescPageSizeOff      = 32
	DescTinyOff          = 40
	DescSmallOff         = 56
	DescLargeOff         = 72
	DescDeathRowHeadOff  = 88
	DescDeathRowLenOff   = 96
	DescDeathRowBytesOff = 104
	DescDeathRowOff      = 112
)

var (
	_ [DescriptorSize - unsafe.Sizeof(Descriptor{})]struct{}
	_ [unsafe.Sizeof(Descriptor{}) - DescriptorSize]struct{}
	_ [DescDeathRowOff - unsafe.Offsetof(Descriptor{}.DeathRow)]struct{}
	_ [DescLargeOff - unsafe.Offsetof(Descriptor{}.Large)]struct{}
	_ [EntrySize - unsafe.Sizeof(Entry{})]struct{}
)

// DecodeDescriptor parses a descriptor from its raw bytes.
func DecodeDescriptor(b []byte) (Descriptor, error) {
	var d Descriptor
	if len(b) < DescriptorSize {
		return d, ErrTruncated
	}
	copy(d.Magic[:], b[DescMagicOff:DescMagicOff+8])
	if d.Magic != DescriptorMagic {
		return d, ErrSignatureMismatch
	}
	d.Version = buf.U32LE(b[DescVersionOff:])
	if d.Version != DescriptorVersion {
		return d, ErrVersion
	}
	d.PtrSize = buf.U32LE(b[DescPtrSizeOff:])
	d.Flags = buf.U64LE(b[DescFlagsOff:])
	d.LargeThreshold = buf.U64LE(b[DescLargeThreshOff:])
	d.PageSize = buf.U64LE(b[DescPageSizeOff:])
	d.Tiny = decodeTableRef(b[DescTinyOff:])
	d.Small = decodeTableRef(b[DescSmallOff:])
	d.Large = decodeTableRef(b[DescLargeOff:])
	d.DeathRowHead = buf.U64LE(b[DescDeathRowHeadOff:])
	d.DeathRowLen = buf.U64LE(b[DescDeathRowLenOff:])
	d.DeathRowBytes = buf.U64LE(b[DescDeathRowBytesOff:])
	for i := range d.DeathRow {
		d.DeathRow[i] = DecodeEntry(b[DescDeathRowOff+i*EntrySize:])
	}
	return d, nil
}

func decodeTableRef(b []byte) TableRef {
	return TableRef{Addr: buf.U64LE(b), Cap: buf.U64LE(b[8:])}
}

// DecodeEntry parses one Entry.
func DecodeEntry(b []byte) Entry {
	return Entry{Addr: buf.U64LE(b), Size: buf.U64LE(b[8:])}
}
