package introspect

import (
	"fmt"
	"math/bits"

	"github.com/joshuapare/magzone/internal/buf"
	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/pkg/types"
)

// maxTableCap bounds the capacity accepted from a table header. A larger
// value can only come from a torn or foreign read.
const maxTableCap = 1 << 32

// Zone is a decoded zone descriptor plus the geometry it implies.
type Zone struct {
	Addr       uintptr
	Descriptor format.Descriptor
	Tiny       format.Geometry
	Small      format.Geometry
}

// Largemem reports whether the zone was created with large-memory thresholds.
func (z *Zone) Largemem() bool { return z.Descriptor.Flags&format.FlagLargeMem != 0 }

// ReadZone reads and decodes the descriptor at addr.
func ReadZone(r types.MemoryReader, addr uintptr) (*Zone, error) {
	b, err := r.Read(addr, format.DescriptorSize)
	if err != nil {
		return nil, types.ErrBadImage.With(fmt.Errorf("descriptor at %#x: %w", addr, err))
	}
	d, err := format.DecodeDescriptor(b)
	if err != nil {
		return nil, types.ErrBadImage.With(fmt.Errorf("descriptor at %#x: %w", addr, err))
	}
	if d.PtrSize != 8 {
		return nil, types.ErrBadImage.With(fmt.Errorf("descriptor at %#x: %d-byte pointers", addr, d.PtrSize))
	}
	z := &Zone{Addr: addr, Descriptor: d, Tiny: format.Tiny()}
	z.Small = format.Small(z.Largemem())
	return z, nil
}

// Table is one generation of a region or large table as read.
type Table struct {
	Addr  uintptr
	Cap   uintptr
	Count uint64
	Raw   []byte // entries only, header stripped
}

// Size returns the bytes the table occupies, header included.
func (t *Table) Size(entrySize uintptr) uintptr {
	return format.TableHeaderSize + t.Cap*entrySize
}

// ReadTable reads the table published at ref. The capacity is taken from the
// table header, never from ref, so a table that grew after ref was read is
// still read consistently. A zero address yields an empty table.
func ReadTable(r types.MemoryReader, ref format.TableRef, entrySize uintptr) (*Table, error) {
	if ref.Addr == 0 {
		return &Table{}, nil
	}
	addr := uintptr(ref.Addr)
	hdr, err := r.Read(addr, format.TableHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("table header at %#x: %w", addr, err)
	}
	capacity := buf.U64LE(hdr[format.TableCapOff:])
	if capacity == 0 || capacity > maxTableCap || bits.OnesCount64(capacity) != 1 {
		return nil, fmt.Errorf("table at %#x: capacity %d: %w", addr, capacity, format.ErrSignatureMismatch)
	}
	if _, err := buf.CheckTableBounds(addr+format.TableHeaderSize, uintptr(capacity), entrySize); err != nil {
		return nil, fmt.Errorf("table at %#x: %w", addr, err)
	}
	raw, err := r.Read(addr+format.TableHeaderSize, uintptr(capacity)*entrySize)
	if err != nil {
		return nil, fmt.Errorf("table entries at %#x: %w", addr, err)
	}
	return &Table{
		Addr:  addr,
		Cap:   uintptr(capacity),
		Count: buf.U64LE(hdr[format.TableCountOff:]),
		Raw:   raw,
	}, nil
}

// Regions returns the live region bases of a region table.
func (t *Table) Regions() []uintptr {
	var out []uintptr
	for i := uintptr(0); i < t.Cap; i++ {
		v := buf.U64LE(t.Raw[i*8:])
		if v == 0 || v == format.RegionTombstone {
			continue
		}
		out = append(out, uintptr(v))
	}
	return out
}

// Entries returns the live entries of a large table.
func (t *Table) Entries() []format.Entry {
	var out []format.Entry
	for i := uintptr(0); i < t.Cap; i++ {
		e := format.DecodeEntry(t.Raw[i*format.EntrySize:])
		if e.Addr != 0 {
			out = append(out, e)
		}
	}
	return out
}

// DeathRow returns the parked entries of d, oldest first.
func DeathRow(d *format.Descriptor) []format.Entry {
	n := min(d.DeathRowLen, format.LargeEntryCacheSize)
	out := make([]format.Entry, 0, n)
	for k := range n {
		e := d.DeathRow[(d.DeathRowHead+k)%format.LargeEntryCacheSize]
		if e.Addr == 0 {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ============================================================================
// Regions
// ============================================================================

// Block is one block of a region walk.
type Block struct {
	Index uint32
	Msize uint32
	Free  bool
}

// Region is the result of walking one tiny or small region.
type Region struct {
	Base    uintptr
	Geo     format.Geometry
	Trailer format.Trailer
	Meta    []byte
	Blocks  []Block

	// Stopped is set when the walk ended before the bump index, with the
	// reason. Blocks then holds everything before that point.
	Stopped error
}

// Addr returns the address of b.
func (rg *Region) Addr(b Block) uintptr {
	return rg.Base + uintptr(b.Index)<<rg.Geo.Shift
}

// Bump returns the trailer's bump index clamped to the region.
func (rg *Region) Bump() uint32 {
	return min(rg.Trailer.Bump, rg.Geo.NumBlocks)
}

// ReadRegion reads the trailer and block metadata of the region at base and
// tiles its blocks. It fails only when the trailer cannot be trusted; stale
// or inconsistent metadata ends the walk early with Stopped set.
func ReadRegion(r types.MemoryReader, base uintptr, geo format.Geometry) (*Region, error) {
	tb, err := r.Read(base+geo.TrailerOff, format.TrailerSize)
	if err != nil {
		return nil, fmt.Errorf("%s region %#x trailer: %w", geo.Class, base, err)
	}
	tr, err := format.DecodeTrailer(tb)
	if err != nil {
		return nil, fmt.Errorf("%s region %#x trailer: %w", geo.Class, base, err)
	}
	if tr.Class != geo.Class || uintptr(tr.Base) != base {
		return nil, fmt.Errorf("%s region %#x: trailer describes %s region %#x: %w",
			geo.Class, base, tr.Class, tr.Base, format.ErrSignatureMismatch)
	}
	meta, err := r.Read(base+geo.MetaOff, geo.MetaSize)
	if err != nil {
		return nil, fmt.Errorf("%s region %#x metadata: %w", geo.Class, base, err)
	}

	rg := &Region{Base: base, Geo: geo, Trailer: tr, Meta: meta}
	if geo.Class == format.ClassTiny {
		rg.walk(tinyBlock)
	} else {
		rg.walk(smallBlock)
	}
	return rg, nil
}

type blockDecoder func(meta []byte, i, bump uint32) (m uint32, free bool, ok bool)

func (rg *Region) walk(decode blockDecoder) {
	bump := rg.Bump()
	for i := uint32(0); i < bump; {
		m, free, ok := decode(rg.Meta, i, bump)
		if !ok || m == 0 || i+m > bump {
			rg.Stopped = fmt.Errorf("%s region %#x: no valid block at quantum %d (msize %d, bump %d)",
				rg.Geo.Class, rg.Base, i, m, bump)
			return
		}
		rg.Blocks = append(rg.Blocks, Block{Index: i, Msize: m, Free: free})
		i += m
	}
}

// tinyBlock decodes the block at quantum i from the header/in-use bitmap. A
// block ends at the next header bit, free or not.
func tinyBlock(meta []byte, i, bump uint32) (uint32, bool, bool) {
	hdr, inuse := tinyWords(meta, i)
	bit := uint32(1) << (i & 31)
	if hdr&bit == 0 {
		return 0, false, false
	}
	next := tinyNextHeader(meta, i+1, bump)
	return next - i, inuse&bit == 0, true
}

func tinyWords(meta []byte, i uint32) (hdr, inuse uint32) {
	off := int(i>>5) * 8
	return buf.U32LE(meta[off:]), buf.U32LE(meta[off+4:])
}

// tinyNextHeader returns the first quantum in [i, limit] with a header bit,
// or limit+1 when there is none.
func tinyNextHeader(meta []byte, i, limit uint32) uint32 {
	for i <= limit {
		hdr, _ := tinyWords(meta, i)
		if w := hdr >> (i & 31); w != 0 {
			if n := i + uint32(bits.TrailingZeros32(w)); n <= limit {
				return n
			}
			return limit + 1
		}
		i = (i | 31) + 1
	}
	return limit + 1
}

func smallBlock(meta []byte, i, _ uint32) (uint32, bool, bool) {
	v := buf.U16LE(meta[int(i)*2:])
	return uint32(v & format.SmallMetaMsizeMask), v&format.SmallMetaFree != 0, true
}

// SmallTail returns the meta entry of quantum i of a small region.
func SmallTail(rg *Region, i uint32) uint16 {
	return buf.U16LE(rg.Meta[int(i)*2:])
}
