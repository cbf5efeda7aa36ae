package introspect

import (
	"slices"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/pkg/types"
)

// Enumerate reports the ranges of the zone at zoneAddr selected by mask:
// admin ranges (descriptor, tables, region metadata), region ranges (tiny
// and small regions, large blocks, death-row entries) and in-use blocks.
// Ranges are handed to rec in batches, one batch per region and kind.
//
// Only an unreadable or malformed descriptor is an error. A table or region
// that cannot be read is skipped.
func Enumerate(r types.MemoryReader, zoneAddr uintptr, mask types.RangeType, rec types.RangeRecorder) error {
	z, err := ReadZone(r, zoneAddr)
	if err != nil {
		return err
	}
	e := &enumerator{r: r, mask: mask, rec: rec}
	e.emit(types.RangeAdmin, types.Range{Addr: zoneAddr, Size: format.DescriptorSize})
	e.rack(z.Descriptor.Tiny, z.Tiny)
	e.rack(z.Descriptor.Small, z.Small)
	e.large(&z.Descriptor)
	return nil
}

type enumerator struct {
	r    types.MemoryReader
	mask types.RangeType
	rec  types.RangeRecorder
}

func (e *enumerator) wants(kind types.RangeType) bool { return e.mask&kind != 0 }

func (e *enumerator) emit(kind types.RangeType, ranges ...types.Range) {
	if len(ranges) == 0 || !e.wants(kind) {
		return
	}
	e.rec(kind, ranges)
}

func (e *enumerator) rack(ref format.TableRef, geo format.Geometry) {
	t, err := ReadTable(e.r, ref, 8)
	if err != nil || t.Addr == 0 {
		return
	}
	e.emit(types.RangeAdmin, types.Range{Addr: t.Addr, Size: t.Size(8)})

	for _, base := range t.Regions() {
		e.emit(types.RangeRegion, types.Range{Addr: base, Size: geo.RegionSize})
		if !e.wants(types.RangeAdmin | types.RangeInUse) {
			continue
		}
		rg, err := ReadRegion(e.r, base, geo)
		if err != nil {
			continue
		}
		e.emit(types.RangeAdmin, types.Range{Addr: base + geo.TrailerOff, Size: format.TrailerSize + geo.MetaSize})
		if !e.wants(types.RangeInUse) {
			continue
		}
		live := make([]types.Range, 0, len(rg.Blocks))
		for _, b := range rg.Blocks {
			if !b.Free {
				live = append(live, types.Range{Addr: rg.Addr(b), Size: uintptr(b.Msize) << geo.Shift})
			}
		}
		e.emit(types.RangeInUse, live...)
	}
}

func (e *enumerator) large(d *format.Descriptor) {
	if t, err := ReadTable(e.r, d.Large, format.EntrySize); err == nil && t.Addr != 0 {
		e.emit(types.RangeAdmin, types.Range{Addr: t.Addr, Size: t.Size(format.EntrySize)})
		var live []types.Range
		for _, en := range t.Entries() {
			live = append(live, types.Range{Addr: uintptr(en.Addr), Size: uintptr(en.Size)})
		}
		e.emit(types.RangeRegion, live...)
		e.emit(types.RangeInUse, slices.Clone(live)...)
	}

	var parked []types.Range
	for _, en := range DeathRow(d) {
		parked = append(parked, types.Range{Addr: uintptr(en.Addr), Size: uintptr(en.Size)})
	}
	e.emit(types.RangeRegion, parked...)
}
