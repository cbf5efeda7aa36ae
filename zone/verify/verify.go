// Package verify checks the structural invariants of a zone through a
// types.MemoryReader, so the same checks run against the live process and
// against a saved heap image.
package verify

import (
	"fmt"

	"github.com/joshuapare/magzone/internal/buf"
	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/pkg/types"
	"github.com/joshuapare/magzone/zone/introspect"
)

// ValidationError describes one violated invariant.
type ValidationError struct {
	Type    string
	Message string
	Addr    uintptr // address the problem was found at, 0 if N/A
	Details map[string]interface{}
}

func (e *ValidationError) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("%s at %#x: %s", e.Type, e.Addr, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap ties every validation failure to types.ErrCorrupt.
func (e *ValidationError) Unwrap() error { return types.ErrCorrupt }

// AllInvariants validates the zone at addr and returns the first violation,
// or nil.
func AllInvariants(r types.MemoryReader, addr uintptr) error {
	if errs := Zone(r, addr); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Zone runs every check against the zone at addr and returns all violations.
// The zone must not change while it is checked.
func Zone(r types.MemoryReader, addr uintptr) []*ValidationError {
	z, err := introspect.ReadZone(r, addr)
	if err != nil {
		return []*ValidationError{{Type: "Descriptor", Message: err.Error(), Addr: addr}}
	}
	var errs []*ValidationError
	errs = append(errs, Rack(r, z.Descriptor.Tiny, z.Tiny)...)
	errs = append(errs, Rack(r, z.Descriptor.Small, z.Small)...)
	if err := Large(r, &z.Descriptor); err != nil {
		errs = append(errs, err)
	}
	if err := DeathRow(&z.Descriptor); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// Rack validates a region table and every region it lists.
func Rack(r types.MemoryReader, ref format.TableRef, geo format.Geometry) []*ValidationError {
	t, err := introspect.ReadTable(r, ref, 8)
	if err != nil {
		return []*ValidationError{{Type: "RegionTable", Message: err.Error(), Addr: uintptr(ref.Addr)}}
	}
	bases := t.Regions()
	if t.Count < uint64(len(bases)) {
		return []*ValidationError{{
			Type:    "RegionTable",
			Message: fmt.Sprintf("%s table counts %d slots but holds %d regions", geo.Class, t.Count, len(bases)),
			Addr:    t.Addr,
		}}
	}
	var errs []*ValidationError
	for _, base := range bases {
		if base&(geo.RegionSize-1) != 0 {
			errs = append(errs, &ValidationError{
				Type:    "RegionTable",
				Message: fmt.Sprintf("%s region base is not %d-aligned", geo.Class, geo.RegionSize),
				Addr:    base,
			})
			continue
		}
		rg, err := introspect.ReadRegion(r, base, geo)
		if err != nil {
			errs = append(errs, &ValidationError{Type: "Trailer", Message: err.Error(), Addr: base})
			continue
		}
		if err := Region(r, rg); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Region validates one walked region: the blocks tile [0, bump), no two
// free blocks touch, free blocks carry their size at both ends, and the
// trailer counters match the live blocks.
func Region(r types.MemoryReader, rg *introspect.Region) *ValidationError {
	class := rg.Geo.Class.String()
	if rg.Stopped != nil {
		return &ValidationError{Type: "Tiling", Message: rg.Stopped.Error(), Addr: rg.Base}
	}
	if rg.Trailer.Bump > rg.Geo.NumBlocks {
		return &ValidationError{
			Type:    "Trailer",
			Message: fmt.Sprintf("%s bump %d past %d blocks", class, rg.Trailer.Bump, rg.Geo.NumBlocks),
			Addr:    rg.Base,
		}
	}
	if idx := rg.Trailer.MagIndex; idx != format.DepotIndex && (idx < 0 || idx >= format.MaxMagazines) {
		return &ValidationError{
			Type:    "Trailer",
			Message: fmt.Sprintf("%s region owned by magazine %d", class, idx),
			Addr:    rg.Base,
		}
	}

	var objects, bytes uint64
	prevFree := false
	for _, b := range rg.Blocks {
		if !b.Free {
			objects++
			bytes += uint64(b.Msize) << rg.Geo.Shift
			prevFree = false
			continue
		}
		if prevFree {
			return &ValidationError{
				Type:    "Coalescing",
				Message: fmt.Sprintf("%s free block at quantum %d follows another free block", class, b.Index),
				Addr:    rg.Addr(b),
			}
		}
		prevFree = true
		if err := freeEnds(r, rg, b); err != nil {
			return err
		}
	}

	if objects != uint64(rg.Trailer.Objects) || bytes != rg.Trailer.BytesUsed {
		return &ValidationError{
			Type: "Trailer",
			Message: fmt.Sprintf("%s trailer counts %d objects/%d bytes, blocks hold %d/%d",
				class, rg.Trailer.Objects, rg.Trailer.BytesUsed, objects, bytes),
			Addr: rg.Base,
			Details: map[string]interface{}{
				"objects":         objects,
				"bytes":           bytes,
				"trailer_objects": rg.Trailer.Objects,
				"trailer_bytes":   rg.Trailer.BytesUsed,
			},
		}
	}
	return nil
}

// freeEnds checks the size recorded at both ends of a free block. Small
// blocks record it in the meta array; tiny blocks longer than one quantum
// record it in the block body, which a heap image does not carry, so a body
// that cannot be read is not an error.
func freeEnds(r types.MemoryReader, rg *introspect.Region, b introspect.Block) *ValidationError {
	if b.Msize < 2 {
		return nil
	}
	addr := rg.Addr(b)
	var head, tail uint32
	if rg.Geo.Class == format.ClassSmall {
		head = uint32(introspect.SmallTail(rg, b.Index))
		tail = uint32(introspect.SmallTail(rg, b.Index+b.Msize-1))
		if head != tail {
			return &ValidationError{
				Type:    "FreeBlock",
				Message: fmt.Sprintf("small free block meta %#x at head, %#x at tail", head, tail),
				Addr:    addr,
			}
		}
		return nil
	}
	hb, err := r.Read(addr+16, 2)
	if err != nil {
		return nil
	}
	tb, err := r.Read(addr+uintptr(b.Msize)<<rg.Geo.Shift-2, 2)
	if err != nil {
		return nil
	}
	head, tail = uint32(buf.U16LE(hb)), uint32(buf.U16LE(tb))
	if head != b.Msize || tail != b.Msize {
		return &ValidationError{
			Type:    "FreeBlock",
			Message: fmt.Sprintf("tiny free block of %d quanta records %d at head, %d at tail", b.Msize, head, tail),
			Addr:    addr,
		}
	}
	return nil
}

// Large validates the large entry table: page-granular entries, a header
// count that matches, and no two blocks (live or parked) overlapping.
func Large(r types.MemoryReader, d *format.Descriptor) *ValidationError {
	t, err := introspect.ReadTable(r, d.Large, format.EntrySize)
	if err != nil {
		return &ValidationError{Type: "LargeTable", Message: err.Error(), Addr: uintptr(d.Large.Addr)}
	}
	entries := t.Entries()
	if t.Count != uint64(len(entries)) {
		return &ValidationError{
			Type:    "LargeTable",
			Message: fmt.Sprintf("table counts %d entries but holds %d", t.Count, len(entries)),
			Addr:    t.Addr,
		}
	}
	page := d.PageSize
	if page == 0 || page&(page-1) != 0 {
		return &ValidationError{Type: "Descriptor", Message: fmt.Sprintf("page size %d", page)}
	}
	all := append(entries, introspect.DeathRow(d)...)
	for _, e := range all {
		if e.Addr&(page-1) != 0 || e.Size == 0 || e.Size&(page-1) != 0 {
			return &ValidationError{
				Type:    "LargeTable",
				Message: fmt.Sprintf("block of %d bytes is not page granular", e.Size),
				Addr:    uintptr(e.Addr),
			}
		}
	}
	if a, b, ok := overlap(all); ok {
		return &ValidationError{
			Type:    "LargeTable",
			Message: fmt.Sprintf("blocks %#x (+%d) and %#x (+%d) overlap", a.Addr, a.Size, b.Addr, b.Size),
			Addr:    uintptr(a.Addr),
		}
	}
	return nil
}

// DeathRow validates the death-row ring: its byte total matches the parked
// entries and stays within the cache limit.
func DeathRow(d *format.Descriptor) *ValidationError {
	if d.DeathRowLen > format.LargeEntryCacheSize || d.DeathRowHead >= format.LargeEntryCacheSize {
		return &ValidationError{
			Type:    "DeathRow",
			Message: fmt.Sprintf("ring head %d, length %d", d.DeathRowHead, d.DeathRowLen),
		}
	}
	parked := introspect.DeathRow(d)
	var sum uint64
	for _, e := range parked {
		if e.Size > format.LargeCacheSizeEntryLimit {
			return &ValidationError{
				Type:    "DeathRow",
				Message: fmt.Sprintf("parked block of %d bytes exceeds the entry limit", e.Size),
				Addr:    uintptr(e.Addr),
			}
		}
		sum += e.Size
	}
	if uint64(len(parked)) != d.DeathRowLen || sum != d.DeathRowBytes {
		return &ValidationError{
			Type: "DeathRow",
			Message: fmt.Sprintf("ring holds %d entries/%d bytes, descriptor says %d/%d",
				len(parked), sum, d.DeathRowLen, d.DeathRowBytes),
			Details: map[string]interface{}{"entries": len(parked), "bytes": sum},
		}
	}
	if sum > format.LargeCacheSizeLimit {
		return &ValidationError{
			Type:    "DeathRow",
			Message: fmt.Sprintf("%d parked bytes exceed the %d byte limit", sum, uint64(format.LargeCacheSizeLimit)),
		}
	}
	return nil
}
