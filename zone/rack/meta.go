package rack

import (
	"math/bits"
	"unsafe"

	"github.com/joshuapare/magzone/internal/format"
)

// blockMeta reads and writes the per-quantum block metadata of one size
// class. Every method is called with the owning magazine's lock held.
type blockMeta interface {
	initRegion(rg region)
	// state reports whether quantum i starts a block and, if so, whether
	// the block is free.
	state(rg region, i uint32) (start, free bool)
	// msize returns the size in quanta of the block starting at i.
	msize(rg region, i uint32) uint32
	setInUse(rg region, i, m uint32)
	setFree(rg region, i, m uint32)
	// absorb erases the markings of block [i, i+m) when it merges into a
	// neighbour.
	absorb(rg region, i, m uint32)
	// prevFree returns the size of the free block ending just before i.
	prevFree(rg region, i uint32) (uint32, bool)
}

// ============================================================================
// Tiny: header/in-use bitmap
// ============================================================================

type tinyMeta struct{}

func (tinyMeta) words(rg region, i uint32) (hdr, inuse *uint32) {
	p := uintptr(rg) + format.TinyMetaOffset + uintptr(i>>5)*8
	return (*uint32)(unsafe.Pointer(p)), (*uint32)(unsafe.Pointer(p + 4))
}

func (t tinyMeta) setHeader(rg region, i uint32) {
	hdr, _ := t.words(rg, i)
	*hdr |= 1 << (i & 31)
}

func (t tinyMeta) header(rg region, i uint32) bool {
	hdr, _ := t.words(rg, i)
	return *hdr&(1<<(i&31)) != 0
}

// clearHeaders clears header and in-use bits for quanta [from, to).
func (t tinyMeta) clearHeaders(rg region, from, to uint32) {
	for from < to {
		hdr, inuse := t.words(rg, from)
		bit := from & 31
		n := min(32-bit, to-from)
		mask := ^uint32(0) >> (32 - n) << bit
		*hdr &^= mask
		*inuse &^= mask
		from += n
	}
}

// nextHeader returns the first quantum at or after i with its header bit set.
// The bit at NumTinyBlocks is always set, which bounds the scan.
func (t tinyMeta) nextHeader(rg region, i uint32) uint32 {
	for i <= format.NumTinyBlocks {
		hdr, _ := t.words(rg, i)
		w := *hdr >> (i & 31)
		if w != 0 {
			return i + uint32(bits.TrailingZeros32(w))
		}
		i = (i | 31) + 1
	}
	return format.NumTinyBlocks
}

func (tinyMeta) storedMsize(rg region, i uint32) uint32 {
	return uint32(*(*uint16)(unsafe.Pointer(uintptr(rg) + uintptr(i)<<format.ShiftTinyQuantum + 16)))
}

func (t tinyMeta) initRegion(rg region) {
	t.setHeader(rg, format.NumTinyBlocks)
}

func (t tinyMeta) state(rg region, i uint32) (bool, bool) {
	hdr, inuse := t.words(rg, i)
	bit := uint32(1) << (i & 31)
	if *hdr&bit == 0 {
		return false, false
	}
	return true, *inuse&bit == 0
}

func (t tinyMeta) msize(rg region, i uint32) uint32 {
	if _, free := t.state(rg, i); free {
		if t.header(rg, i+1) {
			return 1
		}
		return t.storedMsize(rg, i)
	}
	return t.nextHeader(rg, i+1) - i
}

func (t tinyMeta) setInUse(rg region, i, m uint32) {
	t.clearHeaders(rg, i+1, i+m)
	hdr, inuse := t.words(rg, i)
	bit := uint32(1) << (i & 31)
	*hdr |= bit
	*inuse |= bit
	t.setHeader(rg, i+m)
}

func (t tinyMeta) setFree(rg region, i, m uint32) {
	t.clearHeaders(rg, i+1, i+m)
	hdr, inuse := t.words(rg, i)
	bit := uint32(1) << (i & 31)
	*hdr |= bit
	*inuse &^= bit
	t.setHeader(rg, i+m)
	if m > 1 {
		block := uintptr(rg) + uintptr(i)<<format.ShiftTinyQuantum
		*(*uint16)(unsafe.Pointer(block + 16)) = uint16(m)
		*(*uint16)(unsafe.Pointer(block + uintptr(m)<<format.ShiftTinyQuantum - 2)) = uint16(m)
	}
}

func (t tinyMeta) absorb(rg region, i, _ uint32) {
	t.clearHeaders(rg, i, i+1)
}

// prevFree recognises a one-quantum free block from the bitmap alone and a
// longer one from the size stored in its last two bytes, cross-checked
// against its head.
func (t tinyMeta) prevFree(rg region, i uint32) (uint32, bool) {
	if i == 0 {
		return 0, false
	}
	if start, free := t.state(rg, i-1); start {
		if free {
			return 1, true
		}
		return 0, false
	}
	p := uint32(*(*uint16)(unsafe.Pointer(uintptr(rg) + uintptr(i)<<format.ShiftTinyQuantum - 2)))
	if p < 2 || p > i {
		return 0, false
	}
	s := i - p
	if start, free := t.state(rg, s); !start || !free {
		return 0, false
	}
	if t.storedMsize(rg, s) != p || t.nextHeader(rg, s+1) != i {
		return 0, false
	}
	return p, true
}

// ============================================================================
// Small: uint16 meta array
// ============================================================================

type smallMeta struct{}

func (smallMeta) at(rg region, i uint32) *uint16 {
	return (*uint16)(unsafe.Pointer(uintptr(rg) + format.SmallMetaOffset + uintptr(i)*2))
}

func (smallMeta) initRegion(region) {}

func (s smallMeta) state(rg region, i uint32) (bool, bool) {
	v := *s.at(rg, i)
	return v&format.SmallMetaMsizeMask != 0, v&format.SmallMetaFree != 0
}

func (s smallMeta) msize(rg region, i uint32) uint32 {
	return uint32(*s.at(rg, i) & format.SmallMetaMsizeMask)
}

func (s smallMeta) setInUse(rg region, i, m uint32) {
	*s.at(rg, i) = uint16(m)
	if m > 1 {
		*s.at(rg, i+m-1) = 0
	}
}

func (s smallMeta) setFree(rg region, i, m uint32) {
	v := uint16(m) | format.SmallMetaFree
	*s.at(rg, i) = v
	if m > 1 {
		*s.at(rg, i+m-1) = v
	}
}

func (s smallMeta) absorb(rg region, i, m uint32) {
	*s.at(rg, i) = 0
	if m > 1 {
		*s.at(rg, i+m-1) = 0
	}
}

func (s smallMeta) prevFree(rg region, i uint32) (uint32, bool) {
	if i == 0 {
		return 0, false
	}
	v := *s.at(rg, i-1)
	if v&format.SmallMetaFree == 0 {
		return 0, false
	}
	p := uint32(v & format.SmallMetaMsizeMask)
	if p == 0 || p > i || *s.at(rg, i-p) != v {
		return 0, false
	}
	return p, true
}
