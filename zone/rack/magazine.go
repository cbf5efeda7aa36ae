package rack

import (
	"fmt"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/pkg/types"
)

// magazine is an arena of regions with its own free lists. Allocation and
// free touch only the magazine's lock; the depot is a magazine too.
type magazine struct {
	mu     sync.Mutex
	index  int32
	heads  [format.MagazineFreelistSlots]uintptr
	bitmap [format.MagazineFreelistBitmapWords]uint32

	last       region // region being carved, zero if none
	regions    int
	objects    uint64
	bytes      uint64 // usable bytes of live blocks
	freeBlocks uint64

	parked []region // depot only, oldest first
}

func (mg *magazine) setSlot(s int)   { mg.bitmap[s>>5] |= 1 << (s & 31) }
func (mg *magazine) clearSlot(s int) { mg.bitmap[s>>5] &^= 1 << (s & 31) }

// findSlot returns the first occupied slot at or above from, or -1.
func (mg *magazine) findSlot(from int) int {
	w := from >> 5
	if w >= len(mg.bitmap) {
		return -1
	}
	word := mg.bitmap[w] & (^uint32(0) << (from & 31))
	for {
		if word != 0 {
			return w<<5 + bits.TrailingZeros32(word)
		}
		w++
		if w >= len(mg.bitmap) {
			return -1
		}
		word = mg.bitmap[w]
	}
}

// ============================================================================
// Free-list links
// ============================================================================

// A free block begins with two checksummed links: prev at +0, next at +8.
// Blocks are 16-byte aligned, so the low four bits of an address carry no
// information and are shifted out to make room for a 4-bit checksum on top.

func checksum4(v uint64) uint64 {
	var s uint64
	for v != 0 {
		s += v & 0xff
		v >>= 8
	}
	return s & 0xf
}

func (r *Rack) encode(p uintptr) uint64 {
	v := uint64(p) >> 4
	return v | checksum4(v^r.cookie)<<60
}

func (r *Rack) unpack(raw uint64) (uintptr, bool) {
	v := raw & (1<<60 - 1)
	return uintptr(v << 4), checksum4(v^r.cookie) == raw>>60
}

func (r *Rack) decode(raw uint64, at uintptr) uintptr {
	p, ok := r.unpack(raw)
	if !ok {
		r.fatal(badLink(r.geo.Class, at))
	}
	return p
}

func badLink(c format.Class, at uintptr) error {
	return fmt.Errorf("%s free list link at %#x: bad checksum: %w", c, at, types.ErrCorrupt)
}

func links(addr uintptr) *[2]uint64 {
	return (*[2]uint64)(unsafe.Pointer(addr))
}

func (r *Rack) slot(m uint32) int {
	return min(int(m)-1, r.geo.Slots-1)
}

func (r *Rack) push(mg *magazine, addr uintptr, m uint32) {
	s := r.slot(m)
	head := mg.heads[s]
	l := links(addr)
	l[0] = r.encode(0)
	l[1] = r.encode(head)
	if head != 0 {
		links(head)[0] = r.encode(addr)
	} else {
		mg.setSlot(s)
	}
	mg.heads[s] = addr
	mg.freeBlocks++
}

// unlink removes addr from its list after checking both neighbours point back
// at it.
func (r *Rack) unlink(mg *magazine, addr uintptr, m uint32) {
	s := r.slot(m)
	l := links(addr)
	prev := r.decode(l[0], addr)
	next := r.decode(l[1], addr)

	if prev == 0 {
		if mg.heads[s] != addr {
			r.fatal(fmt.Errorf("%s free block %#x (msize %d) is not the head of slot %d: %w",
				r.geo.Class, addr, m, s, types.ErrCorrupt))
		}
		mg.heads[s] = next
	} else {
		pl := links(prev)
		if r.decode(pl[1], prev) != addr {
			r.fatal(fmt.Errorf("%s free list broken between %#x and %#x: %w", r.geo.Class, prev, addr, types.ErrCorrupt))
		}
		pl[1] = r.encode(next)
	}
	if next != 0 {
		nl := links(next)
		if r.decode(nl[0], next) != addr {
			r.fatal(fmt.Errorf("%s free list broken between %#x and %#x: %w", r.geo.Class, addr, next, types.ErrCorrupt))
		}
		nl[0] = r.encode(prev)
	}
	if mg.heads[s] == 0 {
		mg.clearSlot(s)
	}
	mg.freeBlocks--
}

// pop takes a free block of at least m quanta. Exact slots are served from
// their head; the oversize slot is searched first fit.
func (r *Rack) pop(mg *magazine, m uint32) (uintptr, uint32, bool) {
	last := r.geo.Slots - 1
	for s := mg.findSlot(r.slot(m)); s >= 0; s = mg.findSlot(s + 1) {
		if s < last {
			addr := mg.heads[s]
			r.unlink(mg, addr, uint32(s+1))
			return addr, uint32(s + 1), true
		}
		for addr := mg.heads[s]; addr != 0; addr = r.decode(links(addr)[1], addr) {
			rg := r.regionOf(addr)
			got := r.meta.msize(rg, r.index(rg, addr))
			if got >= m {
				r.unlink(mg, addr, got)
				return addr, got, true
			}
		}
		return 0, 0, false
	}
	return 0, 0, false
}
