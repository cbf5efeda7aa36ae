package rack

import (
	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/pkg/types"
)

// TryGrow extends the block at p to hold size bytes without moving it, by
// absorbing the free block after it or, in the carving region, untouched
// quanta. It reports whether the block now holds size bytes.
func (r *Rack) TryGrow(p, size uintptr) bool {
	rg := r.regionOf(p)
	if !r.table.contains(rg) {
		return false
	}
	want := r.geo.Msize(size)
	if want > r.geo.MaxMsize {
		return false
	}

	mg := r.lockOwner(rg)
	defer mg.mu.Unlock()

	i, err := r.validate(rg, p)
	if err != nil {
		return false
	}
	m := r.meta.msize(rg, i)
	if want <= m {
		return true
	}
	need := want - m
	next := i + m
	bump := r.bump(rg)

	if next < bump {
		st, free := r.meta.state(rg, next)
		if !st || !free {
			return false
		}
		nm := r.meta.msize(rg, next)
		if nm < need {
			return false
		}
		r.unlink(mg, r.blockAddr(rg, next), nm)
		r.meta.absorb(rg, next, nm)
		r.meta.setInUse(rg, i, want)
		if nm > need {
			r.meta.setFree(rg, i+want, nm-need)
			r.push(mg, r.blockAddr(rg, i+want), nm-need)
		}
		r.resize(mg, rg, m, want)
		return true
	}

	if next == bump && rg == mg.last && bump+need <= r.geo.NumBlocks {
		r.meta.setInUse(rg, i, want)
		r.setBump(rg, bump+need)
		r.resize(mg, rg, m, want)
		return true
	}
	return false
}

// Shrink trims the block at p to size bytes in place and frees the tail.
func (r *Rack) Shrink(p, size uintptr) {
	rg := r.regionOf(p)
	if !r.table.contains(rg) {
		return
	}
	want := r.geo.Msize(size)

	mg := r.lockOwner(rg)
	defer mg.mu.Unlock()

	i, err := r.validate(rg, p)
	if err != nil {
		return
	}
	m := r.meta.msize(rg, i)
	if want >= m {
		return
	}
	r.split(mg, rg, i, m, want)
}

// split keeps [i, i+keep) of the live block [i, i+m) and frees the rest.
func (r *Rack) split(mg *magazine, rg region, i, m, keep uint32) {
	r.meta.setInUse(rg, i, keep)
	r.meta.setInUse(rg, i+keep, m-keep)
	r.resize(mg, rg, m, keep)
	r.release(mg, rg, i+keep, m-keep)
}

// Memalign returns a block of at least size bytes whose address is a multiple
// of align. The block is carved from an oversized allocation with the
// leading and trailing remainders freed.
func (r *Rack) Memalign(align, size uintptr) (uintptr, error) {
	if !format.IsPowerOfTwo(align) {
		return 0, types.ErrInvalidAlignment
	}
	want := r.geo.Msize(size)
	if align <= r.geo.Quantum {
		return r.Malloc(size, false)
	}
	span := r.geo.Msize(uintptr(want)<<r.geo.Shift + align - r.geo.Quantum)
	if span > r.geo.MaxMsize {
		return 0, types.ErrInvalidAlignment
	}

	mg := r.magazine()
	mg.mu.Lock()
	defer mg.mu.Unlock()

	p, err := r.allocLocked(mg, span)
	if err != nil {
		return 0, err
	}
	rg := r.regionOf(p)
	i := r.index(rg, p)
	aligned := format.AlignUp(p, align)
	lead := uint32((aligned - p) >> r.geo.Shift)

	// From here the block may change owner through recirculation, but it
	// stays live, so the locked magazine is whichever now owns rg.
	if lead > 0 {
		r.meta.setInUse(rg, i, lead)
		r.meta.setInUse(rg, i+lead, span-lead)
		r.trailer(rg).Objects++
		mg.objects++
		r.account(mg, rg, lead, false)
		r.release(mg, rg, i, lead)
	}
	if have := span - lead; have > want {
		owner := r.mag(r.owner(rg))
		if owner != mg {
			owner.mu.Lock()
			defer owner.mu.Unlock()
		}
		r.split(owner, rg, i+lead, have, want)
	}
	return aligned, nil
}
