package rack

import (
	"fmt"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/pkg/types"
)

func corruptBlock(c format.Class, a uintptr) error {
	return fmt.Errorf("%s block at %#x has zero size: %w", c, a, types.ErrCorrupt)
}

func corruptf(c format.Class, msg string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", c, fmt.Sprintf(msg, args...), types.ErrCorrupt)
}

// regionTally is what a tiling walk of one region found.
type regionTally struct {
	objects uint64
	bytes   uint64
	free    uint64
}

// Check verifies every region and free list of the rack. All magazines are
// locked for the duration, depot last. It returns the first inconsistency
// found, wrapped in types.ErrCorrupt.
func (r *Rack) Check() error {
	for i := range r.mags {
		r.mags[i].mu.Lock()
	}
	defer func() {
		for i := range r.mags {
			r.mags[i].mu.Unlock()
		}
	}()

	sums := make(map[int32]*regionTally, len(r.mags))
	for i := range r.mags {
		sums[r.mags[i].index] = &regionTally{}
	}
	regions := make(map[int32]int, len(r.mags))

	var err error
	r.table.each(func(rg region) bool {
		var t regionTally
		if t, err = r.checkRegion(rg); err != nil {
			return false
		}
		idx := r.owner(rg)
		sum, ok := sums[idx]
		if !ok {
			err = corruptf(r.geo.Class, "region %#x owned by unknown magazine %d", uintptr(rg), idx)
			return false
		}
		sum.objects += t.objects
		sum.bytes += t.bytes
		sum.free += t.free
		regions[idx]++
		return true
	})
	if err != nil {
		return err
	}

	for i := range r.mags {
		mg := &r.mags[i]
		sum := sums[mg.index]
		switch {
		case sum.objects != mg.objects:
			return corruptf(r.geo.Class, "magazine %d counts %d objects, regions hold %d", mg.index, mg.objects, sum.objects)
		case sum.bytes != mg.bytes:
			return corruptf(r.geo.Class, "magazine %d counts %d bytes, regions hold %d", mg.index, mg.bytes, sum.bytes)
		case regions[mg.index] != mg.regions:
			return corruptf(r.geo.Class, "magazine %d counts %d regions, table has %d", mg.index, mg.regions, regions[mg.index])
		}
		n, err := r.checkLists(mg)
		if err != nil {
			return err
		}
		if n != sum.free || n != mg.freeBlocks {
			return corruptf(r.geo.Class, "magazine %d lists %d free blocks, counter %d, regions hold %d",
				mg.index, n, mg.freeBlocks, sum.free)
		}
	}
	if len(r.depot.parked) != r.depot.regions {
		return corruptf(r.geo.Class, "depot parks %d regions but counts %d", len(r.depot.parked), r.depot.regions)
	}
	return nil
}

// checkRegion walks the block tiling of rg up to its bump index.
func (r *Rack) checkRegion(rg region) (regionTally, error) {
	var t regionTally
	tr := r.trailer(rg)
	if tr.Magic != format.TrailerMagic || tr.Class != r.geo.Class || tr.Base != uint64(rg) {
		return t, corruptf(r.geo.Class, "region %#x has a bad trailer", uintptr(rg))
	}
	bump := r.bump(rg)
	if bump > r.geo.NumBlocks {
		return t, corruptf(r.geo.Class, "region %#x bump %d past %d blocks", uintptr(rg), bump, r.geo.NumBlocks)
	}
	prevFree := false
	for i := uint32(0); i < bump; {
		start, free := r.meta.state(rg, i)
		if !start {
			return t, corruptf(r.geo.Class, "region %#x: quantum %d does not start a block", uintptr(rg), i)
		}
		m := r.meta.msize(rg, i)
		if m == 0 {
			return t, corruptBlock(r.geo.Class, r.blockAddr(rg, i))
		}
		if i+m > bump {
			return t, corruptf(r.geo.Class, "region %#x: block %d (msize %d) runs past bump %d", uintptr(rg), i, m, bump)
		}
		if free {
			if prevFree {
				return t, corruptf(r.geo.Class, "region %#x: adjacent free blocks at %d", uintptr(rg), i)
			}
			t.free++
		} else {
			t.objects++
			t.bytes += uint64(m) << r.geo.Shift
		}
		prevFree = free
		i += m
	}
	if t.objects != uint64(tr.Objects) || t.bytes != tr.BytesUsed {
		return t, corruptf(r.geo.Class, "region %#x trailer counts %d objects/%d bytes, blocks hold %d/%d",
			uintptr(rg), tr.Objects, tr.BytesUsed, t.objects, t.bytes)
	}
	return t, nil
}

// checkLists walks every free list of mg and returns the number of blocks.
func (r *Rack) checkLists(mg *magazine) (uint64, error) {
	var n uint64
	for s := range r.geo.Slots {
		occupied := mg.bitmap[s>>5]&(1<<(s&31)) != 0
		if occupied != (mg.heads[s] != 0) {
			return 0, corruptf(r.geo.Class, "magazine %d slot %d bitmap disagrees with head", mg.index, s)
		}
		var prev uintptr
		for a := mg.heads[s]; a != 0; {
			rg := r.regionOf(a)
			if !r.table.contains(rg) || r.owner(rg) != mg.index {
				return 0, corruptf(r.geo.Class, "magazine %d slot %d: block %#x is not in one of its regions", mg.index, s, a)
			}
			i := r.index(rg, a)
			if start, free := r.meta.state(rg, i); !start || !free {
				return 0, corruptf(r.geo.Class, "magazine %d slot %d: block %#x is not free", mg.index, s, a)
			}
			if got := r.slot(r.meta.msize(rg, i)); got != s {
				return 0, corruptf(r.geo.Class, "magazine %d slot %d: block %#x belongs in slot %d", mg.index, s, a, got)
			}
			l := links(a)
			back, ok := r.unpack(l[0])
			if !ok {
				return 0, badLink(r.geo.Class, a)
			}
			if back != prev {
				return 0, corruptf(r.geo.Class, "block %#x links back to %#x, expected %#x", a, back, prev)
			}
			next, ok := r.unpack(l[1])
			if !ok {
				return 0, badLink(r.geo.Class, a)
			}
			n++
			if n > uint64(r.numRegions.Load())*uint64(r.geo.NumBlocks) {
				return 0, corruptf(r.geo.Class, "magazine %d slot %d: list cycles", mg.index, s)
			}
			prev, a = a, next
		}
	}
	return n, nil
}
