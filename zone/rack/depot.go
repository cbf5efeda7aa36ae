package rack

import (
	"slices"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/internal/vm"
)

// Free blocks inside depot regions have their interior pages advised away.
// The link words, the tiny size word and the tiny tail size are kept.
const (
	adviseHead = 32
	adviseTail = 16
)

// maybeRecirculate parks rg in the depot once its occupancy drops below the
// density threshold. The carving region and a magazine's only region stay.
// mg is locked.
func (r *Rack) maybeRecirculate(mg *magazine, rg region) {
	if rg == mg.last || mg.regions <= 1 {
		return
	}
	if r.trailer(rg).BytesUsed >= format.DensityThreshold(r.geo.Payload()) {
		return
	}
	r.moveToDepot(mg, rg)
}

// moveToDepot hands rg and all of its free blocks from mg to the depot. mg is
// locked; the depot lock is taken here, after it.
func (r *Rack) moveToDepot(mg *magazine, rg region) {
	if rg == mg.last {
		r.retireCarving(mg)
	}
	d := r.depot
	d.mu.Lock()
	r.transfer(mg, d, rg)
	d.parked = append(d.parked, rg)
	r.log.Debug("region recirculated", "class", r.geo.Class, "base", hexAddr(uintptr(rg)),
		"from", mg.index, "bytes_used", r.trailer(rg).BytesUsed, "depot_regions", d.regions)
	r.maybeReleaseParked(rg)
	d.mu.Unlock()
}

// adoptFromDepot moves the oldest depot region with free space into mg.
// mg is locked.
func (r *Rack) adoptFromDepot(mg *magazine) bool {
	d := r.depot
	d.mu.Lock()
	defer d.mu.Unlock()

	payload := r.geo.Payload()
	for k, rg := range d.parked {
		if r.trailer(rg).BytesUsed >= payload {
			continue
		}
		d.parked = slices.Delete(d.parked, k, k+1)
		r.transfer(d, mg, rg)
		r.log.Debug("region adopted", "class", r.geo.Class, "base", hexAddr(uintptr(rg)), "to", mg.index)
		return true
	}
	return false
}

// transfer re-homes rg from src to dst: every free block is unlinked from
// src's lists and linked into dst's, the counters follow, and the owner index
// flips. Both magazines are locked.
func (r *Rack) transfer(src, dst *magazine, rg region) {
	bump := r.bump(rg)
	for i := uint32(0); i < bump; {
		_, free := r.meta.state(rg, i)
		m := r.meta.msize(rg, i)
		if m == 0 {
			r.fatal(corruptBlock(r.geo.Class, r.blockAddr(rg, i)))
		}
		if free {
			a := r.blockAddr(rg, i)
			r.unlink(src, a, m)
			r.push(dst, a, m)
		}
		i += m
	}
	t := r.trailer(rg)
	src.regions--
	src.objects -= uint64(t.Objects)
	src.bytes -= t.BytesUsed
	dst.regions++
	dst.objects += uint64(t.Objects)
	dst.bytes += t.BytesUsed
	r.setOwner(rg, dst.index)
}

// maybeReleaseParked unmaps a parked region once it is empty, as long as the
// depot keeps more than the retained floor. The depot is locked.
func (r *Rack) maybeReleaseParked(rg region) bool {
	d := r.depot
	if r.trailer(rg).BytesUsed != 0 || len(d.parked) <= r.retained {
		return false
	}
	k := slices.Index(d.parked, rg)
	if k < 0 {
		return false
	}
	d.parked = slices.Delete(d.parked, k, k+1)

	// An empty region is a single free block.
	for i := uint32(0); i < r.bump(rg); {
		m := r.meta.msize(rg, i)
		r.unlink(d, r.blockAddr(rg, i), m)
		i += m
	}
	d.regions--
	r.releaseRegion(rg)
	return true
}

// adviseBlock drops the pages inside free block [i, i+m) of a depot region.
func (r *Rack) adviseBlock(rg region, i, m uint32) uintptr {
	size := uintptr(m) << r.geo.Shift
	if size <= adviseHead+adviseTail {
		return 0
	}
	a := r.blockAddr(rg, i)
	n, err := vm.Advise(a+adviseHead, size-adviseHead-adviseTail)
	if err != nil {
		r.log.Warn("madvise failed", "class", r.geo.Class, "addr", hexAddr(a), "err", err)
	}
	return n
}

// adviseRegion advises every free block in rg. The depot is locked.
func (r *Rack) adviseRegion(rg region) uintptr {
	var total uintptr
	for i, bump := uint32(0), r.bump(rg); i < bump; {
		_, free := r.meta.state(rg, i)
		m := r.meta.msize(rg, i)
		if m == 0 {
			break
		}
		if free {
			total += r.adviseBlock(rg, i, m)
		}
		i += m
	}
	return total
}

// PressureRelief parks every magazine region in the depot, advises the free
// pages of depot regions, and unmaps empty regions beyond the retained floor.
// It stops early once goal bytes have been reclaimed; a zero goal means no
// limit. Returns the bytes reclaimed.
func (r *Rack) PressureRelief(goal uintptr) uintptr {
	var total uintptr
	done := func() bool { return goal != 0 && total >= goal }

	for k := 0; k < r.n && !done(); k++ {
		mg := &r.mags[k]
		mg.mu.Lock()
		var owned []region
		r.table.each(func(rg region) bool {
			if r.owner(rg) == mg.index {
				owned = append(owned, rg)
			}
			return true
		})
		for _, rg := range owned {
			before := r.numRegions.Load()
			r.moveToDepot(mg, rg)
			if r.numRegions.Load() < before {
				total += r.geo.RegionSize
			}
		}
		mg.mu.Unlock()
	}

	d := r.depot
	d.mu.Lock()
	for _, rg := range slices.Clone(d.parked) {
		if done() {
			break
		}
		if r.maybeReleaseParked(rg) {
			total += r.geo.RegionSize
			continue
		}
		total += r.adviseRegion(rg)
	}
	d.mu.Unlock()

	if total > 0 {
		r.log.Debug("pressure relief", "class", r.geo.Class, "goal", goal, "reclaimed", total)
	}
	return total
}
