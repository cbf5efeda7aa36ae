package rack

import (
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/internal/vm"
)

// region is the base address of a mapped region. All of its bookkeeping lives
// inside the mapping, so a region value is just arithmetic over that address.
type region uintptr

func (r *Rack) trailer(rg region) *format.Trailer {
	return (*format.Trailer)(unsafe.Pointer(uintptr(rg) + r.geo.TrailerOff))
}

// blockAddr returns the address of quantum i.
func (r *Rack) blockAddr(rg region, i uint32) uintptr {
	return uintptr(rg) + uintptr(i)<<r.geo.Shift
}

// regionOf returns the region base a pointer would belong to.
func (r *Rack) regionOf(p uintptr) region {
	return region(p &^ (r.geo.RegionSize - 1))
}

// index returns the quantum index of p inside rg.
func (r *Rack) index(rg region, p uintptr) uint32 {
	return uint32((p - uintptr(rg)) >> r.geo.Shift)
}

func (r *Rack) owner(rg region) int32 {
	return atomic.LoadInt32(&r.trailer(rg).MagIndex)
}

func (r *Rack) setOwner(rg region, idx int32) {
	atomic.StoreInt32(&r.trailer(rg).MagIndex, idx)
}

func (r *Rack) bump(rg region) uint32 {
	return atomic.LoadUint32(&r.trailer(rg).Bump)
}

func (r *Rack) setBump(rg region, b uint32) {
	atomic.StoreUint32(&r.trailer(rg).Bump, b)
}

// newRegion maps and formats an empty region owned by magazine idx.
func (r *Rack) newRegion(idx int32) (region, error) {
	base, err := vm.Allocate(r.geo.RegionSize, r.geo.RegionSize)
	if err != nil {
		return 0, err
	}
	rg := region(base)
	t := r.trailer(rg)
	t.Class = r.geo.Class
	t.MagIndex = idx
	t.Base = uint64(base)
	r.meta.initRegion(rg)
	atomic.StoreUint32(&t.Magic, format.TrailerMagic)

	if err := r.table.insert(rg); err != nil {
		_ = vm.Deallocate(base, r.geo.RegionSize)
		return 0, err
	}
	r.numRegions.Add(1)
	r.log.Debug("region mapped", "class", r.geo.Class, "base", hexAddr(base), "magazine", idx)
	return rg, nil
}

// releaseRegion forgets and unmaps rg. The caller must have detached every
// free block of rg from its magazine and rg must hold no live blocks.
func (r *Rack) releaseRegion(rg region) {
	r.table.remove(rg)
	atomic.StoreUint32(&r.trailer(rg).Magic, 0)
	r.numRegions.Add(-1)
	if err := vm.Deallocate(uintptr(rg), r.geo.RegionSize); err != nil {
		r.log.Warn("region unmap failed", "class", r.geo.Class, "base", hexAddr(uintptr(rg)), "err", err)
		return
	}
	r.log.Debug("region unmapped", "class", r.geo.Class, "base", hexAddr(uintptr(rg)))
}
