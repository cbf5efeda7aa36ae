package rack

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/internal/logger"
	"github.com/joshuapare/magzone/internal/vm"
	"github.com/joshuapare/magzone/pkg/types"
)

// DepotIndex is the owner index reported for regions parked in the depot.
const DepotIndex = format.DepotIndex

// Config configures a Rack.
type Config struct {
	// Geometry selects the size class.
	Geometry format.Geometry

	// Magazines is the number of magazines, not counting the depot.
	// Clamped to [1, format.MaxMagazines].
	Magazines int

	// RetainedRegions is the number of empty regions the depot keeps mapped.
	RetainedRegions int

	// Cookie salts free-list checksums.
	Cookie uint64

	// Table, when set, receives the address and capacity of the region
	// table every time it grows.
	Table *format.TableRef

	// Logger defaults to the process logger.
	Logger *slog.Logger

	// Report receives heap corruption. It is expected not to return; if it
	// does, operations that cannot continue safely panic.
	Report func(error)
}

// Rack is the tiny or small allocator: a set of magazines sharing one size
// class, one region table and one depot.
type Rack struct {
	geo      format.Geometry
	meta     blockMeta
	mags     []magazine // last entry is the depot
	depot    *magazine
	n        int
	table    regionTable
	cookie   uint64
	retained int

	numRegions atomic.Int64
	hints      sync.Pool
	nextHint   atomic.Uint32

	log    *slog.Logger
	report func(error)
}

// New creates an empty rack. No memory is mapped until the first allocation.
func New(cfg Config) *Rack {
	n := min(max(cfg.Magazines, 1), format.MaxMagazines)
	r := &Rack{
		geo:      cfg.Geometry,
		mags:     make([]magazine, n+1),
		n:        n,
		cookie:   cfg.Cookie,
		retained: cfg.RetainedRegions,
		log:      cfg.Logger,
		report:   cfg.Report,
	}
	if cfg.Geometry.Class == format.ClassTiny {
		r.meta = tinyMeta{}
	} else {
		r.meta = smallMeta{}
	}
	for i := range r.mags {
		r.mags[i].index = int32(i)
	}
	r.depot = &r.mags[n]
	r.depot.index = DepotIndex
	r.table.shift = cfg.Geometry.RegionShift
	r.table.ref = cfg.Table
	if r.log == nil {
		r.log = logger.L()
	}
	if r.report == nil {
		r.report = func(err error) { panic(err) }
	}
	return r
}

// Geometry returns the rack's size class geometry.
func (r *Rack) Geometry() format.Geometry { return r.geo }

// fatal reports corruption found mid-operation, where returning is unsafe.
func (r *Rack) fatal(err error) {
	r.report(err)
	panic(err)
}

type hint struct{ idx int }

// magazine picks the caller's magazine. sync.Pool keeps a per-P cache, so a
// goroutine tends to get the same index back while it stays on one P.
func (r *Rack) magazine() *magazine {
	h, _ := r.hints.Get().(*hint)
	if h == nil {
		h = &hint{idx: int(r.nextHint.Add(1)-1) % r.n}
	}
	mg := &r.mags[h.idx]
	r.hints.Put(h)
	return mg
}

func (r *Rack) mag(idx int32) *magazine {
	if idx < 0 {
		return r.depot
	}
	return &r.mags[idx]
}

// lockOwner locks the magazine that owns rg. Ownership can change while
// waiting for the lock, so it is rechecked once the lock is held.
func (r *Rack) lockOwner(rg region) *magazine {
	for {
		idx := r.owner(rg)
		mg := r.mag(idx)
		mg.mu.Lock()
		if r.owner(rg) == idx {
			return mg
		}
		mg.mu.Unlock()
	}
}

// ============================================================================
// Allocation
// ============================================================================

// Malloc returns a block of at least size bytes. size must not exceed the
// class's largest block.
func (r *Rack) Malloc(size uintptr, clear bool) (uintptr, error) {
	m := r.geo.Msize(size)
	mg := r.magazine()
	mg.mu.Lock()
	p, err := r.allocLocked(mg, m)
	mg.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if clear {
		vm.Zero(p, uintptr(m)<<r.geo.Shift)
	}
	return p, nil
}

func (r *Rack) allocLocked(mg *magazine, m uint32) (uintptr, error) {
	if p, ok := r.fromFreeList(mg, m); ok {
		return p, nil
	}
	if p, ok := r.fromBump(mg, m); ok {
		return p, nil
	}
	if r.adoptFromDepot(mg) {
		if p, ok := r.fromFreeList(mg, m); ok {
			return p, nil
		}
	}
	rg, err := r.newRegion(mg.index)
	if err != nil {
		return 0, types.ErrNoMemory.With(err)
	}
	r.retireCarving(mg)
	mg.last = rg
	mg.regions++
	p, _ := r.fromBump(mg, m)
	return p, nil
}

func (r *Rack) fromFreeList(mg *magazine, m uint32) (uintptr, bool) {
	addr, got, ok := r.pop(mg, m)
	if !ok {
		return 0, false
	}
	rg := r.regionOf(addr)
	i := r.index(rg, addr)
	r.meta.setInUse(rg, i, m)
	if got > m {
		r.meta.setFree(rg, i+m, got-m)
		r.push(mg, r.blockAddr(rg, i+m), got-m)
	}
	r.account(mg, rg, m, true)
	return addr, true
}

func (r *Rack) fromBump(mg *magazine, m uint32) (uintptr, bool) {
	rg := mg.last
	if rg == 0 {
		return 0, false
	}
	b := r.bump(rg)
	if b+m > r.geo.NumBlocks {
		return 0, false
	}
	r.meta.setInUse(rg, b, m)
	r.setBump(rg, b+m)
	r.account(mg, rg, m, true)
	return r.blockAddr(rg, b), true
}

// retireCarving turns the untouched tail of the magazine's carving region
// into an ordinary free block, merging it with a free block just before it.
func (r *Rack) retireCarving(mg *magazine) {
	rg := mg.last
	if rg == 0 {
		return
	}
	mg.last = 0
	b := r.bump(rg)
	n := r.geo.NumBlocks
	if b >= n {
		return
	}
	start := b
	if p, ok := r.meta.prevFree(rg, b); ok {
		start = b - p
		r.unlink(mg, r.blockAddr(rg, start), p)
		r.meta.absorb(rg, start, p)
	}
	r.setBump(rg, n)
	r.meta.setFree(rg, start, n-start)
	r.push(mg, r.blockAddr(rg, start), n-start)
}

func (r *Rack) account(mg *magazine, rg region, m uint32, alloc bool) {
	b := uint64(m) << r.geo.Shift
	t := r.trailer(rg)
	if alloc {
		t.BytesUsed += b
		t.Objects++
		mg.bytes += b
		mg.objects++
		return
	}
	t.BytesUsed -= b
	t.Objects--
	mg.bytes -= b
	mg.objects--
}

// resize adjusts byte counters for a block that changed size in place.
func (r *Rack) resize(mg *magazine, rg region, from, to uint32) {
	t := r.trailer(rg)
	if to > from {
		d := uint64(to-from) << r.geo.Shift
		t.BytesUsed += d
		mg.bytes += d
		return
	}
	d := uint64(from-to) << r.geo.Shift
	t.BytesUsed -= d
	mg.bytes -= d
}

// ============================================================================
// Free
// ============================================================================

// Free releases p. It reports false when p is not inside one of this rack's
// regions, so the caller can try another allocator.
func (r *Rack) Free(p uintptr) bool {
	rg := r.regionOf(p)
	if !r.table.contains(rg) {
		return false
	}
	mg := r.lockOwner(rg)
	err := r.freeLocked(mg, rg, p)
	mg.mu.Unlock()
	if err != nil {
		r.report(err)
	}
	return true
}

// validate checks that p names the start of a live block in rg.
func (r *Rack) validate(rg region, p uintptr) (uint32, error) {
	off := p - uintptr(rg)
	if off&(r.geo.Quantum-1) != 0 || off >= r.geo.TrailerOff {
		return 0, fmt.Errorf("%s pointer %#x: %w", r.geo.Class, p, types.ErrNotOwned)
	}
	i := uint32(off >> r.geo.Shift)
	if i >= r.bump(rg) {
		return 0, fmt.Errorf("%s pointer %#x: %w", r.geo.Class, p, types.ErrNotOwned)
	}
	start, free := r.meta.state(rg, i)
	switch {
	case !start:
		return 0, fmt.Errorf("%s pointer %#x: %w", r.geo.Class, p, types.ErrNotOwned)
	case free:
		return 0, fmt.Errorf("%s pointer %#x: %w", r.geo.Class, p, types.ErrDoubleFree)
	}
	return i, nil
}

func (r *Rack) freeLocked(mg *magazine, rg region, p uintptr) error {
	i, err := r.validate(rg, p)
	if err != nil {
		return err
	}
	m := r.meta.msize(rg, i)
	r.account(mg, rg, m, false)
	r.release(mg, rg, i, m)
	return nil
}

// release returns quanta [i, i+m) to mg's free lists, coalescing with free
// neighbours, then applies the recirculation policy to rg. The range must
// already be marked as an in-use block and uncounted.
func (r *Rack) release(mg *magazine, rg region, i, m uint32) {
	start, size := i, m
	if p, ok := r.meta.prevFree(rg, i); ok {
		start = i - p
		r.unlink(mg, r.blockAddr(rg, start), p)
		r.meta.absorb(rg, start, p)
		r.meta.absorb(rg, i, m)
		size += p
	}
	if next := i + m; next < r.bump(rg) {
		if st, free := r.meta.state(rg, next); st && free {
			nm := r.meta.msize(rg, next)
			r.unlink(mg, r.blockAddr(rg, next), nm)
			r.meta.absorb(rg, next, nm)
			size += nm
		}
	}
	r.meta.setFree(rg, start, size)
	r.push(mg, r.blockAddr(rg, start), size)

	if mg == r.depot {
		r.adviseBlock(rg, start, size)
		r.maybeReleaseParked(rg)
		return
	}
	r.maybeRecirculate(mg, rg)
}

// ============================================================================
// Queries
// ============================================================================

// Owns reports whether p falls inside the block area of one of this rack's
// regions. It does not check that p is a live block.
func (r *Rack) Owns(p uintptr) bool {
	rg := r.regionOf(p)
	return p-uintptr(rg) < r.geo.TrailerOff && r.table.contains(rg)
}

// Size returns the usable size of the live block at p, or 0.
func (r *Rack) Size(p uintptr) uintptr {
	rg := r.regionOf(p)
	if !r.table.contains(rg) {
		return 0
	}
	mg := r.lockOwner(rg)
	defer mg.mu.Unlock()
	i, err := r.validate(rg, p)
	if err != nil {
		return 0
	}
	return uintptr(r.meta.msize(rg, i)) << r.geo.Shift
}

// Owner returns the index of the magazine owning the region containing p, or
// DepotIndex. ok is false when p is not in this rack.
func (r *Rack) Owner(p uintptr) (int, bool) {
	rg := r.regionOf(p)
	if !r.table.contains(rg) {
		return 0, false
	}
	return int(r.owner(rg)), true
}

// Magazines returns the number of magazines, not counting the depot.
func (r *Rack) Magazines() int { return r.n }

// Statistics sums the counters of every magazine and the depot.
func (r *Rack) Statistics() types.RackStats {
	var st types.RackStats
	var virgin uint64
	for i := range r.mags {
		mg := &r.mags[i]
		mg.mu.Lock()
		st.BlocksInUse += mg.objects
		st.BytesInUse += mg.bytes
		st.FreeBlocks += mg.freeBlocks
		if mg == r.depot {
			st.DepotRegions = mg.regions
		}
		if mg.last != 0 {
			virgin += uint64(r.geo.NumBlocks-r.bump(mg.last)) << r.geo.Shift
		}
		mg.mu.Unlock()
	}
	regions := r.numRegions.Load()
	st.Regions = int(regions)
	st.Magazines = r.n
	st.BytesAllocated = uint64(regions) * uint64(r.geo.RegionSize)
	st.MaxBytesInUse = st.BytesAllocated - virgin
	return st
}

// Destroy unmaps every region and table generation. The rack must not be used
// afterwards.
func (r *Rack) Destroy() error {
	var errs []error
	r.table.each(func(rg region) bool {
		if err := vm.Deallocate(uintptr(rg), r.geo.RegionSize); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	errs = append(errs, r.table.destroy())
	r.numRegions.Store(0)
	for i := range r.mags {
		mg := &r.mags[i]
		*mg = magazine{index: mg.index}
	}
	return errors.Join(errs...)
}

type addr uintptr

func (a addr) LogValue() slog.Value { return slog.StringValue(fmt.Sprintf("%#x", uintptr(a))) }

func hexAddr(p uintptr) slog.LogValuer { return addr(p) }
