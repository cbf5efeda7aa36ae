package large

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

// Config configures an Allocator.
type Config struct {
	// Descriptor receives the entry table location and holds the death-row
	// ring. A private descriptor is used when nil.
	Descriptor *format.Descriptor

	// CacheEnabled parks freed blocks on death row.
	CacheEnabled bool

	// CacheLimit bounds the bytes parked on death row. Zero selects
	// format.LargeCacheSizeLimit. A single block larger than CacheLimit/16 is
	// never parked.
	CacheLimit uint64

	Logger *slog.Logger

	// Report receives double frees and corruption.
	Report func(error)
}

// Allocator hands out page-granular blocks, each its own mapping.
type Allocator struct {
	mu         sync.Mutex
	table      entryTable
	row        deathRow
	cache      bool
	limit      uint64
	entryLimit uint64

	objects uint64
	bytes   uint64
	maxUsed uint64
	hits    uint64
	misses  uint64
	flotsam bool

	log    *slog.Logger
	report func(error)
}

// New creates an empty large allocator.
func New(cfg Config) *Allocator {
	d := cfg.Descriptor
	if d == nil {
		d = new(format.Descriptor)
	}
	limit := cfg.CacheLimit
	if limit == 0 {
		limit = format.LargeCacheSizeLimit
	}
	a := &Allocator{
		table:      entryTable{shift: vm.PageShift(), ref: &d.Large},
		row:        deathRow{d: d},
		cache:      cfg.CacheEnabled,
		limit:      limit,
		entryLimit: limit / format.LargeEntryCacheSize,
		log:        cfg.Logger,
		report:     cfg.Report,
	}
	if a.log == nil {
		a.log = logger.L()
	}
	if a.report == nil {
		a.report = func(err error) { panic(err) }
	}
	return a
}

// Malloc returns a block of at least size bytes, rounded up to whole pages,
// aligned to align (zero means page aligned). clear zeroes the block.
func (a *Allocator) Malloc(size, align uintptr, clear bool) (uintptr, error) {
	size = max(vm.RoundPage(size), vm.PageSize())
	if align <= vm.PageSize() {
		align = 0
	}

	if a.cache && uint64(size) <= a.entryLimit {
		if p, ok, err := a.fromCache(size, align, clear); ok || err != nil {
			return p, err
		}
	}

	p, err := vm.Allocate(size, align)
	if err != nil {
		return 0, types.ErrNoMemory.With(err)
	}
	a.mu.Lock()
	err = a.table.insert(p, size)
	if err == nil {
		a.account(size, true)
	}
	a.mu.Unlock()
	if err != nil {
		_ = vm.Deallocate(p, size)
		return 0, types.ErrNoMemory.With(err)
	}
	return p, nil
}

func (a *Allocator) fromCache(size, align uintptr, clear bool) (uintptr, bool, error) {
	a.mu.Lock()
	e, ok := a.row.bestFit(size, align)
	if !ok {
		a.misses++
		a.mu.Unlock()
		return 0, false, nil
	}
	p, n := uintptr(e.Addr), uintptr(e.Size)
	if err := a.table.insert(p, n); err != nil {
		a.row.push(e)
		a.mu.Unlock()
		return 0, false, types.ErrNoMemory.With(err)
	}
	a.hits++
	a.account(n, true)
	if a.flotsam && a.row.bytes() < format.FlotsamThresholdLow {
		a.flotsam = false
	}
	a.mu.Unlock()

	if clear {
		vm.Zero(p, size)
	}
	return p, true, nil
}

func (a *Allocator) account(size uintptr, alloc bool) {
	if alloc {
		a.objects++
		a.bytes += uint64(size)
		a.maxUsed = max(a.maxUsed, a.bytes)
		return
	}
	a.objects--
	a.bytes -= uint64(size)
}

// Free releases the block at p. It reports false when p is neither a live
// large block nor a parked one.
func (a *Allocator) Free(p uintptr) bool {
	a.mu.Lock()
	e := a.table.find(p)
	if e == nil {
		parked := a.row.index(p) >= 0
		a.mu.Unlock()
		if parked {
			a.report(fmt.Errorf("large pointer %#x already on death row: %w", p, types.ErrDoubleFree))
		}
		return parked
	}
	size := uintptr(e.Size)
	a.table.remove(e)
	a.account(size, false)
	release := a.park(p, size)
	a.mu.Unlock()

	a.unmap(release)
	return true
}

// park puts [p, p+size) on death row if it qualifies and returns whatever
// must be unmapped as a result: the block itself, or evicted entries.
func (a *Allocator) park(p, size uintptr) []format.Entry {
	e := format.Entry{Addr: uint64(p), Size: uint64(size)}
	if !a.cache || e.Size > a.entryLimit {
		return []format.Entry{e}
	}
	var evicted []format.Entry
	if a.row.full() {
		evicted = append(evicted, a.row.popOldest())
	}
	a.row.push(e)
	for a.row.bytes() > a.limit && a.row.len() > 1 {
		evicted = append(evicted, a.row.popOldest())
	}
	if a.row.bytes() > format.FlotsamThresholdHigh {
		a.flotsam = true
	}
	return evicted
}

func (a *Allocator) unmap(entries []format.Entry) {
	for _, e := range entries {
		if err := vm.Deallocate(uintptr(e.Addr), uintptr(e.Size)); err != nil {
			a.log.Warn("large unmap failed", "addr", e.Addr, "size", e.Size, "err", err)
		}
	}
	if len(entries) > 0 {
		a.log.Debug("large blocks unmapped", "count", len(entries))
	}
}

// Size returns the size of the live block at p, or 0.
func (a *Allocator) Size(p uintptr) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e := a.table.find(p); e != nil {
		return uintptr(e.Size)
	}
	return 0
}

// Owns reports whether p is the start of a live large block.
func (a *Allocator) Owns(p uintptr) bool {
	return a.Size(p) != 0
}

// Claimed reports whether p points anywhere inside a live large block.
func (a *Allocator) Claimed(p uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.table.containing(p) != nil
}

// TryGrow extends the block at p to size bytes by mapping the pages right
// after it. It reports whether the block now holds size bytes.
func (a *Allocator) TryGrow(p, size uintptr) bool {
	size = vm.RoundPage(size)
	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.table.find(p)
	if e == nil {
		return false
	}
	cur := uintptr(e.Size)
	if size <= cur {
		return true
	}
	if !vm.Extend(p+cur, size-cur) {
		return false
	}
	atomic.StoreUint64(&e.Size, uint64(size))
	a.bytes += uint64(size - cur)
	a.maxUsed = max(a.maxUsed, a.bytes)
	return true
}

// Shrink trims the block at p to size bytes, parking or unmapping the tail.
func (a *Allocator) Shrink(p, size uintptr) {
	size = max(vm.RoundPage(size), vm.PageSize())
	a.mu.Lock()
	e := a.table.find(p)
	if e == nil || size >= uintptr(e.Size) {
		a.mu.Unlock()
		return
	}
	tail := uintptr(e.Size) - size
	atomic.StoreUint64(&e.Size, uint64(size))
	a.bytes -= uint64(tail)
	release := a.park(p+size, tail)
	a.mu.Unlock()

	a.unmap(release)
}

// MemoryPressure drains death row once it holds more than
// format.FlotsamThresholdHigh, oldest first, until it is under
// format.FlotsamThresholdLow. Returns the bytes unmapped.
func (a *Allocator) MemoryPressure() uintptr {
	a.mu.Lock()
	if a.row.bytes() <= format.FlotsamThresholdHigh {
		a.mu.Unlock()
		return 0
	}
	var evicted []format.Entry
	for a.row.len() > 0 && a.row.bytes() >= format.FlotsamThresholdLow {
		evicted = append(evicted, a.row.popOldest())
	}
	a.flotsam = false
	a.mu.Unlock()

	a.unmap(evicted)
	return total(evicted)
}

// Drain unmaps parked blocks, oldest first, until goal bytes are released or
// death row is empty. A zero goal drains everything.
func (a *Allocator) Drain(goal uintptr) uintptr {
	a.mu.Lock()
	var evicted []format.Entry
	for a.row.len() > 0 && (goal == 0 || total(evicted) < goal) {
		evicted = append(evicted, a.row.popOldest())
	}
	if a.row.bytes() < format.FlotsamThresholdLow {
		a.flotsam = false
	}
	a.mu.Unlock()

	a.unmap(evicted)
	return total(evicted)
}

func total(entries []format.Entry) uintptr {
	var n uintptr
	for _, e := range entries {
		n += uintptr(e.Size)
	}
	return n
}

// Statistics returns a snapshot of the allocator's counters.
func (a *Allocator) Statistics() types.LargeStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return types.LargeStats{
		Statistics: types.Statistics{
			BlocksInUse:    a.objects,
			BytesInUse:     a.bytes,
			MaxBytesInUse:  a.maxUsed,
			BytesAllocated: a.bytes + a.row.bytes(),
		},
		CachedEntries: a.row.len(),
		CachedBytes:   a.row.bytes(),
		CacheHits:     a.hits,
		CacheMisses:   a.misses,
		Flotsam:       a.flotsam,
	}
}

// Each calls fn for every live block. The allocator is locked throughout, so
// fn must not call back into it.
func (a *Allocator) Each(fn func(p, size uintptr)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.table.each(fn)
}

// Destroy unmaps every live and parked block and the entry table.
func (a *Allocator) Destroy() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	a.table.each(func(p, size uintptr) {
		errs = append(errs, vm.Deallocate(p, size))
	})
	for a.row.len() > 0 {
		e := a.row.popOldest()
		errs = append(errs, vm.Deallocate(uintptr(e.Addr), uintptr(e.Size)))
	}
	errs = append(errs, a.table.destroy())
	a.objects, a.bytes = 0, 0
	return errors.Join(errs...)
}
