package zone

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/magzone/internal/buf"
	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/internal/logger"
	"github.com/joshuapare/magzone/internal/vm"
	"github.com/joshuapare/magzone/pkg/types"
	"github.com/joshuapare/magzone/zone/large"
	"github.com/joshuapare/magzone/zone/rack"
)

// Zone is a heap. It is safe for concurrent use.
type Zone struct {
	desc     *format.Descriptor
	descAddr uintptr
	th       format.Thresholds

	tiny  *rack.Rack
	small *rack.Rack
	large *large.Allocator

	log       *slog.Logger
	logAlloc  bool
	onCorrupt func(error)
	destroyed atomic.Bool

	byteCopies atomic.Uint64
	pageCopies atomic.Uint64
}

// New creates a zone. Only the descriptor page is mapped up front; regions
// are mapped on first use.
func New(cfg Config) (*Zone, error) {
	def := DefaultConfig()
	if cfg.Magazines <= 0 {
		cfg.Magazines = def.Magazines
	}
	if cfg.RecircRetainedRegions < 0 {
		cfg.RecircRetainedRegions = 0
	}
	if cfg.LargeCacheLimit == 0 {
		cfg.LargeCacheLimit = def.LargeCacheLimit
	}

	addr, err := vm.Allocate(format.DescriptorSize, 0)
	if err != nil {
		return nil, types.ErrNoMemory.With(err)
	}
	largemem := cfg.LargeMem.resolve()
	z := &Zone{
		desc:      (*format.Descriptor)(unsafe.Pointer(addr)),
		descAddr:  addr,
		th:        format.ThresholdsFor(largemem),
		log:       cfg.Logger,
		logAlloc:  cfg.LogAlloc,
		onCorrupt: cfg.OnCorruption,
	}
	if z.log == nil {
		z.log = logger.L()
	}

	d := z.desc
	d.Version = format.DescriptorVersion
	d.PtrSize = uint32(unsafe.Sizeof(uintptr(0)))
	if largemem {
		d.Flags |= format.FlagLargeMem
	}
	d.LargeThreshold = uint64(z.th.LargeThreshold)
	d.PageSize = uint64(vm.PageSize())

	cookie := rand.Uint64()
	z.tiny = rack.New(rack.Config{
		Geometry:        format.Tiny(),
		Magazines:       cfg.Magazines,
		RetainedRegions: cfg.RecircRetainedRegions,
		Cookie:          cookie,
		Table:           &d.Tiny,
		Logger:          z.log,
		Report:          z.corruption,
	})
	z.small = rack.New(rack.Config{
		Geometry:        format.Small(largemem),
		Magazines:       cfg.Magazines,
		RetainedRegions: cfg.RecircRetainedRegions,
		Cookie:          cookie,
		Table:           &d.Small,
		Logger:          z.log,
		Report:          z.corruption,
	})
	z.large = large.New(large.Config{
		Descriptor:   d,
		CacheEnabled: !cfg.LargeCacheDisabled,
		CacheLimit:   cfg.LargeCacheLimit,
		Logger:       z.log,
		Report:       z.corruption,
	})
	// The magic goes last: a reader that sees it sees a complete descriptor.
	d.Magic = format.DescriptorMagic

	z.log.Debug("zone created", "descriptor", fmt.Sprintf("%#x", addr), "largemem", largemem,
		"magazines", z.tiny.Magazines(), "large_threshold", z.th.LargeThreshold)
	return z, nil
}

// corruption logs a corruption report and hands it to the configured hook.
func (z *Zone) corruption(err error) {
	z.log.Error("heap corruption", "err", err)
	if z.onCorrupt != nil {
		z.onCorrupt(err)
		return
	}
	panic(err)
}

// ============================================================================
// Allocation
// ============================================================================

func (z *Zone) alloc(size uintptr, clear bool) (uintptr, error) {
	if z.destroyed.Load() {
		return 0, types.ErrDestroyed
	}
	var (
		p   uintptr
		err error
	)
	switch {
	case size < z.th.SmallThreshold:
		p, err = z.tiny.Malloc(size, clear)
	case size < z.th.LargeThreshold:
		p, err = z.small.Malloc(size, clear)
	default:
		if _, ok := buf.AddUintptr(size, vm.PageSize()); !ok {
			return 0, types.ErrOverflow
		}
		p, err = z.large.Malloc(size, 0, clear)
	}
	if z.logAlloc && err == nil {
		z.log.Debug("malloc", "size", size, "ptr", fmt.Sprintf("%#x", p))
	}
	return p, err
}

// Malloc returns a block of at least size bytes. A zero size still returns a
// unique block.
func (z *Zone) Malloc(size uintptr) (unsafe.Pointer, error) {
	p, err := z.alloc(size, false)
	return ptr(p), err
}

// Calloc returns a zeroed block of n*size bytes. A product that overflows
// fails with types.ErrOverflow.
func (z *Zone) Calloc(n, size uintptr) (unsafe.Pointer, error) {
	total, ok := buf.MulUintptr(n, size)
	if !ok {
		return nil, types.ErrOverflow
	}
	p, err := z.alloc(total, true)
	return ptr(p), err
}

// Valloc returns a page-aligned block of at least size bytes.
func (z *Zone) Valloc(size uintptr) (unsafe.Pointer, error) {
	return z.Memalign(vm.PageSize(), size)
}

// Memalign returns a block of at least size bytes aligned to alignment,
// which must be a power of two no smaller than a pointer.
func (z *Zone) Memalign(alignment, size uintptr) (unsafe.Pointer, error) {
	p, err := z.memalign(alignment, size)
	return ptr(p), err
}

func (z *Zone) memalign(alignment, size uintptr) (uintptr, error) {
	if !format.IsPowerOfTwo(alignment) || alignment < unsafe.Sizeof(uintptr(0)) {
		return 0, types.ErrInvalidAlignment
	}
	if z.destroyed.Load() {
		return 0, types.ErrDestroyed
	}
	size = max(size, 1)
	if _, ok := buf.AddUintptr(size, alignment); !ok {
		return 0, types.ErrOverflow
	}
	span := size + alignment - 1

	switch {
	case alignment <= format.TinyQuantum:
		return z.alloc(size, false)
	case span < z.th.SmallThreshold:
		return z.tiny.Memalign(alignment, size)
	case size >= z.th.SmallThreshold && alignment <= format.SmallQuantum:
		return z.alloc(size, false)
	}
	if size < z.th.SmallThreshold {
		// Keep the block out of the tiny size range.
		size = z.th.SmallThreshold + format.TinyQuantum
		span = size + alignment - 1
	}
	switch {
	case span < z.th.LargeThreshold:
		return z.small.Memalign(alignment, size)
	case size >= z.th.LargeThreshold && alignment <= vm.PageSize():
		return z.alloc(size, false)
	}
	p, err := z.large.Malloc(max(size, z.th.LargeThreshold), alignment, false)
	return p, err
}

// Allocate combines Malloc, Memalign and Calloc: a block of at least size
// bytes, aligned to alignment when it exceeds the natural 16 bytes, zeroed
// when zero is set.
func (z *Zone) Allocate(size, alignment uintptr, zero bool) (unsafe.Pointer, error) {
	if alignment <= format.TinyQuantum {
		p, err := z.alloc(size, zero)
		return ptr(p), err
	}
	p, err := z.memalign(alignment, size)
	if err != nil {
		return nil, err
	}
	if zero {
		vm.Zero(p, z.size(p))
	}
	return ptr(p), nil
}

// Free releases a block. Freeing nil does nothing. A pointer this zone did
// not hand out, or one already freed, is reported as corruption.
func (z *Zone) Free(p unsafe.Pointer) {
	if p == nil || z.destroyed.Load() {
		return
	}
	if !z.free(uintptr(p)) {
		z.corruption(fmt.Errorf("free %#x: %w", uintptr(p), types.ErrNotOwned))
	}
}

func (z *Zone) free(p uintptr) bool {
	if z.logAlloc {
		z.log.Debug("free", "ptr", fmt.Sprintf("%#x", p))
	}
	return z.tiny.Free(p) || z.small.Free(p) || z.large.Free(p)
}

// Size returns the usable size of the block at p, or 0 when p is not a live
// block of this zone.
func (z *Zone) Size(p unsafe.Pointer) uintptr {
	if p == nil || z.destroyed.Load() {
		return 0
	}
	return z.size(uintptr(p))
}

func (z *Zone) size(p uintptr) uintptr {
	_, n := z.lookup(p)
	return n
}

// GoodSize returns the usable size Malloc(size) would produce.
func (z *Zone) GoodSize(size uintptr) uintptr {
	switch {
	case size < z.th.SmallThreshold:
		return uintptr(z.tiny.Geometry().Msize(size)) << format.ShiftTinyQuantum
	case size < z.th.LargeThreshold:
		return uintptr(z.small.Geometry().Msize(size)) << format.ShiftSmallQuantum
	}
	if _, ok := buf.AddUintptr(size, vm.PageSize()); !ok {
		return ^uintptr(0)
	}
	return vm.RoundPage(size)
}

// ClaimedAddress reports whether p points into memory this zone handed out:
// the block area of a region or anywhere inside a live large block. It never
// misses a pointer into a live block.
func (z *Zone) ClaimedAddress(p unsafe.Pointer) bool {
	a := uintptr(p)
	return z.tiny.Owns(a) || z.small.Owns(a) || z.large.Claimed(a)
}

// Bytes views n bytes at p as a slice. The slice is valid until the block is
// freed.
func (z *Zone) Bytes(p unsafe.Pointer, n uintptr) []byte {
	if p == nil {
		return nil
	}
	return vm.Bytes(uintptr(p), n)
}

// DescriptorAddr returns the address of the zone descriptor, the root an
// enumerator starts from.
func (z *Zone) DescriptorAddr() uintptr { return z.descAddr }

// Largemem reports whether the zone runs with large-memory thresholds.
func (z *Zone) Largemem() bool { return z.th.LargeMem }

// Thresholds returns the routing thresholds in effect.
func (z *Zone) Thresholds() format.Thresholds { return z.th }

// Destroy unmaps every block and all metadata. Pointers from the zone
// become invalid and further allocations fail with types.ErrDestroyed.
func (z *Zone) Destroy() error {
	if z.destroyed.Swap(true) {
		return nil
	}
	errs := []error{z.tiny.Destroy(), z.small.Destroy(), z.large.Destroy()}
	errs = append(errs, vm.Deallocate(z.descAddr, format.DescriptorSize))
	z.log.Debug("zone destroyed", "descriptor", fmt.Sprintf("%#x", z.descAddr))
	return errors.Join(errs...)
}

func ptr(p uintptr) unsafe.Pointer {
	if p == 0 {
		return nil
	}
	return unsafe.Pointer(p) //nolint:govet // p addresses mapped memory outside the Go heap
}
