package rack

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/internal/vm"
)

const initialTableCap = 64

// tableGen is one generation of the region table. Generations are never
// unmapped: a lock-free reader may still be probing an old one.
type tableGen struct {
	addr uintptr
	cap  uintptr
	used int // occupied slots, tombstones included
}

func (g *tableGen) entry(i uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(g.addr + format.TableHeaderSize + i*8))
}

// regionTable maps region bases to membership. Lookups are lock free; inserts
// and removals serialize on mu and publish with single word stores.
type regionTable struct {
	mu    sync.Mutex
	cur   atomic.Pointer[tableGen]
	shift uint
	ref   *format.TableRef
	gens  []*tableGen
}

func (t *regionTable) home(rg region, g *tableGen) uintptr {
	return (uintptr(rg) >> t.shift) & (g.cap - 1)
}

func (t *regionTable) contains(rg region) bool {
	g := t.cur.Load()
	if g == nil || rg == 0 {
		return false
	}
	i := t.home(rg, g)
	for n := uintptr(0); n < g.cap; n++ {
		v := atomic.LoadUint64(g.entry(i))
		if v == 0 {
			return false
		}
		if uintptr(v) == uintptr(rg) {
			return true
		}
		i = (i + 1) & (g.cap - 1)
	}
	return false
}

func (t *regionTable) insert(rg region) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.cur.Load()
	if g == nil || (g.used+1)*2 > int(g.cap) {
		next := uintptr(initialTableCap)
		if g != nil {
			next = g.cap * 2
		}
		ng, err := t.grow(g, next)
		if err != nil {
			return err
		}
		g = ng
	}
	i := t.home(rg, g)
	for {
		v := atomic.LoadUint64(g.entry(i))
		if v == 0 || v == format.RegionTombstone {
			if v == 0 {
				g.used++
				atomic.StoreUint64((*uint64)(unsafe.Pointer(g.addr+format.TableCountOff)), uint64(g.used))
			}
			atomic.StoreUint64(g.entry(i), uint64(rg))
			return nil
		}
		i = (i + 1) & (g.cap - 1)
	}
}

func (t *regionTable) remove(rg region) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.cur.Load()
	if g == nil {
		return
	}
	i := t.home(rg, g)
	for n := uintptr(0); n < g.cap; n++ {
		v := atomic.LoadUint64(g.entry(i))
		if v == 0 {
			return
		}
		if uintptr(v) == uintptr(rg) {
			atomic.StoreUint64(g.entry(i), format.RegionTombstone)
			return
		}
		i = (i + 1) & (g.cap - 1)
	}
}

// grow copies the live entries of old into a fresh generation of capacity n
// and publishes it. Tombstones are dropped.
func (t *regionTable) grow(old *tableGen, n uintptr) (*tableGen, error) {
	addr, err := vm.AllocateMeta(format.TableHeaderSize + n*8)
	if err != nil {
		return nil, err
	}
	ng := &tableGen{addr: addr, cap: n}
	*(*uint64)(unsafe.Pointer(addr + format.TableCapOff)) = uint64(n)
	if old != nil {
		for i := uintptr(0); i < old.cap; i++ {
			v := atomic.LoadUint64(old.entry(i))
			if v == 0 || v == format.RegionTombstone {
				continue
			}
			j := t.home(region(v), ng)
			for *ng.entry(j) != 0 {
				j = (j + 1) & (n - 1)
			}
			*ng.entry(j) = v
			ng.used++
		}
	}
	*(*uint64)(unsafe.Pointer(addr + format.TableCountOff)) = uint64(ng.used)
	t.gens = append(t.gens, ng)
	t.cur.Store(ng)
	if t.ref != nil {
		atomic.StoreUint64(&t.ref.Addr, uint64(addr))
		atomic.StoreUint64(&t.ref.Cap, uint64(n))
	}
	return ng, nil
}

// destroy unmaps every generation.
func (t *regionTable) destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for _, g := range t.gens {
		if err := vm.Deallocate(g.addr, format.TableHeaderSize+g.cap*8); err != nil {
			errs = append(errs, err)
		}
	}
	t.gens = nil
	t.cur.Store(nil)
	if t.ref != nil {
		atomic.StoreUint64(&t.ref.Addr, 0)
		atomic.StoreUint64(&t.ref.Cap, 0)
	}
	return errors.Join(errs...)
}

// each calls fn for every live region in the current generation.
func (t *regionTable) each(fn func(region) bool) {
	g := t.cur.Load()
	if g == nil {
		return
	}
	for i := uintptr(0); i < g.cap; i++ {
		v := atomic.LoadUint64(g.entry(i))
		if v == 0 || v == format.RegionTombstone {
			continue
		}
		if !fn(region(v)) {
			return
		}
	}
}
