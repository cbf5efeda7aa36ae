package large

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/internal/vm"
)

const initialEntries = 64

// entryTable is an open-addressed table of live large blocks, keyed by page
// number, living in mapped memory so an enumerator can read it. Deletion
// shifts later entries back instead of leaving tombstones. Every method
// requires the allocator lock.
type entryTable struct {
	addr  uintptr // table header, entries follow
	cap   uintptr
	count int
	shift uint
	ref   *format.TableRef
	old   []uintptr // retired generations, kept mapped for readers
	sizes []uintptr
}

func (t *entryTable) slot(i uintptr) *format.Entry {
	return (*format.Entry)(unsafe.Pointer(t.addr + format.TableHeaderSize + i*format.EntrySize))
}

func (t *entryTable) home(a uintptr) uintptr {
	return (a >> t.shift) & (t.cap - 1)
}

func (t *entryTable) bytesFor(n uintptr) uintptr {
	return format.TableHeaderSize + n*format.EntrySize
}

// find returns the slot holding a, or nil.
func (t *entryTable) find(a uintptr) *format.Entry {
	if t.cap == 0 {
		return nil
	}
	i := t.home(a)
	for range t.cap {
		e := t.slot(i)
		switch e.Addr {
		case 0:
			return nil
		case uint64(a):
			return e
		}
		i = (i + 1) & (t.cap - 1)
	}
	return nil
}

// containing returns the entry whose block covers a, or nil.
func (t *entryTable) containing(a uintptr) *format.Entry {
	for i := range t.cap {
		e := t.slot(i)
		if e.Addr != 0 && uint64(a) >= e.Addr && uint64(a) < e.Addr+e.Size {
			return e
		}
	}
	return nil
}

func (t *entryTable) insert(a, size uintptr) error {
	if (t.count+1)*2 > int(t.cap) {
		n := uintptr(initialEntries)
		if t.cap != 0 {
			n = t.cap * 2
		}
		if err := t.grow(n); err != nil {
			return err
		}
	}
	t.place(a, size)
	t.count++
	t.storeCount()
	return nil
}

func (t *entryTable) place(a, size uintptr) {
	i := t.home(a)
	for t.slot(i).Addr != 0 {
		i = (i + 1) & (t.cap - 1)
	}
	e := t.slot(i)
	atomic.StoreUint64(&e.Size, uint64(size))
	atomic.StoreUint64(&e.Addr, uint64(a))
}

// remove deletes e and shifts back any entry of the same probe run that
// would otherwise become unreachable.
func (t *entryTable) remove(e *format.Entry) {
	mask := t.cap - 1
	i := (uintptr(unsafe.Pointer(e)) - t.addr - format.TableHeaderSize) / format.EntrySize
	for {
		t.clear(i)
		j := i
		for {
			j = (j + 1) & mask
			next := t.slot(j)
			if next.Addr == 0 {
				t.count--
				t.storeCount()
				return
			}
			k := t.home(uintptr(next.Addr))
			// next stays when its home lies cyclically in (i, j].
			if (i <= j && i < k && k <= j) || (i > j && (i < k || k <= j)) {
				continue
			}
			dst := t.slot(i)
			atomic.StoreUint64(&dst.Size, next.Size)
			atomic.StoreUint64(&dst.Addr, next.Addr)
			i = j
			break
		}
	}
}

func (t *entryTable) clear(i uintptr) {
	e := t.slot(i)
	atomic.StoreUint64(&e.Addr, 0)
	atomic.StoreUint64(&e.Size, 0)
}

func (t *entryTable) storeCount() {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(t.addr+format.TableCountOff)), uint64(t.count))
}

// grow rehashes into a fresh generation of n entries and publishes it.
func (t *entryTable) grow(n uintptr) error {
	addr, err := vm.AllocateMeta(t.bytesFor(n))
	if err != nil {
		return err
	}
	*(*uint64)(unsafe.Pointer(addr + format.TableCapOff)) = uint64(n)

	prev, prevCap := t.addr, t.cap
	t.addr, t.cap = addr, n
	for i := range prevCap {
		e := (*format.Entry)(unsafe.Pointer(prev + format.TableHeaderSize + i*format.EntrySize))
		if e.Addr != 0 {
			t.place(uintptr(e.Addr), uintptr(e.Size))
		}
	}
	t.storeCount()
	if prev != 0 {
		t.old = append(t.old, prev)
		t.sizes = append(t.sizes, t.bytesFor(prevCap))
	}
	if t.ref != nil {
		atomic.StoreUint64(&t.ref.Addr, uint64(addr))
		atomic.StoreUint64(&t.ref.Cap, uint64(n))
	}
	return nil
}

// each calls fn for every live entry.
func (t *entryTable) each(fn func(a, size uintptr)) {
	for i := range t.cap {
		if e := t.slot(i); e.Addr != 0 {
			fn(uintptr(e.Addr), uintptr(e.Size))
		}
	}
}

func (t *entryTable) destroy() error {
	var errs []error
	for k, a := range t.old {
		errs = append(errs, vm.Deallocate(a, t.sizes[k]))
	}
	if t.addr != 0 {
		errs = append(errs, vm.Deallocate(t.addr, t.bytesFor(t.cap)))
	}
	if t.ref != nil {
		atomic.StoreUint64(&t.ref.Addr, 0)
		atomic.StoreUint64(&t.ref.Cap, 0)
	}
	*t = entryTable{shift: t.shift, ref: t.ref}
	return errors.Join(errs...)
}
