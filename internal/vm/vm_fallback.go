//go:build !linux && !darwin && !freebsd

package vm

import (
	"sync"
	"unsafe"
)

// Without mmap, mappings are pinned Go byte slices. The Go collector does not
// move heap objects, so addresses stay valid while the slice is referenced
// from live.
var (
	liveMu sync.Mutex
	live   = map[uintptr][]byte{}
)

func allocate(size, align uintptr) (uintptr, error) {
	if align < pageSize {
		align = pageSize
	}
	span := size + align
	if span < size {
		return 0, ErrTooLarge
	}
	b := make([]byte, span)
	addr := (uintptr(unsafe.Pointer(&b[0])) + align - 1) &^ (align - 1)
	liveMu.Lock()
	live[addr] = b
	liveMu.Unlock()
	return addr, nil
}

// deallocate only releases whole allocations; a partial range is kept alive
// by the allocation that contains it.
func deallocate(addr, size uintptr) error {
	liveMu.Lock()
	delete(live, addr)
	liveMu.Unlock()
	return nil
}

func advise(addr, size uintptr) error {
	clear(Bytes(addr, size))
	return nil
}

func extend(addr, size uintptr) bool { return false }

func movePages(dst, src, size uintptr) bool { return false }
