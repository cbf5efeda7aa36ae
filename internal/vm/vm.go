// Package vm wraps the page-level virtual memory primitives the allocator is
// built on: anonymous mappings, aligned mappings, discarding page contents,
// extending a mapping in place and moving pages between mappings.
//
// Addresses are plain uintptrs. Memory returned here is never part of the Go
// heap on platforms with mmap, so it may hold raw addresses freely.
package vm

import (
	"errors"
	"math/bits"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrMapFailed indicates the kernel refused a mapping.
	ErrMapFailed = errors.New("vm: mapping failed")
	// ErrBadAlignment indicates a non power-of-two alignment.
	ErrBadAlignment = errors.New("vm: alignment must be a power of two")
	// ErrTooLarge indicates the request overflows the address space.
	ErrTooLarge = errors.New("vm: request too large")
)

var (
	pageSize  = uintptr(os.Getpagesize())
	pageShift = uint(bits.TrailingZeros(uint(pageSize)))
)

// PageSize returns the system page size.
func PageSize() uintptr { return pageSize }

// PageShift returns log2 of the page size.
func PageShift() uint { return pageShift }

// RoundPage rounds n up to a whole number of pages.
func RoundPage(n uintptr) uintptr {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// Counters for mapping traffic, process wide.
var (
	mapped   atomic.Int64
	maps     atomic.Uint64
	unmaps   atomic.Uint64
	advised  atomic.Uint64
	moved    atomic.Uint64
	extended atomic.Uint64
)

// Stats is a snapshot of mapping traffic since process start.
type Stats struct {
	MappedBytes   int64  `json:"mapped_bytes"`
	Maps          uint64 `json:"maps"`
	Unmaps        uint64 `json:"unmaps"`
	AdvisedBytes  uint64 `json:"advised_bytes"`
	MovedBytes    uint64 `json:"moved_bytes"`
	ExtendedBytes uint64 `json:"extended_bytes"`
}

// ReadStats returns the current mapping counters.
func ReadStats() Stats {
	return Stats{
		MappedBytes:   mapped.Load(),
		Maps:          maps.Load(),
		Unmaps:        unmaps.Load(),
		AdvisedBytes:  advised.Load(),
		MovedBytes:    moved.Load(),
		ExtendedBytes: extended.Load(),
	}
}

// Allocate maps size bytes (rounded to pages) of zeroed read-write memory
// whose address is a multiple of align. align must be a power of two; values
// at or below the page size are satisfied by any mapping.
func Allocate(size, align uintptr) (uintptr, error) {
	if align&(align-1) != 0 {
		return 0, ErrBadAlignment
	}
	size = RoundPage(size)
	if size == 0 {
		return 0, ErrTooLarge
	}
	addr, err := allocate(size, align)
	if err != nil {
		return 0, err
	}
	mapped.Add(int64(size))
	maps.Add(1)
	return addr, nil
}

// metaRetries bounds AllocateMeta's attempts.
const metaRetries = 64

// AllocateMeta maps page-aligned memory for allocator metadata. A failed
// mapping is retried while other goroutines exist that might release memory;
// a lone goroutine fails fast because nothing can change between attempts.
func AllocateMeta(size uintptr) (uintptr, error) {
	for attempt := 0; ; attempt++ {
		addr, err := Allocate(size, 0)
		if err == nil {
			return addr, nil
		}
		if attempt >= metaRetries || runtime.NumGoroutine() <= 1 {
			return 0, err
		}
		runtime.Gosched()
	}
}

// Deallocate unmaps [addr, addr+size). size is rounded to pages.
func Deallocate(addr, size uintptr) error {
	size = RoundPage(size)
	if addr == 0 || size == 0 {
		return nil
	}
	if err := deallocate(addr, size); err != nil {
		return err
	}
	mapped.Add(-int64(size))
	unmaps.Add(1)
	return nil
}

// Advise tells the kernel the contents of every whole page inside
// [addr, addr+size) are no longer needed. Partial pages at either end are
// left alone. Returns the number of bytes advised.
func Advise(addr, size uintptr) (uintptr, error) {
	start := RoundPage(addr)
	end := (addr + size) &^ (pageSize - 1)
	if end <= start {
		return 0, nil
	}
	if err := advise(start, end-start); err != nil {
		return 0, err
	}
	advised.Add(uint64(end - start))
	return end - start, nil
}

// Extend maps exactly [addr, addr+size) if that range is currently free.
// It reports false when the range is occupied or the platform cannot place a
// mapping at a fixed address without clobbering.
func Extend(addr, size uintptr) bool {
	size = RoundPage(size)
	if !extend(addr, size) {
		return false
	}
	mapped.Add(int64(size))
	extended.Add(uint64(size))
	return true
}

// MovePages moves the whole pages of [src, src+size) onto dst without copying
// bytes, leaving fresh zero pages at src. Both addresses must be page aligned.
// It reports false when the platform cannot remap, in which case nothing has
// changed and the caller should copy.
func MovePages(dst, src, size uintptr) bool {
	size &^= pageSize - 1
	if size == 0 || dst&(pageSize-1) != 0 || src&(pageSize-1) != 0 {
		return false
	}
	if !movePages(dst, src, size) {
		return false
	}
	moved.Add(uint64(size))
	return true
}

// Bytes views [addr, addr+n) as a byte slice.
func Bytes(addr, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// Copy copies n bytes from src to dst. The ranges may overlap.
func Copy(dst, src, n uintptr) {
	if n == 0 {
		return
	}
	copy(Bytes(dst, n), Bytes(src, n))
}

// Zero clears [addr, addr+n).
func Zero(addr, n uintptr) {
	clear(Bytes(addr, n))
}
