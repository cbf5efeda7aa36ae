//go:build linux || darwin || freebsd

package vm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	protRW   = unix.PROT_READ | unix.PROT_WRITE
	anonFlag = unix.MAP_PRIVATE | unix.MAP_ANON
)

func mmap(hint, size uintptr, flags int) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), size, protRW, anonFlag|flags)
	if err != nil {
		return 0, fmt.Errorf("%w: %d bytes: %w", ErrMapFailed, size, err)
	}
	return uintptr(p), nil
}

// allocate over-maps by align-page and trims the misaligned head and tail.
func allocate(size, align uintptr) (uintptr, error) {
	if align <= pageSize {
		return mmap(0, size, 0)
	}
	span := size + align - pageSize
	if span < size {
		return 0, ErrTooLarge
	}
	addr, err := mmap(0, span, 0)
	if err != nil {
		return 0, err
	}
	aligned := (addr + align - 1) &^ (align - 1)
	if head := aligned - addr; head > 0 {
		_ = unix.MunmapPtr(unsafe.Pointer(addr), head)
	}
	if tail := addr + span - (aligned + size); tail > 0 {
		_ = unix.MunmapPtr(unsafe.Pointer(aligned+size), tail)
	}
	return aligned, nil
}

func deallocate(addr, size uintptr) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), size)
}

func advise(addr, size uintptr) error {
	return unix.Madvise(Bytes(addr, size), adviseFree)
}
