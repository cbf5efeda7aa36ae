//go:build linux

package vm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// MADV_DONTNEED drops private anonymous pages immediately; the next touch
// faults in a zero page.
const adviseFree = unix.MADV_DONTNEED

// extend relies on MAP_FIXED_NOREPLACE. Kernels older than 4.17 treat the
// flag as a plain hint, so the returned address is checked as well.
func extend(addr, size uintptr) bool {
	got, err := mmap(addr, size, unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		return false
	}
	if got != addr {
		_ = unix.MunmapPtr(unsafe.Pointer(got), size)
		return false
	}
	return true
}

// movePages relocates src onto dst with mremap and backfills src with a fresh
// anonymous mapping so the caller still owns a valid range there.
func movePages(dst, src, size uintptr) bool {
	_, _, errno := unix.Syscall6(unix.SYS_MREMAP, src, size, size,
		unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED, dst, 0)
	if errno != 0 {
		return false
	}
	if _, err := mmap(src, size, unix.MAP_FIXED); err != nil {
		// src is now a hole. Nothing else can be done; callers only move
		// pages out of blocks they are about to release.
		mapped.Add(-int64(size))
	}
	return true
}
