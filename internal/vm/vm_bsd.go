//go:build darwin || freebsd

package vm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// MADV_FREE lets the kernel reclaim pages lazily; contents are undefined
// until rewritten.
const adviseFree = unix.MADV_FREE

// extend passes addr as a hint and keeps the mapping only if the kernel
// placed it exactly there.
func extend(addr, size uintptr) bool {
	got, err := mmap(addr, size, 0)
	if err != nil {
		return false
	}
	if got != addr {
		_ = unix.MunmapPtr(unsafe.Pointer(got), size)
		return false
	}
	return true
}

func movePages(dst, src, size uintptr) bool {
	return false
}
