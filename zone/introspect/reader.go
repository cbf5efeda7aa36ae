package introspect

import (
	"fmt"
	"runtime/debug"
	"unsafe"
)

// maxRead bounds a single read. Enumeration only reads metadata; a larger
// request means a garbage size was read from a stale structure.
const maxRead = 64 << 20

// LiveReader reads the memory of the current process. A read that touches an
// unmapped page returns an error instead of crashing, so a zone can be
// walked while other goroutines keep allocating.
type LiveReader struct{}

// Read copies size bytes at addr.
func (LiveReader) Read(addr, size uintptr) (out []byte, err error) {
	if addr == 0 || size > maxRead || addr+size < addr {
		return nil, fmt.Errorf("read [%#x, +%d): %w", addr, size, ErrUnreadable)
	}
	if size == 0 {
		return []byte{}, nil
	}

	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("read [%#x, +%d): %v: %w", addr, size, r, ErrUnreadable)
		}
	}()

	out = make([]byte, size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)) //nolint:govet // addr is foreign memory
	return out, nil
}
