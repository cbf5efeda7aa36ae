package zone

import (
	"unsafe"

	"github.com/joshuapare/magzone/internal/buf"
	"github.com/joshuapare/magzone/internal/vm"
	"github.com/joshuapare/magzone/pkg/types"
)

type class int

const (
	classNone class = iota
	classTiny
	classSmall
	classLarge
)

func (z *Zone) classOf(size uintptr) class {
	switch {
	case size < z.th.SmallThreshold:
		return classTiny
	case size < z.th.LargeThreshold:
		return classSmall
	}
	return classLarge
}

// lookup finds the class and usable size of the live block at p.
func (z *Zone) lookup(p uintptr) (class, uintptr) {
	if n := z.tiny.Size(p); n != 0 {
		return classTiny, n
	}
	if n := z.small.Size(p); n != 0 {
		return classSmall, n
	}
	if n := z.large.Size(p); n != 0 {
		return classLarge, n
	}
	return classNone, 0
}

// CopyStats counts the allocate-copy-free fallbacks Realloc has taken.
type CopyStats struct {
	Bytes uint64 `json:"byte_copies"` // copied with memmove
	Pages uint64 `json:"page_copies"` // moved with page remapping
}

// CopyStats returns the realloc copy counters.
func (z *Zone) CopyStats() CopyStats {
	return CopyStats{Bytes: z.byteCopies.Load(), Pages: z.pageCopies.Load()}
}

// Realloc resizes the block at p to hold size bytes, in place when possible.
//
//   - nil p behaves like Malloc; a zero size frees p and returns a fresh
//     minimum block.
//   - A size with the same good size as the block returns p unchanged.
//   - Within a class, shrinking to half or less trims in place, shrinking by
//     less than half returns p, and growing first tries to extend in place.
//   - Otherwise a new block is allocated, the contents copied and p freed.
//
// On failure p is left untouched.
func (z *Zone) Realloc(p unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	if p == nil {
		return z.Malloc(size)
	}
	if z.destroyed.Load() {
		return nil, types.ErrDestroyed
	}
	if size == 0 {
		z.Free(p)
		return z.Malloc(1)
	}

	a := uintptr(p)
	cls, old := z.lookup(a)
	if cls == classNone {
		return nil, types.ErrNotOwned
	}
	good := z.GoodSize(size)
	if good == old {
		return p, nil
	}

	if z.classOf(size) == cls {
		switch {
		case good <= old/2:
			z.shrink(cls, a, good)
			return p, nil
		case good <= old:
			return p, nil
		case z.tryGrow(cls, a, size):
			return p, nil
		}
	} else if good <= old && good > old/2 {
		return p, nil
	}

	np, err := z.alloc(size, false)
	if err != nil {
		return nil, err
	}
	z.copyBlock(np, a, min(old, size))
	z.Free(p)
	return ptr(np), nil
}

// ReallocArray resizes p to n*size bytes, failing with types.ErrOverflow
// when the product wraps.
func (z *Zone) ReallocArray(p unsafe.Pointer, n, size uintptr) (unsafe.Pointer, error) {
	total, ok := buf.MulUintptr(n, size)
	if !ok {
		return nil, types.ErrOverflow
	}
	return z.Realloc(p, total)
}

func (z *Zone) shrink(cls class, p, size uintptr) {
	switch cls {
	case classTiny:
		z.tiny.Shrink(p, size)
	case classSmall:
		z.small.Shrink(p, size)
	case classLarge:
		z.large.Shrink(p, size)
	}
}

func (z *Zone) tryGrow(cls class, p, size uintptr) bool {
	switch cls {
	case classTiny:
		return z.tiny.TryGrow(p, size)
	case classSmall:
		return z.small.TryGrow(p, size)
	case classLarge:
		return z.large.TryGrow(p, size)
	}
	return false
}

// copyBlock copies n bytes from src to dst. Above the copy threshold whole
// pages are remapped and only the tail is copied.
func (z *Zone) copyBlock(dst, src, n uintptr) {
	if n > z.th.CopyThreshold {
		whole := n &^ (vm.PageSize() - 1)
		if vm.MovePages(dst, src, whole) {
			vm.Copy(dst+whole, src+whole, n-whole)
			z.pageCopies.Add(1)
			return
		}
	}
	vm.Copy(dst, src, n)
	z.byteCopies.Add(1)
}
