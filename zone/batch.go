package zone

import "unsafe"

// BatchMalloc allocates up to count blocks of size bytes. Tiny and small
// requests are carved under a single magazine lock; large ones are
// allocated one by one. Fewer than count blocks come back when memory runs
// out.
func (z *Zone) BatchMalloc(size uintptr, count int) []unsafe.Pointer {
	if count <= 0 || z.destroyed.Load() {
		return nil
	}
	var raw []uintptr
	switch z.classOf(size) {
	case classTiny:
		raw = z.tiny.BatchMalloc(size, count)
	case classSmall:
		raw = z.small.BatchMalloc(size, count)
	default:
		for range count {
			p, err := z.alloc(size, false)
			if err != nil {
				break
			}
			raw = append(raw, p)
		}
	}
	if z.logAlloc {
		z.log.Debug("batch malloc", "size", size, "requested", count, "allocated", len(raw))
	}
	out := make([]unsafe.Pointer, len(raw))
	for i, p := range raw {
		out[i] = ptr(p)
	}
	return out
}

// BatchFree frees every non-nil pointer in ptrs and clears the slice.
// Pointers are grouped by owning magazine so each run takes one lock.
func (z *Zone) BatchFree(ptrs []unsafe.Pointer) {
	if len(ptrs) == 0 || z.destroyed.Load() {
		return
	}
	raw := make([]uintptr, len(ptrs))
	for i, p := range ptrs {
		raw[i] = uintptr(p)
	}
	n := z.tiny.BatchFree(raw)
	n += z.small.BatchFree(raw)
	for i, p := range raw {
		ptrs[i] = nil
		// Region pointers left over were already reported by their rack.
		if p == 0 || z.tiny.Owns(p) || z.small.Owns(p) {
			continue
		}
		z.Free(ptr(p))
	}
	if z.logAlloc {
		z.log.Debug("batch free", "count", len(ptrs), "region_blocks", n)
	}
}
