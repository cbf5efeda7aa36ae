package rack

// BatchMalloc allocates up to count blocks of size bytes under a single
// magazine lock. It returns fewer blocks when memory runs out.
func (r *Rack) BatchMalloc(size uintptr, count int) []uintptr {
	if count <= 0 {
		return nil
	}
	m := r.geo.Msize(size)
	out := make([]uintptr, 0, count)

	mg := r.magazine()
	mg.mu.Lock()
	defer mg.mu.Unlock()
	for range count {
		p, err := r.allocLocked(mg, m)
		if err != nil {
			break
		}
		out = append(out, p)
	}
	return out
}

// BatchFree frees every pointer in ptrs that belongs to this rack and zeroes
// its entry. Consecutive pointers owned by the same magazine share one lock
// acquisition. Returns the number of entries freed.
func (r *Rack) BatchFree(ptrs []uintptr) int {
	var (
		held  *magazine
		freed int
		errs  []error
	)
	unlock := func() {
		if held != nil {
			held.mu.Unlock()
			held = nil
		}
	}
	for k, p := range ptrs {
		if p == 0 {
			continue
		}
		rg := r.regionOf(p)
		if !r.table.contains(rg) {
			continue
		}
		if held == nil || r.owner(rg) != held.index {
			unlock()
			held = r.lockOwner(rg)
		}
		if err := r.freeLocked(held, rg, p); err != nil {
			errs = append(errs, err)
			continue
		}
		ptrs[k] = 0
		freed++
	}
	unlock()
	for _, err := range errs {
		r.report(err)
	}
	return freed
}
