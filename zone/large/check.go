package large

import (
	"fmt"

	"github.com/joshuapare/magzone/internal/vm"
	"github.com/joshuapare/magzone/pkg/types"
)

// Check verifies the entry table against the counters and the death-row
// ring against its byte total and limit.
func (a *Allocator) Check() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n, bytes uint64
	var err error
	a.table.each(func(p, size uintptr) {
		switch {
		case err != nil:
		case p&(vm.PageSize()-1) != 0 || size == 0 || size&(vm.PageSize()-1) != 0:
			err = fmt.Errorf("large entry %#x (%d bytes) is not page granular: %w", p, size, types.ErrCorrupt)
		case a.table.find(p) == nil:
			err = fmt.Errorf("large entry %#x is unreachable from its home slot: %w", p, types.ErrCorrupt)
		case a.row.index(p) >= 0:
			err = fmt.Errorf("large entry %#x is both live and parked: %w", p, types.ErrCorrupt)
		}
		n++
		bytes += uint64(size)
	})
	if err != nil {
		return err
	}
	if n != a.objects || n != uint64(a.table.count) || bytes != a.bytes {
		return fmt.Errorf("large table holds %d blocks/%d bytes, counters say %d (%d slots)/%d: %w",
			n, bytes, a.objects, a.table.count, a.bytes, types.ErrCorrupt)
	}

	var parked uint64
	for k := range a.row.len() {
		e := a.row.at(k)
		if e.Addr == 0 || e.Size == 0 {
			return fmt.Errorf("death row slot %d is empty: %w", k, types.ErrCorrupt)
		}
		parked += e.Size
	}
	if parked != a.row.bytes() {
		return fmt.Errorf("death row holds %d bytes, counter says %d: %w", parked, a.row.bytes(), types.ErrCorrupt)
	}
	if parked > a.limit {
		return fmt.Errorf("death row holds %d bytes over its %d limit: %w", parked, a.limit, types.ErrCorrupt)
	}
	return nil
}
