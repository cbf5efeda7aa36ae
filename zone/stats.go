package zone

import (
	"fmt"
	"io"

	"github.com/joshuapare/magzone/pkg/types"
	"github.com/joshuapare/magzone/zone/introspect"
	"github.com/joshuapare/magzone/zone/verify"
)

// Statistics sums the counters of every size class.
func (z *Zone) Statistics() types.Statistics {
	cs := z.ClassStatistics()
	return cs.Tiny.Statistics.Add(cs.Small.Statistics).Add(cs.Large.Statistics)
}

// ClassStatistics returns the counters of each size class.
func (z *Zone) ClassStatistics() types.ClassStats {
	return types.ClassStats{
		Tiny:  z.tiny.Statistics(),
		Small: z.small.Statistics(),
		Large: z.large.Statistics(),
	}
}

// PressureRelief returns memory to the kernel until goal bytes have been
// released, or as much as possible when goal is 0: free pages of tiny and
// small regions first, then parked large blocks.
func (z *Zone) PressureRelief(goal uintptr) uintptr {
	if z.destroyed.Load() {
		return 0
	}
	var total uintptr
	left := func() uintptr {
		if goal == 0 {
			return 0
		}
		return goal - total
	}
	total += z.tiny.PressureRelief(goal)
	if goal == 0 || total < goal {
		total += z.small.PressureRelief(left())
	}
	if goal == 0 || total < goal {
		total += z.large.Drain(left())
	}
	z.log.Debug("pressure relief", "goal", goal, "released", total)
	return total
}

// MemoryPressure responds to a memory-pressure notification by draining
// death row once it retains more than 1 MiB. Returns the bytes released.
func (z *Zone) MemoryPressure() uintptr {
	if z.destroyed.Load() {
		return 0
	}
	n := z.large.MemoryPressure()
	if n > 0 {
		z.log.Debug("memory pressure", "released", n)
	}
	return n
}

// Check verifies the zone's metadata: every rack's regions and free lists,
// the large table and death row, then the structural walk an external tool
// would do. It returns the first inconsistency, wrapped in types.ErrCorrupt.
// The structural walk assumes no concurrent mutation.
func (z *Zone) Check() error {
	if z.destroyed.Load() {
		return types.ErrDestroyed
	}
	for _, check := range []func() error{z.tiny.Check, z.small.Check, z.large.Check} {
		if err := check(); err != nil {
			return err
		}
	}
	if err := verify.AllInvariants(introspect.LiveReader{}, z.descAddr); err != nil {
		return fmt.Errorf("zone %#x: %w", z.descAddr, err)
	}
	return nil
}

// Enumerate reports the zone's ranges selected by mask to rec, walking the
// zone the way an external tool would: without locks.
func (z *Zone) Enumerate(mask types.RangeType, rec types.RangeRecorder) error {
	if z.destroyed.Load() {
		return types.ErrDestroyed
	}
	return introspect.Enumerate(introspect.LiveReader{}, z.descAddr, mask, rec)
}

// Snapshot writes a heap image of the zone's metadata to w. Open it with
// introspect.OpenImage to enumerate or verify it later.
func (z *Zone) Snapshot(w io.Writer) error {
	if z.destroyed.Load() {
		return types.ErrDestroyed
	}
	return introspect.WriteSnapshot(w, introspect.LiveReader{}, z.descAddr)
}

// SnapshotFile writes a heap image to path.
func (z *Zone) SnapshotFile(path string) error {
	if z.destroyed.Load() {
		return types.ErrDestroyed
	}
	return introspect.WriteSnapshotFile(path, introspect.LiveReader{}, z.descAddr)
}
