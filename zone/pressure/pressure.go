// Package pressure watches the host's free physical memory and asks a zone
// to give memory back when it runs low.
//
// Below Options.Floor the monitor calls MemoryPressure, which drops the
// large cache when it holds a lot. Below Options.CriticalFloor it also calls
// PressureRelief(0), which empties every magazine into the depots and
// returns the free pages of every region to the kernel.
package pressure

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	"github.com/dustin/go-humanize"

	"github.com/joshuapare/magzone/internal/logger"
)

// Target is the part of a zone the monitor drives. *zone.Zone implements it.
type Target interface {
	MemoryPressure() uintptr
	PressureRelief(goal uintptr) uintptr
}

// Probe reports free and total physical memory in bytes.
type Probe func() (free, total uint64, err error)

// HostProbe reads the host's memory through gosigar. Free counts reclaimable
// page cache as free.
func HostProbe() (free, total uint64, err error) {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		return 0, 0, err
	}
	return mem.ActualFree, mem.Total, nil
}

// Defaults for Options fields left zero.
const (
	DefaultInterval    = time.Second
	DefaultFloorPct    = 10
	DefaultCriticalPct = 5
)

// Options configures a Monitor.
type Options struct {
	// Interval between probes. Default: 1s
	Interval time.Duration

	// Floor is the free memory, in bytes, below which the monitor calls
	// MemoryPressure. Default: 10% of physical memory.
	Floor uint64

	// CriticalFloor is the free memory below which the monitor also calls
	// PressureRelief. Default: 5% of physical memory, never above Floor.
	CriticalFloor uint64

	// Probe replaces the host probe. Default: HostProbe
	Probe Probe

	// Logger receives pressure events at Debug. Default: the process logger.
	Logger *slog.Logger
}

// Stats counts what a monitor has done.
type Stats struct {
	Polls     uint64
	Failures  uint64 // probes that returned an error
	Pressured uint64 // polls below Floor
	Critical  uint64 // polls below CriticalFloor
	Reclaimed uint64 // bytes returned by the target
}

// Monitor polls free memory and relieves its target.
type Monitor struct {
	target Target
	opts   Options
	log    *slog.Logger

	polls, failures, pressured, critical, reclaimed atomic.Uint64
}

// ErrNoTarget is returned by New without a target.
var ErrNoTarget = errors.New("pressure: nil target")

// New returns a monitor for t. It does not start polling.
func New(t Target, opts Options) (*Monitor, error) {
	if t == nil {
		return nil, ErrNoTarget
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Probe == nil {
		opts.Probe = HostProbe
	}
	m := &Monitor{target: t, opts: opts, log: opts.Logger}
	if m.log == nil {
		m.log = logger.L()
	}
	return m, nil
}

// floors returns the floors in effect for a host with total bytes.
func (m *Monitor) floors(total uint64) (floor, critical uint64) {
	floor, critical = m.opts.Floor, m.opts.CriticalFloor
	if floor == 0 {
		floor = total / 100 * DefaultFloorPct
	}
	if critical == 0 {
		critical = total / 100 * DefaultCriticalPct
	}
	return floor, min(critical, floor)
}

// Poll probes once and relieves the target if memory is short. It returns
// the bytes the target gave back.
func (m *Monitor) Poll() (uintptr, error) {
	m.polls.Add(1)
	free, total, err := m.opts.Probe()
	if err != nil {
		m.failures.Add(1)
		return 0, err
	}
	floor, critical := m.floors(total)
	if free >= floor {
		return 0, nil
	}

	m.pressured.Add(1)
	got := m.target.MemoryPressure()
	if free < critical {
		m.critical.Add(1)
		got += m.target.PressureRelief(0)
	}
	m.reclaimed.Add(uint64(got))
	m.log.Debug("memory pressure",
		"free", humanize.IBytes(free),
		"floor", humanize.IBytes(floor),
		"critical", free < critical,
		"reclaimed", humanize.IBytes(uint64(got)))
	return got, nil
}

// Run polls every Interval until ctx is done. Probe failures are logged and
// polling continues.
func (m *Monitor) Run(ctx context.Context) error {
	tick := time.NewTicker(m.opts.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if _, err := m.Poll(); err != nil {
				m.log.Debug("memory probe failed", "error", err)
			}
		}
	}
}

// Start runs the monitor in a goroutine. The returned channel is closed when
// it stops.
func (m *Monitor) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	return done
}

// Stats returns the monitor's counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Polls:     m.polls.Load(),
		Failures:  m.failures.Load(),
		Pressured: m.pressured.Load(),
		Critical:  m.critical.Load(),
		Reclaimed: m.reclaimed.Load(),
	}
}
