package large

import (
	"sync/atomic"

	"github.com/joshuapare/magzone/internal/format"
)

// deathRow is the ring of recently freed large blocks kept mapped for reuse.
// It lives in the zone descriptor: entries oldest first starting at
// DeathRowHead, DeathRowLen of them, DeathRowBytes in total. Removing from
// the middle shifts the newer entries down, so the ring stays in time order.
// All methods require the allocator lock.
type deathRow struct {
	d *format.Descriptor
}

const ringSize = format.LargeEntryCacheSize

func (r deathRow) len() int              { return int(r.d.DeathRowLen) }
func (r deathRow) bytes() uint64         { return r.d.DeathRowBytes }
func (r deathRow) full() bool            { return r.len() == ringSize }
func (r deathRow) pos(k int) int         { return (int(r.d.DeathRowHead) + k) % ringSize }
func (r deathRow) at(k int) format.Entry { return r.d.DeathRow[r.pos(k)] }

func (r deathRow) set(k int, e format.Entry) {
	slot := &r.d.DeathRow[r.pos(k)]
	atomic.StoreUint64(&slot.Size, e.Size)
	atomic.StoreUint64(&slot.Addr, e.Addr)
}

func (r deathRow) setLen(n int) { atomic.StoreUint64(&r.d.DeathRowLen, uint64(n)) }

func (r deathRow) addBytes(n uint64) { atomic.StoreUint64(&r.d.DeathRowBytes, r.d.DeathRowBytes+n) }

func (r deathRow) subBytes(n uint64) { atomic.StoreUint64(&r.d.DeathRowBytes, r.d.DeathRowBytes-n) }

// push appends e as the newest entry. The ring must not be full.
func (r deathRow) push(e format.Entry) {
	n := r.len()
	r.set(n, e)
	r.setLen(n + 1)
	r.addBytes(e.Size)
}

// popOldest removes and returns the oldest entry.
func (r deathRow) popOldest() format.Entry {
	e := r.at(0)
	r.set(0, format.Entry{})
	atomic.StoreUint64(&r.d.DeathRowHead, uint64(r.pos(1)))
	r.setLen(r.len() - 1)
	r.subBytes(e.Size)
	return e
}

// removeAt removes the k-th oldest entry.
func (r deathRow) removeAt(k int) format.Entry {
	e := r.at(k)
	n := r.len()
	for j := k; j < n-1; j++ {
		r.set(j, r.at(j+1))
	}
	r.set(n-1, format.Entry{})
	r.setLen(n - 1)
	r.subBytes(e.Size)
	return e
}

// index returns the position of the entry for a, or -1.
func (r deathRow) index(a uintptr) int {
	for k := range r.len() {
		if r.at(k).Addr == uint64(a) {
			return k
		}
	}
	return -1
}

// bestFit takes the smallest parked block of at least size bytes whose
// address satisfies align, scanning newest to oldest and stopping at an
// exact match. A block wasting as much as it serves is refused.
func (r deathRow) bestFit(size, align uintptr) (format.Entry, bool) {
	best := -1
	var bestSize uint64
	for k := r.len() - 1; k >= 0; k-- {
		e := r.at(k)
		if align != 0 && uintptr(e.Addr)&(align-1) != 0 {
			continue
		}
		if e.Size == uint64(size) || (e.Size > uint64(size) && (best < 0 || e.Size < bestSize)) {
			best, bestSize = k, e.Size
			if e.Size == uint64(size) {
				break
			}
		}
	}
	if best < 0 || bestSize-uint64(size) >= uint64(size) {
		return format.Entry{}, false
	}
	return r.removeAt(best), true
}
