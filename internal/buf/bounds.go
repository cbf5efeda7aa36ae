package buf

import (
	"fmt"
	"math"
	"math/bits"
)

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow int.
func AddOverflowSafe(a, b int) (int, bool) {
	switch {
	case b > 0 && a > math.MaxInt-b:
		return 0, false
	case b < 0 && a < math.MinInt-b:
		return 0, false
	default:
		return a + b, true
	}
}

// MulUintptr multiplies a and b, returning ok = false when the product does
// not fit in a uintptr. Used for count * elementSize requests.
func MulUintptr(a, b uintptr) (uintptr, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > uint64(^uintptr(0)) {
		return 0, false
	}
	return uintptr(lo), true
}

// AddUintptr adds a and b, returning ok = false on wrap-around.
func AddUintptr(a, b uintptr) (uintptr, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// CheckTableBounds validates that count entries of entrySize bytes starting at
// addr stay inside the address space. Returns the end address if valid.
//
//	end, err := buf.CheckTableBounds(addr, cap, 16)
//	if err != nil {
//	    return fmt.Errorf("large table: %w", err)
//	}
func CheckTableBounds(addr, count, entrySize uintptr) (uintptr, error) {
	total, ok := MulUintptr(count, entrySize)
	if !ok {
		return 0, fmt.Errorf("overflow: count=%d * entrySize=%d", count, entrySize)
	}
	end, ok := AddUintptr(addr, total)
	if !ok {
		return 0, fmt.Errorf("overflow: addr=%#x + size=%d", addr, total)
	}
	return end, nil
}

// Slice returns the sub-slice [off:off+n] if it fits within len(b).
func Slice(b []byte, off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off > len(b) {
		return nil, false
	}
	end, ok := AddOverflowSafe(off, n)
	if !ok || end > len(b) {
		return nil, false
	}
	return b[off:end], true
}

// Has reports whether b[off:off+n] is within bounds.
func Has(b []byte, off, n int) bool {
	_, ok := Slice(b, off, n)
	return ok
}
