// Package testutil holds helpers shared by the allocator tests.
package testutil

import (
	"path/filepath"
	"sync"
	"testing"
	"unsafe"
)

// Reports collects the errors a zone hands to its corruption hook, so tests
// can assert on them instead of crashing.
//
// Example:
//
//	rep := &testutil.Reports{}
//	cfg.OnCorruption = rep.Add
//	...
//	require.ErrorIs(t, rep.Last(), types.ErrDoubleFree)
type Reports struct {
	mu   sync.Mutex
	errs []error
}

// Add records err.
func (r *Reports) Add(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// Len returns the number of reports.
func (r *Reports) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// Last returns the latest report, or nil.
func (r *Reports) Last() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

// Fill writes a pattern derived from seed over n bytes at p.
func Fill(p unsafe.Pointer, n uintptr, seed byte) {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = seed + byte(i)
	}
}

// Verify checks n bytes at p against the pattern Fill wrote with seed.
func Verify(t *testing.T, p unsafe.Pointer, n uintptr, seed byte) {
	t.Helper()
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		if b[i] != seed+byte(i) {
			t.Fatalf("byte %d of block %p: got %#x, want %#x", i, p, b[i], seed+byte(i))
		}
	}
}

// ImagePath returns a fresh heap image path in the test's temp dir.
func ImagePath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name+".magsnap")
}
