package main

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
	"unsafe"

	"github.com/joshuapare/magzone/zone"
)

// workload describes a malloc/free churn run against a zone.
type workload struct {
	MaxSize    int // sizes are drawn uniformly from [1, MaxSize]
	Count      int // allocations per goroutine
	Goroutines int
	Slots      int // live blocks each goroutine holds at most
	Seed       uint64
	Realloc    bool // every fourth replacement reallocates instead
}

// result is what a workload run measured.
type result struct {
	Mallocs  uint64        `json:"mallocs"`
	Frees    uint64        `json:"frees"`
	Reallocs uint64        `json:"reallocs"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	live     [][]unsafe.Pointer
}

// OpsPerSec is the combined malloc, free and realloc rate.
func (r result) OpsPerSec() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Mallocs+r.Frees+r.Reallocs) / r.Elapsed.Seconds()
}

// release frees the blocks a run left live.
func (r *result) release(z *zone.Zone) {
	for _, ptrs := range r.live {
		for _, p := range ptrs {
			if p != nil {
				z.Free(p)
			}
		}
	}
	r.live = nil
}

// run churns z from w.Goroutines goroutines. Each keeps up to w.Slots blocks
// live, replacing a random one per step, and stamps every block it gets so a
// block handed out twice shows up as a mismatch.
func (w workload) run(z *zone.Zone) (result, error) {
	if w.MaxSize < 1 || w.Count < 0 || w.Goroutines < 1 {
		return result{}, fmt.Errorf("workload: size %d, count %d, goroutines %d", w.MaxSize, w.Count, w.Goroutines)
	}
	slots := max(w.Slots, 1)

	type tally struct {
		mallocs, frees, reallocs uint64
		live                     []unsafe.Pointer
		err                      error
	}
	tallies := make([]tally, w.Goroutines)

	var wg sync.WaitGroup
	start := time.Now()
	for g := range w.Goroutines {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			t := &tallies[g]
			rng := rand.New(rand.NewPCG(w.Seed, uint64(g)))
			live := make([]unsafe.Pointer, slots)
			stamp := make([]byte, slots)
			for i := range w.Count {
				j := rng.IntN(slots)
				size := uintptr(rng.IntN(w.MaxSize) + 1)
				if p := live[j]; p != nil {
					if *(*byte)(p) != stamp[j] {
						t.err = fmt.Errorf("block %p lost its contents", p)
						return
					}
					if w.Realloc && i%4 == 0 {
						q, err := z.Realloc(p, size)
						if err != nil {
							t.err = err
							return
						}
						live[j] = q
						t.reallocs++
						continue
					}
					z.Free(p)
					t.frees++
				}
				p, err := z.Malloc(size)
				if err != nil {
					t.err = err
					return
				}
				stamp[j] = byte(i)
				*(*byte)(p) = stamp[j]
				live[j] = p
				t.mallocs++
			}
			t.live = live
		}(g)
	}
	wg.Wait()

	res := result{Elapsed: time.Since(start)}
	var firstErr error
	for _, t := range tallies {
		res.Mallocs += t.mallocs
		res.Frees += t.frees
		res.Reallocs += t.reallocs
		if t.live != nil {
			res.live = append(res.live, t.live)
		}
		if t.err != nil && firstErr == nil {
			firstErr = t.err
		}
	}
	return res, firstErr
}
