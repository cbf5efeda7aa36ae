package zone

import (
	"math/rand/v2"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/internal/testutil"
	"github.com/joshuapare/magzone/internal/vm"
	"github.com/joshuapare/magzone/pkg/types"
)

func newTestZone(t *testing.T, tweak ...func(*Config)) (*Zone, *testutil.Reports) {
	t.Helper()
	rep := &testutil.Reports{}
	cfg := DefaultConfig()
	cfg.LargeMem = LargeMemOff
	cfg.OnCorruption = rep.Add
	for _, fn := range tweak {
		fn(&cfg)
	}
	z, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, z.Destroy())
	})
	return z, rep
}

func mustMalloc(t *testing.T, z *Zone, size uintptr) unsafe.Pointer {
	t.Helper()
	p, err := z.Malloc(size)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestMalloc_SizeClassBoundary(t *testing.T) {
	z, _ := newTestZone(t)
	th := z.Thresholds()

	p := mustMalloc(t, z, th.SmallThreshold-1)
	assert.True(t, z.tiny.Owns(uintptr(p)), "SmallThreshold-1 is tiny")
	assert.Equal(t, uintptr(1008), z.Size(p))

	q := mustMalloc(t, z, th.SmallThreshold)
	assert.True(t, z.small.Owns(uintptr(q)), "SmallThreshold is small")
	assert.Equal(t, uintptr(1024), z.Size(q))

	r := mustMalloc(t, z, th.LargeThreshold-1)
	assert.True(t, z.small.Owns(uintptr(r)))

	s := mustMalloc(t, z, th.LargeThreshold)
	assert.True(t, z.large.Owns(uintptr(s)), "LargeThreshold is large")
	assert.Equal(t, vm.RoundPage(th.LargeThreshold), z.Size(s))
	assert.Zero(t, uintptr(s)%vm.PageSize())

	for _, b := range []unsafe.Pointer{p, q, r, s} {
		z.Free(b)
	}
	require.NoError(t, z.Check())
}

func TestMalloc_ZeroSize(t *testing.T) {
	z, _ := newTestZone(t)
	p := mustMalloc(t, z, 0)
	q := mustMalloc(t, z, 0)
	assert.NotEqual(t, p, q)
	assert.Equal(t, uintptr(format.TinyQuantum), z.Size(p))
}

func TestMalloc_RoundTripStatistics(t *testing.T) {
	z, _ := newTestZone(t)
	before := z.Statistics()

	sizes := []uintptr{1, 16, 100, 1007, 1008, 5000, 15359, 15360, 100000}
	ptrs := make([]unsafe.Pointer, len(sizes))
	var want uint64
	for i, n := range sizes {
		ptrs[i] = mustMalloc(t, z, n)
		want += uint64(z.Size(ptrs[i]))
	}
	st := z.Statistics()
	assert.Equal(t, uint64(len(sizes)), st.BlocksInUse)
	assert.Equal(t, want, st.BytesInUse)
	assert.Equal(t, st, z.Statistics(), "reading statistics does not change them")

	for _, p := range ptrs {
		z.Free(p)
	}
	st = z.Statistics()
	assert.Equal(t, before.BlocksInUse, st.BlocksInUse)
	assert.Equal(t, before.BytesInUse, st.BytesInUse)
	require.NoError(t, z.Check())
}

func TestCalloc(t *testing.T) {
	z, _ := newTestZone(t)

	p := mustMalloc(t, z, 256)
	testutil.Fill(p, 256, 0xa0)
	z.Free(p)

	q, err := z.Calloc(16, 16)
	require.NoError(t, err)
	for i, b := range z.Bytes(q, 256) {
		require.Zero(t, b, "byte %d", i)
	}

	_, err = z.Calloc(^uintptr(0)/2, 3)
	require.ErrorIs(t, err, types.ErrOverflow)
	assert.True(t, types.IsKind(err, types.ErrKindOverflow))

	_, err = z.ReallocArray(q, 1<<62, 8)
	require.ErrorIs(t, err, types.ErrOverflow)
	assert.Equal(t, uintptr(256), z.Size(q), "a failed realloc leaves the block alone")
}

func TestMemalign(t *testing.T) {
	z, _ := newTestZone(t)
	tests := []struct {
		name        string
		align, size uintptr
		tiny, small bool
	}{
		{"tiny 32", 32, 10, true, false},
		{"tiny 64", 64, 100, true, false},
		{"tiny 256", 256, 300, true, false},
		{"small 1024", 1024, 2000, false, true},
		{"small page", 4096, 100, false, true},
		{"large", 64 << 10, 100000, false, false},
		{"natural", 16, 40, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := z.Memalign(tt.align, tt.size)
			require.NoError(t, err)
			assert.Zero(t, uintptr(p)%tt.align)
			assert.GreaterOrEqual(t, z.Size(p), tt.size)
			assert.Equal(t, tt.tiny, z.tiny.Owns(uintptr(p)))
			assert.Equal(t, tt.small, z.small.Owns(uintptr(p)))
			testutil.Fill(p, tt.size, 7)
			require.NoError(t, z.Check())
			z.Free(p)
		})
	}
	require.NoError(t, z.Check())
}

func TestMemalign_InvalidAlignment(t *testing.T) {
	z, _ := newTestZone(t)
	for _, align := range []uintptr{0, 3, 4, 24, 100} {
		_, err := z.Memalign(align, 64)
		require.ErrorIs(t, err, types.ErrInvalidAlignment, "alignment %d", align)
		assert.True(t, types.IsKind(err, types.ErrKindInvalid))
	}
	_, err := z.Memalign(4096, ^uintptr(0)-100)
	require.ErrorIs(t, err, types.ErrOverflow)
}

func TestValloc(t *testing.T) {
	z, _ := newTestZone(t)
	for _, n := range []uintptr{1, 3000, 20000} {
		p, err := z.Valloc(n)
		require.NoError(t, err)
		assert.Zero(t, uintptr(p)%vm.PageSize(), "valloc(%d)", n)
	}
}

func TestAllocate(t *testing.T) {
	z, _ := newTestZone(t)

	p, err := z.Allocate(300, 128, false)
	require.NoError(t, err)
	testutil.Fill(p, 300, 1)
	z.Free(p)

	q, err := z.Allocate(300, 128, true)
	require.NoError(t, err)
	assert.Zero(t, uintptr(q)%128)
	for _, b := range z.Bytes(q, z.Size(q)) {
		require.Zero(t, b)
	}

	r, err := z.Allocate(40, 0, true)
	require.NoError(t, err)
	assert.Equal(t, uintptr(48), z.Size(r))
}

func TestGoodSize(t *testing.T) {
	z, _ := newTestZone(t)
	ps := vm.PageSize()
	tests := []struct {
		in, want uintptr
	}{
		{0, 16},
		{1, 16},
		{17, 32},
		{1007, 1008},
		{1008, 1024},
		{15359, 15360},
		{15360, vm.RoundPage(15360)},
		{ps*5 + 1, vm.RoundPage(ps*5 + 1)},
		{^uintptr(0) - 10, ^uintptr(0)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, z.GoodSize(tt.in), "GoodSize(%d)", tt.in)
	}
	for _, n := range []uintptr{1, 500, 2000, 70000} {
		p := mustMalloc(t, z, n)
		assert.Equal(t, z.GoodSize(n), z.Size(p), "malloc(%d)", n)
		z.Free(p)
	}
}

func TestFree_Nil(t *testing.T) {
	z, rep := newTestZone(t)
	z.Free(nil)
	assert.Zero(t, rep.Len())
}

func TestFree_ForeignPointer(t *testing.T) {
	z, rep := newTestZone(t)
	var x [64]byte
	z.Free(unsafe.Pointer(&x[0]))
	require.Equal(t, 1, rep.Len())
	assert.ErrorIs(t, rep.Last(), types.ErrNotOwned)
}

func TestFree_DoubleFreeReported(t *testing.T) {
	z, rep := newTestZone(t)
	for _, n := range []uintptr{32, 4000, 50000} {
		p := mustMalloc(t, z, n)
		z.Free(p)
		z.Free(p)
		require.Error(t, rep.Last(), "double free of %d bytes", n)
		assert.True(t, types.IsKind(rep.Last(), types.ErrKindCorrupt))
	}
	require.NoError(t, z.Check())
}

func TestFree_DoubleFreePanicsByDefault(t *testing.T) {
	z, _ := newTestZone(t, func(c *Config) { c.OnCorruption = nil })
	p := mustMalloc(t, z, 48)
	z.Free(p)
	require.Panics(t, func() { z.Free(p) })
}

func TestFree_ReverseOrderKeepsSurvivor(t *testing.T) {
	z, rep := newTestZone(t, singleMagazine)

	ptrs := make([]unsafe.Pointer, 100)
	for i := range ptrs {
		ptrs[i] = mustMalloc(t, z, 32)
		if i > 0 {
			require.Equal(t, uintptr(ptrs[i-1])+32, uintptr(ptrs[i]), "blocks are carved in order")
		}
	}
	last := ptrs[len(ptrs)-1]
	testutil.Fill(last, 32, 4)
	for i := len(ptrs) - 2; i >= 0; i-- {
		z.Free(ptrs[i])
	}

	assert.Zero(t, rep.Len())
	assert.GreaterOrEqual(t, z.Size(last), uintptr(32))
	testutil.Verify(t, last, 32, 4)
	st := z.ClassStatistics().Tiny
	assert.Equal(t, uint64(1), st.BlocksInUse)
	assert.Equal(t, uint64(1), st.FreeBlocks, "the 99 freed neighbours coalesce into one block")
	require.NoError(t, z.Check())

	p := mustMalloc(t, z, 32)
	assert.Equal(t, ptrs[0], p, "the coalesced block is reused from its start")
	require.NoError(t, z.Check())
}

func TestClaimedAddress(t *testing.T) {
	z, _ := newTestZone(t)
	ps := vm.PageSize()

	for _, n := range []uintptr{40, 3000, 4 * ps} {
		p := mustMalloc(t, z, n)
		for _, off := range []uintptr{0, 8, n - 1} {
			assert.True(t, z.ClaimedAddress(unsafe.Add(p, off)), "size %d offset %d", n, off)
		}
	}
	var x int
	assert.False(t, z.ClaimedAddress(unsafe.Pointer(&x)))
	assert.False(t, z.ClaimedAddress(nil))
}

func TestBatch_RoundTrip(t *testing.T) {
	z, rep := newTestZone(t)
	for _, size := range []uintptr{24, 2048, 40000} {
		ptrs := z.BatchMalloc(size, 50)
		require.Len(t, ptrs, 50)
		seen := map[unsafe.Pointer]bool{}
		for _, p := range ptrs {
			require.NotNil(t, p)
			require.False(t, seen[p], "duplicate block")
			seen[p] = true
			assert.GreaterOrEqual(t, z.Size(p), size)
		}
		assert.Equal(t, uint64(50), z.Statistics().BlocksInUse)

		z.BatchFree(ptrs)
		for _, p := range ptrs {
			assert.Nil(t, p)
		}
		assert.Zero(t, z.Statistics().BlocksInUse)
	}
	assert.Empty(t, z.BatchMalloc(16, 0))
	z.BatchFree([]unsafe.Pointer{nil, nil})
	assert.Zero(t, rep.Len())
	require.NoError(t, z.Check())
}

func TestPressureRelief(t *testing.T) {
	z, _ := newTestZone(t, func(c *Config) { c.RecircRetainedRegions = 0 })

	var ptrs []unsafe.Pointer
	for range 2000 {
		ptrs = append(ptrs, mustMalloc(t, z, 200))
	}
	for range 20 {
		ptrs = append(ptrs, mustMalloc(t, z, 4000))
	}
	for range 4 {
		ptrs = append(ptrs, mustMalloc(t, z, 64<<10))
	}
	for _, p := range ptrs {
		z.Free(p)
	}

	mapped := vm.ReadStats().MappedBytes
	released := z.PressureRelief(0)
	assert.Positive(t, released)
	assert.Less(t, vm.ReadStats().MappedBytes, mapped)
	assert.Zero(t, z.ClassStatistics().Large.CachedEntries)
	require.NoError(t, z.Check())

	p := mustMalloc(t, z, 200)
	z.Free(p)
	require.NoError(t, z.Check())
}

func TestMemoryPressure(t *testing.T) {
	z, _ := newTestZone(t)
	var ptrs []unsafe.Pointer
	for range 6 {
		ptrs = append(ptrs, mustMalloc(t, z, 256<<10))
	}
	assert.Zero(t, z.MemoryPressure())
	for _, p := range ptrs {
		z.Free(p)
	}
	assert.Positive(t, z.MemoryPressure())
	assert.Less(t, z.ClassStatistics().Large.CachedBytes, uint64(format.FlotsamThresholdLow))
}

func TestRandomWorkloadKeepsInvariants(t *testing.T) {
	z, _ := newTestZone(t, func(c *Config) { c.Magazines = 2 })
	rng := rand.New(rand.NewPCG(1, 2))

	live := map[unsafe.Pointer]uintptr{}
	for i := range 3000 {
		if len(live) > 0 && rng.IntN(3) == 0 {
			for p := range live {
				z.Free(p)
				delete(live, p)
				break
			}
			continue
		}
		var n uintptr
		switch rng.IntN(10) {
		case 0:
			n = uintptr(rng.IntN(64 << 10))
		case 1, 2:
			n = uintptr(rng.IntN(15 << 10))
		default:
			n = uintptr(rng.IntN(1008))
		}
		p := mustMalloc(t, z, n)
		testutil.Fill(p, n, byte(i))
		live[p] = n
		if i%500 == 0 {
			require.NoError(t, z.Check())
		}
	}

	var bytes uint64
	for p := range live {
		bytes += uint64(z.Size(p))
	}
	st := z.Statistics()
	assert.Equal(t, uint64(len(live)), st.BlocksInUse)
	assert.Equal(t, bytes, st.BytesInUse)
	require.NoError(t, z.Check())
}

func TestConcurrentMallocFree(t *testing.T) {
	z, rep := newTestZone(t, func(c *Config) { c.Magazines = 4 })

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(g), 7))
			var mine []unsafe.Pointer
			for i := range 2000 {
				if len(mine) > 0 && rng.IntN(2) == 0 {
					k := rng.IntN(len(mine))
					z.Free(mine[k])
					mine[k] = mine[len(mine)-1]
					mine = mine[:len(mine)-1]
					continue
				}
				n := uintptr(rng.IntN(3000))
				if i%97 == 0 {
					n = 20000
				}
				p, err := z.Malloc(n)
				if err != nil {
					t.Errorf("malloc(%d): %v", n, err)
					return
				}
				*(*byte)(p) = byte(g)
				mine = append(mine, p)
			}
			z.BatchFree(mine)
		}()
	}
	wg.Wait()

	assert.Zero(t, rep.Len())
	assert.Zero(t, z.Statistics().BlocksInUse)
	require.NoError(t, z.Check())
}

func TestLargeMemMode(t *testing.T) {
	z, _ := newTestZone(t, func(c *Config) { c.LargeMem = LargeMemOn })
	assert.True(t, z.Largemem())
	assert.Equal(t, uintptr(format.LargeThresholdLargeMem), z.Thresholds().LargeThreshold)

	p := mustMalloc(t, z, 100<<10)
	assert.True(t, z.small.Owns(uintptr(p)), "100 KiB is small under large-memory thresholds")
	assert.Equal(t, uintptr(100<<10), z.Size(p))
	z.Free(p)
	require.NoError(t, z.Check())
}

func TestDestroy(t *testing.T) {
	z, err := New(Config{LargeMem: LargeMemOff})
	require.NoError(t, err)
	mustMalloc(t, z, 10)
	mustMalloc(t, z, 100000)

	require.NoError(t, z.Destroy())
	require.NoError(t, z.Destroy(), "destroy is idempotent")

	_, err = z.Malloc(10)
	require.ErrorIs(t, err, types.ErrDestroyed)
	assert.ErrorIs(t, z.Check(), types.ErrDestroyed)
	z.Free(nil)
}
