package zone

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/magzone/internal/testutil"
	"github.com/joshuapare/magzone/internal/vm"
	"github.com/joshuapare/magzone/pkg/types"
)

func singleMagazine(c *Config) { c.Magazines = 1 }

func TestRealloc_Nil(t *testing.T) {
	z, _ := newTestZone(t)
	p, err := z.Realloc(nil, 100)
	require.NoError(t, err)
	assert.Equal(t, uintptr(112), z.Size(p))
}

func TestRealloc_ZeroFreesAndReturnsMinimumBlock(t *testing.T) {
	z, _ := newTestZone(t)
	p := mustMalloc(t, z, 500)

	q, err := z.Realloc(p, 0)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, uintptr(16), z.Size(q))
	assert.Equal(t, uint64(1), z.Statistics().BlocksInUse)
}

func TestRealloc_SameGoodSize(t *testing.T) {
	z, _ := newTestZone(t)
	p := mustMalloc(t, z, 100)
	q, err := z.Realloc(p, 110)
	require.NoError(t, err)
	assert.Equal(t, p, q)
	assert.Zero(t, z.CopyStats().Bytes)
}

func TestRealloc_ShrinkInPlace(t *testing.T) {
	z, _ := newTestZone(t)

	tests := []struct {
		name     string
		old, new uintptr
		size     uintptr // usable size afterwards
	}{
		{"tiny to half", 512, 200, 208},
		{"tiny by less than half", 512, 300, 512},
		{"small to half", 8192, 2048, 2048},
		{"small by less than half", 8192, 6000, 8192},
		{"large to half", 64 << 10, 20 << 10, vm.RoundPage(20 << 10)},
		{"large by less than half", 64 << 10, 40 << 10, 64 << 10},
		{"small to tiny within half", 1024, 600, 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustMalloc(t, z, tt.old)
			testutil.Fill(p, tt.new, 3)
			q, err := z.Realloc(p, tt.new)
			require.NoError(t, err)
			assert.Equal(t, p, q, "the block stays put")
			assert.Equal(t, tt.size, z.Size(q))
			testutil.Verify(t, q, tt.new, 3)
			require.NoError(t, z.Check())
			z.Free(q)
		})
	}
	assert.Zero(t, z.CopyStats().Bytes)
}

func TestRealloc_GrowInPlace(t *testing.T) {
	z, _ := newTestZone(t, singleMagazine)

	a := mustMalloc(t, z, 32)
	b := mustMalloc(t, z, 32)
	require.Equal(t, uintptr(a)+32, uintptr(b), "blocks are carved in order")
	testutil.Fill(a, 32, 9)
	z.Free(b)

	q, err := z.Realloc(a, 64)
	require.NoError(t, err)
	assert.Equal(t, a, q, "absorbs the free neighbour")
	assert.Equal(t, uintptr(64), z.Size(q))
	testutil.Verify(t, q, 32, 9)

	r, err := z.Realloc(q, 200)
	require.NoError(t, err)
	assert.Equal(t, q, r, "extends into the untouched tail of the region")
	assert.Zero(t, z.CopyStats().Bytes)
	require.NoError(t, z.Check())
}

func TestRealloc_GrowByCopy(t *testing.T) {
	z, _ := newTestZone(t, singleMagazine)

	a := mustMalloc(t, z, 32)
	mustMalloc(t, z, 32)
	testutil.Fill(a, 32, 5)

	q, err := z.Realloc(a, 48)
	require.NoError(t, err)
	assert.NotEqual(t, a, q)
	testutil.Verify(t, q, 32, 5)
	assert.Zero(t, z.Size(a), "the old block is freed")
	assert.Equal(t, uint64(1), z.CopyStats().Bytes)
	require.NoError(t, z.Check())
}

func TestRealloc_AcrossClasses(t *testing.T) {
	z, _ := newTestZone(t)
	sizes := []uintptr{1000, 2000, 14000, 30000, 200000, 700, 16}

	p := mustMalloc(t, z, 10)
	testutil.Fill(p, 10, 1)
	kept := uintptr(10)
	for _, n := range sizes {
		q, err := z.Realloc(p, n)
		require.NoError(t, err, "realloc to %d", n)
		kept = min(kept, n)
		testutil.Verify(t, q, kept, 1)
		assert.GreaterOrEqual(t, z.Size(q), n)
		p = q
		testutil.Fill(p, n, 1)
		kept = n
	}
	assert.Equal(t, uint64(1), z.Statistics().BlocksInUse)
	require.NoError(t, z.Check())
}

func TestRealloc_ForeignPointer(t *testing.T) {
	z, rep := newTestZone(t)
	var x [32]byte
	_, err := z.Realloc(unsafe.Pointer(&x[0]), 64)
	require.ErrorIs(t, err, types.ErrNotOwned)
	assert.Zero(t, rep.Len())
}
