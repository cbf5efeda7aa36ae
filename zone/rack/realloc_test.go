package rack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/pkg/types"
)

func TestTryGrow_AbsorbsFreeNeighbour(t *testing.T) {
	r, _ := newTestRack(t, format.Tiny(), 1, 2)
	p := mustMalloc(t, r, 32)
	q := mustMalloc(t, r, 64)
	mustMalloc(t, r, 16)
	require.True(t, r.Free(q))

	require.True(t, r.TryGrow(p, 64))
	assert.Equal(t, uintptr(64), r.Size(p))
	require.NoError(t, r.Check(), "the leftover of the neighbour stays a free block")

	require.True(t, r.TryGrow(p, 96))
	assert.Equal(t, uintptr(96), r.Size(p))
	assert.False(t, r.TryGrow(p, 112), "the next block is live")
	require.NoError(t, r.Check())
}

func TestTryGrow_ExtendsIntoCarvingTail(t *testing.T) {
	r, _ := newTestRack(t, format.Small(false), 1, 2)
	p := mustMalloc(t, r, 1024)

	require.True(t, r.TryGrow(p, 8*1024))
	assert.Equal(t, uintptr(8*1024), r.Size(p))
	next := mustMalloc(t, r, 1024)
	assert.Equal(t, p+8*1024, next)
	require.NoError(t, r.Check())
}

func TestTryGrow_RejectsOversizeAndForeign(t *testing.T) {
	r, _ := newTestRack(t, format.Tiny(), 1, 2)
	p := mustMalloc(t, r, 16)

	assert.False(t, r.TryGrow(p, 4096), "past the class's largest block")
	assert.False(t, r.TryGrow(p+1<<30, 32))
	assert.True(t, r.TryGrow(p, 8), "shrinking requests are already satisfied")
}

func TestShrink_FreesTail(t *testing.T) {
	for _, geo := range []format.Geometry{format.Tiny(), format.Small(false)} {
		t.Run(geo.Class.String(), func(t *testing.T) {
			r, _ := newTestRack(t, geo, 1, 2)
			p := mustMalloc(t, r, 8*geo.Quantum)
			mustMalloc(t, r, geo.Quantum)

			r.Shrink(p, 3*geo.Quantum)
			assert.Equal(t, 3*geo.Quantum, r.Size(p))
			st := r.Statistics()
			assert.Equal(t, uint64(4*geo.Quantum), st.BytesInUse)
			assert.Equal(t, uint64(1), st.FreeBlocks)
			require.NoError(t, r.Check())

			q := mustMalloc(t, r, 5*geo.Quantum)
			assert.Equal(t, p+3*geo.Quantum, q, "the freed tail is reused")
			require.NoError(t, r.Check())
		})
	}
}

func TestMemalign(t *testing.T) {
	for _, geo := range []format.Geometry{format.Tiny(), format.Small(false)} {
		t.Run(geo.Class.String(), func(t *testing.T) {
			r, _ := newTestRack(t, geo, 1, 2)
			mustMalloc(t, r, geo.Quantum) // misalign the bump

			for _, align := range []uintptr{geo.Quantum, 2 * geo.Quantum, 4 * geo.Quantum} {
				p, err := r.Memalign(align, geo.Quantum)
				require.NoError(t, err)
				assert.Zero(t, p%align, "align %d", align)
				assert.Equal(t, geo.Quantum, r.Size(p))
				require.NoError(t, r.Check())
			}
		})
	}
}

func TestMemalign_Errors(t *testing.T) {
	r, _ := newTestRack(t, format.Tiny(), 1, 2)

	_, err := r.Memalign(48, 16)
	assert.ErrorIs(t, err, types.ErrInvalidAlignment)

	_, err = r.Memalign(4096, 16)
	assert.ErrorIs(t, err, types.ErrInvalidAlignment, "alignment that cannot fit in a tiny block")
}

func TestBatchMallocFree(t *testing.T) {
	r, _ := newTestRack(t, format.Tiny(), 1, 2)

	ptrs := r.BatchMalloc(48, 50)
	require.Len(t, ptrs, 50)
	seen := make(map[uintptr]bool)
	for _, p := range ptrs {
		assert.False(t, seen[p], "duplicate block %#x", p)
		seen[p] = true
		assert.Equal(t, uintptr(48), r.Size(p))
	}
	assert.Equal(t, uint64(50), r.Statistics().BlocksInUse)

	const foreign = uintptr(0x10)
	mixed := append([]uintptr{0, foreign}, ptrs...)
	n := r.BatchFree(mixed)
	assert.Equal(t, 50, n)
	assert.Equal(t, foreign, mixed[1], "pointers of other allocators are left in place")
	for _, p := range mixed[2:] {
		assert.Zero(t, p)
	}
	assert.Zero(t, r.Statistics().BlocksInUse)
	require.NoError(t, r.Check())

	assert.Nil(t, r.BatchMalloc(16, 0))
}
