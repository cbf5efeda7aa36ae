package rack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/internal/vm"
)

const fullTiny = uintptr(format.SmallThreshold)

// fillTinyRegion allocates largest-size tiny blocks until a second region is
// mapped, and returns the blocks of the first region plus the one that
// spilled into the second.
func fillTinyRegion(t *testing.T, r *Rack) ([]uintptr, uintptr) {
	t.Helper()
	first := mustMalloc(t, r, fullTiny)
	rg := r.regionOf(first)
	ptrs := []uintptr{first}
	for {
		p := mustMalloc(t, r, fullTiny)
		if r.regionOf(p) != rg {
			return ptrs, p
		}
		ptrs = append(ptrs, p)
	}
}

func TestRecirculate_SparseRegionMovesToDepot(t *testing.T) {
	r, _ := newTestRack(t, format.Tiny(), 1, 2)

	ptrs, spill := fillTinyRegion(t, r)
	rg := r.regionOf(ptrs[0])
	owner, ok := r.Owner(ptrs[0])
	require.True(t, ok)
	assert.Equal(t, 0, owner)

	mappedBefore := vm.ReadStats().MappedBytes
	threshold := format.DensityThreshold(r.geo.Payload())

	k := 0
	for ; r.trailer(rg).BytesUsed >= threshold; k++ {
		require.True(t, r.Free(ptrs[k]))
		owner, _ = r.Owner(ptrs[len(ptrs)-1])
		if r.trailer(rg).BytesUsed >= threshold {
			assert.Equal(t, 0, owner, "region above density threshold must stay")
		}
	}
	owner, _ = r.Owner(ptrs[len(ptrs)-1])
	assert.Equal(t, DepotIndex, owner, "region below density threshold should be parked")

	st := r.Statistics()
	assert.Equal(t, 1, st.DepotRegions)
	assert.Equal(t, 2, st.Regions)
	assert.Equal(t, mappedBefore, vm.ReadStats().MappedBytes, "parking must not unmap")
	require.NoError(t, r.Check())

	// The spill region is the carving region and stays put.
	owner, _ = r.Owner(spill)
	assert.Equal(t, 0, owner)

	for _, p := range ptrs[k:] {
		require.True(t, r.Free(p))
	}
	require.NoError(t, r.Check())
	assert.True(t, r.Owns(ptrs[0]), "an empty region within the retained floor stays mapped")
	assert.Equal(t, 1, r.Statistics().DepotRegions)
}

func TestRecirculate_EmptyRegionReleasedPastRetained(t *testing.T) {
	r, _ := newTestRack(t, format.Tiny(), 1, 0)

	ptrs, _ := fillTinyRegion(t, r)
	mappedBefore := vm.ReadStats().MappedBytes
	for _, p := range ptrs {
		require.True(t, r.Free(p))
	}

	assert.False(t, r.Owns(ptrs[0]))
	st := r.Statistics()
	assert.Equal(t, 1, st.Regions)
	assert.Zero(t, st.DepotRegions)
	assert.Equal(t, mappedBefore-int64(format.TinyRegionSize), vm.ReadStats().MappedBytes)
	require.NoError(t, r.Check())
}

func TestRecirculate_DepotRegionAdopted(t *testing.T) {
	r, _ := newTestRack(t, format.Tiny(), 1, 2)

	ptrs, _ := fillTinyRegion(t, r)
	half := len(ptrs) / 2
	for _, p := range ptrs[:half] {
		require.True(t, r.Free(p))
	}
	owner, _ := r.Owner(ptrs[0])
	require.Equal(t, DepotIndex, owner)

	// Exhaust the carving region so the next request has to look elsewhere.
	for {
		p := mustMalloc(t, r, fullTiny)
		if r.regionOf(p) == r.regionOf(ptrs[0]) {
			break
		}
	}
	owner, _ = r.Owner(ptrs[0])
	assert.Equal(t, 0, owner, "a magazine that ran dry should adopt the depot region")
	assert.Zero(t, r.Statistics().DepotRegions)
	require.NoError(t, r.Check())
}

func TestPressureRelief_ReleasesEmptyRegions(t *testing.T) {
	r, _ := newTestRack(t, format.Tiny(), 2, 0)

	ptrs, spill := fillTinyRegion(t, r)
	for _, p := range append(ptrs, spill) {
		require.True(t, r.Free(p))
	}
	before := r.Statistics().Regions
	require.Positive(t, before)

	got := r.PressureRelief(0)
	assert.GreaterOrEqual(t, got, uintptr(format.TinyRegionSize))
	assert.Zero(t, r.Statistics().Regions)
	require.NoError(t, r.Check())

	// The rack keeps working after everything was given back.
	p := mustMalloc(t, r, 48)
	assert.True(t, r.Free(p))
	require.NoError(t, r.Check())
}

func TestPressureRelief_GoalStopsEarly(t *testing.T) {
	r, _ := newTestRack(t, format.Tiny(), 1, 0)

	var regions []uintptr
	for range 3 {
		ptrs, _ := fillTinyRegion(t, r)
		regions = append(regions, ptrs...)
	}
	for _, p := range regions {
		r.Free(p)
	}
	require.NoError(t, r.Check())

	got := r.PressureRelief(1)
	assert.Positive(t, got)
	require.NoError(t, r.Check())
}
