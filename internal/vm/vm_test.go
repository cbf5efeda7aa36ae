package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateAligned(t *testing.T) {
	for _, align := range []uintptr{0, pageSize, 1 << 20, 8 << 20} {
		addr, err := Allocate(3*pageSize, align)
		require.NoError(t, err)
		require.NotZero(t, addr)
		if align > 0 {
			require.Zero(t, addr&(align-1), "align %#x", align)
		}

		b := Bytes(addr, 3*pageSize)
		require.Equal(t, byte(0), b[0])
		require.Equal(t, byte(0), b[len(b)-1])
		b[0], b[len(b)-1] = 0xAA, 0xBB

		require.NoError(t, Deallocate(addr, 3*pageSize))
	}
}

func TestAllocateRejectsBadAlignment(t *testing.T) {
	_, err := Allocate(pageSize, 3*pageSize)
	require.ErrorIs(t, err, ErrBadAlignment)
}

func TestRoundPage(t *testing.T) {
	require.Equal(t, pageSize, RoundPage(1))
	require.Equal(t, pageSize, RoundPage(pageSize))
	require.Equal(t, 2*pageSize, RoundPage(pageSize+1))
}

func TestAdviseSkipsPartialPages(t *testing.T) {
	addr, err := Allocate(4*pageSize, 0)
	require.NoError(t, err)
	defer Deallocate(addr, 4*pageSize)

	n, err := Advise(addr+1, pageSize)
	require.NoError(t, err)
	require.Zero(t, n, "less than one whole page inside the range")

	n, err = Advise(addr+1, 3*pageSize)
	require.NoError(t, err)
	require.Equal(t, 2*pageSize, n)
}

func TestCopyAndZero(t *testing.T) {
	addr, err := Allocate(pageSize, 0)
	require.NoError(t, err)
	defer Deallocate(addr, pageSize)

	b := Bytes(addr, 64)
	for i := range b {
		b[i] = byte(i)
	}
	Copy(addr+32, addr, 16)
	require.Equal(t, byte(0), b[32])
	require.Equal(t, byte(15), b[47])

	Zero(addr, 64)
	require.Equal(t, make([]byte, 64), b)
}

func TestStatsTrackMappings(t *testing.T) {
	before := ReadStats()
	addr, err := Allocate(2*pageSize, 0)
	require.NoError(t, err)
	mid := ReadStats()
	require.Equal(t, before.Maps+1, mid.Maps)
	require.NoError(t, Deallocate(addr, 2*pageSize))
	after := ReadStats()
	require.Equal(t, before.Unmaps+1, after.Unmaps)
}
