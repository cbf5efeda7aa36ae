//go:build linux

package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdviseZeroesAnonymousPages(t *testing.T) {
	addr, err := Allocate(2*pageSize, 0)
	require.NoError(t, err)
	defer Deallocate(addr, 2*pageSize)

	b := Bytes(addr, 2*pageSize)
	b[0], b[pageSize] = 1, 2
	n, err := Advise(addr, 2*pageSize)
	require.NoError(t, err)
	require.Equal(t, 2*pageSize, n)
	require.Equal(t, byte(0), b[0])
	require.Equal(t, byte(0), b[pageSize])
}

func TestExtendInPlace(t *testing.T) {
	// Reserve four pages, give back the top two, then grow into them.
	addr, err := Allocate(4*pageSize, 0)
	require.NoError(t, err)
	require.NoError(t, Deallocate(addr+2*pageSize, 2*pageSize))

	require.True(t, Extend(addr+2*pageSize, 2*pageSize))
	Bytes(addr, 4*pageSize)[4*pageSize-1] = 7

	// The range is now occupied.
	require.False(t, Extend(addr+2*pageSize, pageSize))
	require.NoError(t, Deallocate(addr, 4*pageSize))
}

func TestMovePages(t *testing.T) {
	src, err := Allocate(2*pageSize, 0)
	require.NoError(t, err)
	dst, err := Allocate(3*pageSize, 0)
	require.NoError(t, err)

	s := Bytes(src, 2*pageSize)
	s[0], s[2*pageSize-1] = 0x11, 0x22

	require.True(t, MovePages(dst, src, 2*pageSize))
	d := Bytes(dst, 3*pageSize)
	require.Equal(t, byte(0x11), d[0])
	require.Equal(t, byte(0x22), d[2*pageSize-1])

	// src is still mapped and reads as zero.
	require.Equal(t, byte(0), s[0])

	require.False(t, MovePages(dst+1, src, pageSize), "unaligned destination")

	require.NoError(t, Deallocate(src, 2*pageSize))
	require.NoError(t, Deallocate(dst, 3*pageSize))
}
