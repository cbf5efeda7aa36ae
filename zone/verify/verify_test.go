package verify_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/internal/testutil"
	"github.com/joshuapare/magzone/pkg/types"
	"github.com/joshuapare/magzone/zone"
	"github.com/joshuapare/magzone/zone/introspect"
	"github.com/joshuapare/magzone/zone/verify"
)

func newZone(t *testing.T) *zone.Zone {
	t.Helper()
	cfg := zone.DefaultConfig()
	cfg.LargeMem = zone.LargeMemOff
	cfg.Magazines = 1
	z, err := zone.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, z.Destroy()) })
	return z
}

func workload(t *testing.T, z *zone.Zone) []unsafe.Pointer {
	t.Helper()
	var live []unsafe.Pointer
	for k := range 300 {
		p, err := z.Malloc(uintptr(k*37%2000 + 1))
		require.NoError(t, err)
		if k%4 == 1 {
			z.Free(p)
			continue
		}
		live = append(live, p)
	}
	return live
}

// overlay serves reads from the live process with some bytes replaced.
type overlay map[uintptr][]byte

func (o overlay) Read(addr, size uintptr) ([]byte, error) {
	b, err := introspect.LiveReader{}.Read(addr, size)
	if err != nil {
		return nil, err
	}
	for at, patch := range o {
		if at >= addr && at+uintptr(len(patch)) <= addr+size {
			copy(b[at-addr:], patch)
		}
	}
	return b, nil
}

func TestZone_CleanAfterWorkload(t *testing.T) {
	z := newZone(t)
	workload(t, z)
	assert.Empty(t, verify.Zone(introspect.LiveReader{}, z.DescriptorAddr()))
	require.NoError(t, verify.AllInvariants(introspect.LiveReader{}, z.DescriptorAddr()))
}

func TestZone_CleanImage(t *testing.T) {
	z := newZone(t)
	workload(t, z)
	path := testutil.ImagePath(t, "verify")
	require.NoError(t, z.SnapshotFile(path))

	img, err := introspect.OpenImage(path)
	require.NoError(t, err)
	defer img.Close()
	assert.Empty(t, verify.Zone(img, img.ZoneAddr()))
}

func TestZone_BadDescriptor(t *testing.T) {
	var junk [format.DescriptorSize]byte
	errs := verify.Zone(introspect.LiveReader{}, uintptr(unsafe.Pointer(&junk[0])))
	require.Len(t, errs, 1)
	assert.Equal(t, "Descriptor", errs[0].Type)
	assert.ErrorIs(t, errs[0], types.ErrCorrupt)
}

func tinyRegion(t *testing.T, z *zone.Zone) *introspect.Region {
	t.Helper()
	zr, err := introspect.ReadZone(introspect.LiveReader{}, z.DescriptorAddr())
	require.NoError(t, err)
	tbl, err := introspect.ReadTable(introspect.LiveReader{}, zr.Descriptor.Tiny, 8)
	require.NoError(t, err)
	bases := tbl.Regions()
	require.Len(t, bases, 1)
	rg, err := introspect.ReadRegion(introspect.LiveReader{}, bases[0], zr.Tiny)
	require.NoError(t, err)
	return rg
}

func TestRegion_TrailerCountMismatch(t *testing.T) {
	z := newZone(t)
	workload(t, z)
	rg := tinyRegion(t, z)

	patch := make([]byte, 4)
	binary.LittleEndian.PutUint32(patch, rg.Trailer.Objects+1)
	r := overlay{rg.Base + format.TinyTrailerOffset + format.TrailerObjectsOff: patch}

	errs := verify.Zone(r, z.DescriptorAddr())
	require.NotEmpty(t, errs)
	assert.Equal(t, "Trailer", errs[0].Type)
	assert.Equal(t, rg.Base, errs[0].Addr)
}

func TestRegion_AdjacentFreeBlocks(t *testing.T) {
	z := newZone(t)
	a, err := z.Malloc(32)
	require.NoError(t, err)
	b, err := z.Malloc(32)
	require.NoError(t, err)
	_, err = z.Malloc(32)
	require.NoError(t, err)
	z.Free(a)

	rg := tinyRegion(t, z)
	// Clear b's in-use bit: two free blocks now touch.
	i := uint32((uintptr(b) - rg.Base) >> format.ShiftTinyQuantum)
	off := uintptr(i>>5)*8 + 4
	word := binary.LittleEndian.Uint32(rg.Meta[off:])
	patch := binary.LittleEndian.AppendUint32(nil, word&^(1<<(i&31)))
	r := overlay{rg.Base + format.TinyMetaOffset + off: patch}

	errs := verify.Zone(r, z.DescriptorAddr())
	require.NotEmpty(t, errs)
	assert.Equal(t, "Coalescing", errs[0].Type)
}

func TestRegion_FreeBlockEnds(t *testing.T) {
	z := newZone(t)
	a, err := z.Malloc(64)
	require.NoError(t, err)
	_, err = z.Malloc(16)
	require.NoError(t, err)
	z.Free(a)

	// The size at the tail of the freed block no longer matches its head.
	r := overlay{uintptr(a) + 64 - 2: {9, 0}}
	errs := verify.Zone(r, z.DescriptorAddr())
	require.NotEmpty(t, errs)
	assert.Equal(t, "FreeBlock", errs[0].Type)
	assert.Equal(t, uintptr(a), errs[0].Addr)
}

func TestDeathRow(t *testing.T) {
	var d format.Descriptor
	require.Nil(t, verify.DeathRow(&d))

	d.DeathRowLen = 1
	d.DeathRow[0] = format.Entry{Addr: 0x10000, Size: 0x4000}
	d.DeathRowBytes = 0x4000
	require.Nil(t, verify.DeathRow(&d))

	d.DeathRowBytes = 0x8000
	err := verify.DeathRow(&d)
	require.NotNil(t, err)
	assert.Equal(t, "DeathRow", err.Type)

	d.DeathRowLen = 17
	require.NotNil(t, verify.DeathRow(&d))
}

func TestLarge_Overlap(t *testing.T) {
	z := newZone(t)
	p, err := z.Malloc(64 << 10)
	require.NoError(t, err)

	zr, err := introspect.ReadZone(introspect.LiveReader{}, z.DescriptorAddr())
	require.NoError(t, err)
	d := zr.Descriptor
	require.Nil(t, verify.Large(introspect.LiveReader{}, &d))

	// Park a fake entry inside the live block.
	d.DeathRowLen = 1
	d.DeathRowHead = 0
	d.DeathRow[0] = format.Entry{Addr: uint64(uintptr(p)) + d.PageSize, Size: d.PageSize}
	d.DeathRowBytes = d.PageSize
	verr := verify.Large(introspect.LiveReader{}, &d)
	require.NotNil(t, verr)
	assert.Contains(t, verr.Message, "overlap")
}
