package introspect

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/joshuapare/magzone/internal/buf"
	"github.com/joshuapare/magzone/internal/mmfile"
	"github.com/joshuapare/magzone/pkg/types"
)

// Heap image layout, all little endian:
//
//	0x00  magic    "MAGSNAP\0"
//	0x08  version  uint32
//	0x0C  reserved uint32
//	0x10  zone     uint64  descriptor address
//	0x18  count    uint64  number of segments
//	0x20  segments {addr uint64, len uint64, bytes[len], zero pad to 8}
var snapMagic = []byte("MAGSNAP\x00")

const (
	snapVersion    = 1
	snapHeaderSize = 0x20
	segHeaderSize  = 16
)

// WriteSnapshot writes a heap image of the zone at zoneAddr: every admin
// range the enumerator reports, enough to enumerate and verify the zone
// later. Block contents are not included. Ranges that cannot be read are
// left out.
func WriteSnapshot(w io.Writer, r types.MemoryReader, zoneAddr uintptr) error {
	type segment struct {
		addr uintptr
		data []byte
	}
	var segs []segment
	err := Enumerate(r, zoneAddr, types.RangeAdmin, func(_ types.RangeType, ranges []types.Range) {
		for _, rg := range ranges {
			data, err := r.Read(rg.Addr, rg.Size)
			if err != nil {
				continue
			}
			segs = append(segs, segment{addr: rg.Addr, data: data})
		}
	})
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	hdr := make([]byte, snapHeaderSize)
	copy(hdr, snapMagic)
	hdr[8] = snapVersion
	buf.PutU64LE(hdr[0x10:], uint64(zoneAddr))
	buf.PutU64LE(hdr[0x18:], uint64(len(segs)))
	if _, err := bw.Write(hdr); err != nil {
		return err
	}
	var sh [segHeaderSize]byte
	var pad [8]byte
	for _, s := range segs {
		buf.PutU64LE(sh[0:], uint64(s.addr))
		buf.PutU64LE(sh[8:], uint64(len(s.data)))
		if _, err := bw.Write(sh[:]); err != nil {
			return err
		}
		if _, err := bw.Write(s.data); err != nil {
			return err
		}
		if n := len(s.data) & 7; n != 0 {
			if _, err := bw.Write(pad[:8-n]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// WriteSnapshotFile writes a heap image to path, replacing it atomically.
func WriteSnapshotFile(path string, r types.MemoryReader, zoneAddr uintptr) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := WriteSnapshot(f, r, zoneAddr); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ============================================================================
// Image
// ============================================================================

type imageSeg struct {
	addr uintptr
	size uintptr
	off  int64
}

// Image is a heap image opened for reading. It implements
// types.MemoryReader over the addresses the image was taken from.
type Image struct {
	f    mmfile.File
	zone uintptr
	segs []imageSeg
}

// OpenImage opens and indexes the heap image at path.
func OpenImage(path string) (*Image, error) {
	f, err := mmfile.Open(path, true)
	if err != nil {
		return nil, err
	}
	img, err := newImage(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func newImage(f mmfile.File) (*Image, error) {
	hdr, err := mmfile.ReadFull(f, 0, snapHeaderSize)
	if err != nil {
		return nil, types.ErrBadImage.With(err)
	}
	if !bytes.Equal(hdr[:8], snapMagic) {
		return nil, types.ErrBadImage.With(errors.New("bad magic"))
	}
	if v := buf.U32LE(hdr[8:]); v != snapVersion {
		return nil, types.ErrBadImage.With(fmt.Errorf("version %d", v))
	}
	img := &Image{f: f, zone: uintptr(buf.U64LE(hdr[0x10:]))}
	count := buf.U64LE(hdr[0x18:])

	off := int64(snapHeaderSize)
	for k := uint64(0); k < count; k++ {
		sh, err := mmfile.ReadFull(f, off, segHeaderSize)
		if err != nil {
			return nil, types.ErrBadImage.With(fmt.Errorf("segment %d: %w", k, err))
		}
		s := imageSeg{
			addr: uintptr(buf.U64LE(sh)),
			size: uintptr(buf.U64LE(sh[8:])),
			off:  off + segHeaderSize,
		}
		end := s.off + int64(s.size)
		if s.size > maxRead || end > f.Len() {
			return nil, types.ErrBadImage.With(fmt.Errorf("segment %d at %#x: %d bytes past end", k, s.addr, s.size))
		}
		img.segs = append(img.segs, s)
		off = end + int64(-s.size&7)
	}
	sort.Slice(img.segs, func(i, j int) bool { return img.segs[i].addr < img.segs[j].addr })
	return img, nil
}

// ZoneAddr returns the descriptor address the image was taken from.
func (img *Image) ZoneAddr() uintptr { return img.zone }

// Segments returns the number of memory ranges in the image.
func (img *Image) Segments() int { return len(img.segs) }

// Read returns size bytes at addr. The whole range must lie in one segment.
func (img *Image) Read(addr, size uintptr) ([]byte, error) {
	i := sort.Search(len(img.segs), func(i int) bool { return img.segs[i].addr > addr }) - 1
	if i < 0 {
		return nil, fmt.Errorf("image read [%#x, +%d): %w", addr, size, ErrUnreadable)
	}
	s := img.segs[i]
	if addr+size < addr || addr+size > s.addr+s.size {
		return nil, fmt.Errorf("image read [%#x, +%d): %w", addr, size, ErrUnreadable)
	}
	return mmfile.ReadFull(img.f, s.off+int64(addr-s.addr), int(size))
}

// Close releases the image.
func (img *Image) Close() error { return img.f.Close() }
