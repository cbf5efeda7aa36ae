// Package mmfile opens heap image files for random access, memory-mapped
// when the platform allows it.
package mmfile

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/mmap"
)

// File is a read-only heap image.
type File interface {
	io.ReaderAt
	io.Closer
	Len() int64
}

// Open opens the file at path. With mapped set the file is memory-mapped;
// otherwise reads go through the file descriptor.
func Open(path string, mapped bool) (File, error) {
	if mapped {
		r, err := mmap.Open(path)
		if err != nil {
			return nil, fmt.Errorf("mmfile: map %q: %w", path, err)
		}
		return mappedFile{r}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmfile: open %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmfile: stat %q: %w", path, err)
	}
	return plainFile{File: f, size: info.Size()}, nil
}

type mappedFile struct{ r *mmap.ReaderAt }

func (m mappedFile) ReadAt(p []byte, off int64) (int, error) { return m.r.ReadAt(p, off) }
func (m mappedFile) Close() error                            { return m.r.Close() }
func (m mappedFile) Len() int64                              { return int64(m.r.Len()) }

type plainFile struct {
	*os.File
	size int64
}

func (f plainFile) Len() int64 { return f.size }

// ReadFull reads exactly n bytes at off.
func ReadFull(f File, off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+int64(n) > f.Len() {
		return nil, fmt.Errorf("mmfile: read [%d, +%d) past end %d: %w", off, n, f.Len(), io.ErrUnexpectedEOF)
	}
	b := make([]byte, n)
	if _, err := f.ReadAt(b, off); err != nil && (err != io.EOF || off+int64(n) != f.Len()) {
		return nil, err
	}
	return b, nil
}
