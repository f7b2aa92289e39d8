package fio

import (
	"fmt"
	"io"

	"golang.org/x/exp/mmap"

	"flintkv/pkg/dberrors"
)

// MmapIO serves reads from a read-only memory mapping of the whole file.
// Sealed segments use it so a lookup costs a slice of the mapping instead of
// a system call.
type MmapIO struct {
	r *mmap.ReaderAt
}

// NewMmapIO maps the file at path.
func NewMmapIO(path string) (*MmapIO, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap data file: %w", err)
	}
	return &MmapIO{r: r}, nil
}

func (m *MmapIO) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(m.r.Len()) {
		return 0, io.EOF
	}
	return m.r.ReadAt(p, off)
}

func (m *MmapIO) Write([]byte) (int, error) {
	return 0, dberrors.ErrReadOnlyFile
}

func (m *MmapIO) Sync() error {
	return dberrors.ErrReadOnlyFile
}

func (m *MmapIO) Size() (int64, error) {
	return int64(m.r.Len()), nil
}

func (m *MmapIO) Close() error {
	return m.r.Close()
}
