package fio

import (
	"fmt"
	"os"
)

// FileIO is the standard read-write manager used by the active segment.
type FileIO struct {
	fd *os.File
}

// NewFileIO opens (creating if needed) the file in append mode.
func NewFileIO(path string) (*FileIO, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	return &FileIO{fd: fd}, nil
}

func (f *FileIO) ReadAt(p []byte, off int64) (int, error) {
	return f.fd.ReadAt(p, off)
}

func (f *FileIO) Write(p []byte) (int, error) {
	return f.fd.Write(p)
}

func (f *FileIO) Sync() error {
	return f.fd.Sync()
}

func (f *FileIO) Size() (int64, error) {
	st, err := f.fd.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Truncate cuts the file back to size bytes. Recovery uses this to discard a
// torn record at the tail of the active segment.
func (f *FileIO) Truncate(size int64) error {
	return f.fd.Truncate(size)
}

func (f *FileIO) Close() error {
	return f.fd.Close()
}
