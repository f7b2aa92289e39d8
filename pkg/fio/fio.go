// Package fio abstracts the IO manager behind a segment file, so immutable
// segments can be served from a memory mapping while the active segment keeps
// a regular file descriptor for appends.
package fio

// Manager is the IO surface a segment needs from its backing file.
type Manager interface {
	// ReadAt fills p from the given offset.
	ReadAt(p []byte, off int64) (int, error)
	// Write appends p at the end of the file.
	Write(p []byte) (int, error)
	// Sync forces written bytes to stable storage.
	Sync() error
	// Size reports the current file size in bytes.
	Size() (int64, error)
	Close() error
}
