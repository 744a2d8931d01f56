// Package storage defines the bundle file-system abstraction.
package storage

import "time"

// FileInfo describes one stored file.
type FileInfo struct {
	Path      string
	Checksum  string
	Size      int64
	UpdatedAt time.Time
}

// Provider is the interface for bundle file operations. All paths are
// relative to the bundle root and use forward slashes.
type Provider interface {
	// List returns every file under dir whose name ends with ext.
	List(dir, ext string) ([]FileInfo, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically replaces the file at path.
	Write(path string, content []byte) error
	// Delete removes the file at path. Deleting a missing file is not an error.
	Delete(path string) error
	// Sweep removes leftovers of interrupted writes and returns their paths.
	Sweep() ([]string, error)
	// Exists reports whether path names an existing file.
	Exists(path string) bool
	// Root returns the absolute bundle directory.
	Root() string
}
