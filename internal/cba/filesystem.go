package cba

import (
	"io"
	"io/fs"
)

// FileReader is an open source file. Blocks are read with ReadAt so a
// transfer can resume at any block boundary.
type FileReader interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

// FilesystemManager provides an interface for filesystem operations.
// It abstracts file access to enable testing without touching the real filesystem.
type FilesystemManager interface {
	// Resolve validates a raw path and returns a Path object.
	// It resolves the path to an absolute path, stats it, and validates
	// it's a regular file or directory (not a symlink, device, etc.).
	Resolve(rawPath string) (*Path, error)

	// Open opens a file for reading.
	Open(path string) (FileReader, error)

	// Stat returns fresh file info for a path.
	Stat(path string) (fs.FileInfo, error)

	// Walk calls fn for every regular file under root, recursively.
	// Returning fs.SkipAll from fn stops the walk without error.
	Walk(root string, fn func(p *Path) error) error
}
