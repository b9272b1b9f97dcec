package engine

import "io"

// EntryType is the kind of a directory entry.
type EntryType uint8

// Entry types.
const (
	EntryNone EntryType = iota
	EntryFile
	EntryDir
)

func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return "file"
	case EntryDir:
		return "dir"
	default:
		return "none"
	}
}

// DirEntry describes one entry of a directory.
type DirEntry struct {
	Name string
	Size int64
	Type EntryType
}

// OpenMode selects how OpenFile opens a file.
type OpenMode uint8

// Open modes. OpenCreate creates the file, or truncates it when it exists,
// and implies OpenWrite.
const (
	OpenRead OpenMode = 1 << iota
	OpenWrite
	OpenCreate
)

// File is an open file on a volume.
type File interface {
	io.Reader
	io.Writer
	io.Closer
}

// FileSystem is implemented by volumes that expose their directory tree.
// Paths are slash separated and relative to the volume root.
type FileSystem interface {
	// OpenFile opens the file at path.
	OpenFile(path string, mode OpenMode) (File, error)

	// ReadDir lists the directory at path.
	ReadDir(path string) ([]DirEntry, error)

	// Stat describes the entry at path. The root is a directory named "/".
	Stat(path string) (DirEntry, error)
}
